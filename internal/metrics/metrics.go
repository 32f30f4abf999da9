// Package metrics provides Prometheus instrumentation for the pairing bot.
// It exposes gauges refreshed from store snapshots, counters for searches,
// pairings and relayed messages, and a histogram for membership lookups.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whisper/pairbot/internal/model"
)

var (
	// Users tracks the number of registered users.
	Users = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairbot_users",
		Help: "Number of registered users",
	})

	// ActiveChats tracks the current number of active chat sessions.
	ActiveChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairbot_active_chats",
		Help: "Current number of active chat sessions",
	})

	// SeekingUsers tracks the current size of the seeking pool.
	SeekingUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairbot_seeking_users",
		Help: "Current number of users waiting for a partner",
	})

	// VipUsers tracks users with an open VIP window.
	VipUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairbot_vip_users",
		Help: "Current number of users with active VIP",
	})

	// Searches counts search outcomes.
	Searches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairbot_searches_total",
		Help: "Search requests by outcome",
	}, []string{"result"}) // result = "paired", "waiting", "rejected"

	// PairAttempts counts conditional pairing attempts by store outcome.
	PairAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairbot_pair_attempts_total",
		Help: "Conditional pairing attempts by outcome",
	}, []string{"outcome"})

	// SessionsEnded counts ended sessions.
	SessionsEnded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairbot_sessions_ended_total",
		Help: "Chat sessions ended",
	})

	// SessionDuration records how long ended sessions lasted, in seconds.
	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairbot_session_duration_seconds",
		Help:    "Length of ended chat sessions",
		Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 4 * 3600},
	})

	// Relayed counts relay outcomes labeled by content kind.
	Relayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairbot_relayed_total",
		Help: "Relay attempts by content kind and status",
	}, []string{"kind", "status"}) // status = "delivered", "rejected", "failed"

	// EligibilityDenials counts gate denials by reason.
	EligibilityDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairbot_eligibility_denials_total",
		Help: "Eligibility denials by reason",
	}, []string{"reason"})

	// MembershipLookup records group membership lookup latency in seconds.
	MembershipLookup = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pairbot_membership_lookup_seconds",
		Help:    "Group membership lookup latency",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5},
	}, []string{"result"}) // result = "member", "missing", "timeout", "error"

	// VipGrants counts VIP grants by source.
	VipGrants = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairbot_vip_grants_total",
		Help: "VIP grants by source",
	}, []string{"source"}) // source = "admin", "referral", "purchase"

	// ModerationDropped counts moderation copies dropped because the queue was full.
	ModerationDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairbot_moderation_dropped_total",
		Help: "Moderation copies dropped on a full queue",
	})
)

func init() {
	prometheus.MustRegister(
		Users,
		ActiveChats,
		SeekingUsers,
		VipUsers,
		Searches,
		PairAttempts,
		SessionsEnded,
		SessionDuration,
		Relayed,
		EligibilityDenials,
		MembershipLookup,
		VipGrants,
		ModerationDropped,
	)
}

// Observe copies a stats snapshot into the gauges.
func Observe(st model.Stats) {
	Users.Set(float64(st.TotalUsers))
	ActiveChats.Set(float64(st.ActiveChats))
	SeekingUsers.Set(float64(st.Seeking))
	VipUsers.Set(float64(st.VipUsers))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
