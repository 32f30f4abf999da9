// Package relay forwards messages between the two members of a session.
//
// Every accepted message is also copied to the moderation sinks. The copy is
// best effort and never delays or fails the relay itself.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/metrics"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
)

// ErrInconsistent is returned when the sender's partner does not point back.
var ErrInconsistent = store.ErrInconsistent

// Status is the relay outcome.
type Status int

const (
	StatusDelivered Status = iota
	StatusRejected
	StatusDeliveryFailed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRejected:
		return "rejected"
	case StatusDeliveryFailed:
		return "delivery_failed"
	}
	return "unknown"
}

// Reason qualifies a rejection.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNotInSession   Reason = "not_in_session"
	ReasonLinkNotAllowed Reason = "link_not_allowed"

	// ReasonNotEligible is set by callers that gate the sender first.
	ReasonNotEligible Reason = "not_eligible"
)

// Outcome is the result of Relay.
type Outcome struct {
	Status Status
	Reason Reason
	// To is the recipient, set once a partner was resolved.
	To int64
	// Err is the transport error behind StatusDeliveryFailed.
	Err error
}

// Transport delivers content to a user on the messaging platform.
type Transport interface {
	Deliver(ctx context.Context, to int64, c Content) error
}

// Record is the moderation copy of one relayed message.
type Record struct {
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Kind       Kind      `json:"kind"`
	Content    string    `json:"content,omitempty"`
	FileID     string    `json:"file_id,omitempty"`
	Caption    string    `json:"caption,omitempty"`
	Delivered  bool      `json:"delivered"`
	SentAt     time.Time `json:"sent_at"`
}

// MessageLog converts r into the persisted form.
func (r Record) MessageLog() model.MessageLog {
	content := r.Content
	if content == "" {
		content = r.FileID
		if r.Caption != "" {
			content += " " + r.Caption
		}
	}
	return model.MessageLog{
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Kind:       string(r.Kind),
		Content:    content,
		SentAt:     r.SentAt,
	}
}

// ModerationSink receives moderation copies. Implementations must not block
// for long; wrap slow sinks in an AsyncSink.
type ModerationSink interface {
	Record(ctx context.Context, r Record)
}

// PartnerResolver resolves a sender's current partner. It returns 0 when
// the sender is not in a session and ErrInconsistent when the partner does
// not point back.
type PartnerResolver interface {
	Partner(ctx context.Context, userID int64) (int64, error)
}

// Coordinator relays content inside sessions.
type Coordinator struct {
	partners  PartnerResolver
	transport Transport
	sink      ModerationSink
	now       func() time.Time
	log       zerolog.Logger
}

// NewCoordinator creates a coordinator. sink may be nil.
func NewCoordinator(partners PartnerResolver, transport Transport, sink ModerationSink, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		partners:  partners,
		transport: transport,
		sink:      sink,
		now:       time.Now,
		log:       logger.With().Str("component", "relay").Logger(),
	}
}

// Relay forwards c from senderID to their partner.
//
// Rejections and delivery failures are outcomes, not errors. A failed
// delivery leaves the session intact and is not retried. The error return
// is reserved for store failures and ErrInconsistent.
func (c *Coordinator) Relay(ctx context.Context, senderID int64, content Content) (Outcome, error) {
	partnerID, err := c.partners.Partner(ctx, senderID)
	if errors.Is(err, store.ErrNotFound) {
		return c.reject(content, ReasonNotInSession), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("relay: resolve partner of %d: %w", senderID, err)
	}
	if partnerID == 0 {
		return c.reject(content, ReasonNotInSession), nil
	}

	if t, ok := content.(Text); ok && ContainsLink(t.Body) {
		return c.reject(content, ReasonLinkNotAllowed), nil
	}

	out := Outcome{Status: StatusDelivered, To: partnerID}
	if err := c.transport.Deliver(ctx, partnerID, content); err != nil {
		c.log.Warn().Err(err).Int64("sender_id", senderID).Int64("receiver_id", partnerID).
			Str("kind", string(content.Kind())).Msg("delivery failed")
		out = Outcome{Status: StatusDeliveryFailed, To: partnerID, Err: err}
	}
	metrics.Relayed.WithLabelValues(string(content.Kind()), out.Status.String()).Inc()

	c.moderate(ctx, senderID, partnerID, content, out.Status == StatusDelivered)
	return out, nil
}

func (c *Coordinator) reject(content Content, reason Reason) Outcome {
	metrics.Relayed.WithLabelValues(string(content.Kind()), string(reason)).Inc()
	return Outcome{Status: StatusRejected, Reason: reason}
}

func (c *Coordinator) moderate(ctx context.Context, from, to int64, content Content, delivered bool) {
	if c.sink == nil {
		return
	}
	body, fileID, caption := describe(content)
	c.sink.Record(ctx, Record{
		SenderID:   from,
		ReceiverID: to,
		Kind:       content.Kind(),
		Content:    body,
		FileID:     fileID,
		Caption:    caption,
		Delivered:  delivered,
		SentAt:     c.now(),
	})
}
