package matching

import (
	"context"
	"time"
)

// Session event types.
const (
	EventPaired = "paired"
	EventEnded  = "ended"
)

// SessionEvent is published when a session starts or ends. Other processes
// (the moderation logger, dashboards) consume it; nothing in the pairing
// path depends on delivery.
type SessionEvent struct {
	Type  string    `json:"type"`
	UserA int64     `json:"user_a"`
	UserB int64     `json:"user_b"`
	At    time.Time `json:"at"`
}

// EventPublisher fans session events out to interested parties.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, ev SessionEvent) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishSessionEvent(context.Context, SessionEvent) error { return nil }
