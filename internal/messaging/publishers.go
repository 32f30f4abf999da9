package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/matching"
	"github.com/whisper/pairbot/internal/relay"
)

// Publisher is the part of NATSClient the publishers need.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ModerationPublisher forwards moderation copies to SubjectModeration.
type ModerationPublisher struct {
	pub Publisher
	log zerolog.Logger
}

// NewModerationPublisher creates a relay.ModerationSink backed by NATS.
func NewModerationPublisher(pub Publisher, logger zerolog.Logger) *ModerationPublisher {
	return &ModerationPublisher{pub: pub, log: logger.With().Str("component", "nats").Logger()}
}

func (m *ModerationPublisher) Record(_ context.Context, r relay.Record) {
	data, err := json.Marshal(r)
	if err != nil {
		m.log.Error().Err(err).Msg("marshal moderation record")
		return
	}
	if err := m.pub.Publish(SubjectModeration, data); err != nil {
		m.log.Warn().Err(err).Int64("sender_id", r.SenderID).Msg("publish moderation record")
	}
}

// SessionEventPublisher publishes session events to pairbot.session.<type>.
type SessionEventPublisher struct {
	pub Publisher
}

// NewSessionEventPublisher creates a matching.EventPublisher backed by NATS.
func NewSessionEventPublisher(pub Publisher) *SessionEventPublisher {
	return &SessionEventPublisher{pub: pub}
}

func (s *SessionEventPublisher) PublishSessionEvent(_ context.Context, ev matching.SessionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal session event: %w", err)
	}
	if err := s.pub.Publish(SubjectSession+"."+ev.Type, data); err != nil {
		return fmt.Errorf("messaging: publish session event: %w", err)
	}
	return nil
}

// SubscribeModeration delivers every moderation record to handler. queue
// names the consumer group; replicas sharing it split the stream.
func (c *NATSClient) SubscribeModeration(queue string, handler func(relay.Record)) error {
	return c.QueueSubscribe(SubjectModeration, queue, func(msg *nats.Msg) {
		var r relay.Record
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			c.log.Warn().Err(err).Msg("invalid moderation record")
			return
		}
		handler(r)
	})
}

// SubscribeSessionEvents delivers every session event to handler.
func (c *NATSClient) SubscribeSessionEvents(handler func(matching.SessionEvent)) error {
	return c.Subscribe(SubjectSession+".>", func(msg *nats.Msg) {
		var ev matching.SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warn().Err(err).Msg("invalid session event")
			return
		}
		handler(ev)
	})
}
