package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairbot/internal/matching"
	"github.com/whisper/pairbot/internal/relay"
)

type captured struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []captured
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, captured{subject, data})
	return nil
}

func TestModerationPublisher(t *testing.T) {
	pub := &fakePublisher{}
	m := NewModerationPublisher(pub, zerolog.Nop())

	m.Record(context.Background(), relay.Record{SenderID: 1, ReceiverID: 2, Kind: relay.KindText, Content: "hi", Delivered: true})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, SubjectModeration, pub.msgs[0].subject)
	var got relay.Record
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
	assert.Equal(t, int64(2), got.ReceiverID)
	assert.Equal(t, relay.KindText, got.Kind)

	pub.err = errors.New("nats: connection closed")
	m.Record(context.Background(), relay.Record{SenderID: 1})
}

func TestSessionEventPublisher(t *testing.T) {
	pub := &fakePublisher{}
	s := NewSessionEventPublisher(pub)

	err := s.PublishSessionEvent(context.Background(), matching.SessionEvent{Type: matching.EventEnded, UserA: 1, UserB: 2})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "pairbot.session.ended", pub.msgs[0].subject)

	pub.err = errors.New("down")
	require.Error(t, s.PublishSessionEvent(context.Background(), matching.SessionEvent{Type: matching.EventPaired}))
}

// Requires a NATS server on localhost:4222. Skipped if unavailable.
func TestNATSClient_ModerationRoundTrip(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("skipping: NATS not available: %v", err)
	}
	t.Cleanup(c.Close)

	got := make(chan relay.Record, 1)
	require.NoError(t, c.SubscribeModeration("modlog-test", func(r relay.Record) { got <- r }))
	require.NoError(t, c.Flush())

	NewModerationPublisher(c, zerolog.Nop()).Record(context.Background(), relay.Record{SenderID: 42, Kind: relay.KindSticker, FileID: "st"})

	select {
	case r := <-got:
		assert.Equal(t, int64(42), r.SenderID)
		assert.Equal(t, "st", r.FileID)
	case <-time.After(2 * time.Second):
		t.Fatal("moderation record not received")
	}
}
