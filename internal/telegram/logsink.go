package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/relay"
)

// UserLookup loads users for the log header.
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

// LogGroupSink copies every relayed message into the moderators' group.
// Media is re-sent by file id with the header as caption; stickers and voice
// notes cannot carry a caption, so the header follows as a text message.
type LogGroupSink struct {
	api   *bot.Bot
	group int64
	users UserLookup
	log   zerolog.Logger
}

// NewLogGroupSink returns a sink posting to group.
func NewLogGroupSink(api *bot.Bot, group int64, users UserLookup, logger zerolog.Logger) *LogGroupSink {
	return &LogGroupSink{
		api:   api,
		group: group,
		users: users,
		log:   logger.With().Str("component", "log_group").Logger(),
	}
}

func (s *LogGroupSink) Record(ctx context.Context, r relay.Record) {
	header := s.header(ctx, r)
	var err error
	switch r.Kind {
	case relay.KindPhoto:
		_, err = s.api.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:  s.group,
			Photo:   &models.InputFileString{Data: r.FileID},
			Caption: header + "\nType: Photo\nCaption: " + orNone(r.Caption),
		})
	case relay.KindVideo:
		_, err = s.api.SendVideo(ctx, &bot.SendVideoParams{
			ChatID:  s.group,
			Video:   &models.InputFileString{Data: r.FileID},
			Caption: header + "\nType: Video\nCaption: " + orNone(r.Caption),
		})
	case relay.KindSticker:
		if _, err = s.api.SendSticker(ctx, &bot.SendStickerParams{
			ChatID:  s.group,
			Sticker: &models.InputFileString{Data: r.FileID},
		}); err == nil {
			err = s.text(ctx, header+"\nType: Sticker")
		}
	case relay.KindVoice:
		if _, err = s.api.SendVoice(ctx, &bot.SendVoiceParams{
			ChatID: s.group,
			Voice:  &models.InputFileString{Data: r.FileID},
		}); err == nil {
			err = s.text(ctx, header+"\nType: Voice message")
		}
	default:
		err = s.text(ctx, header+"\nType: Text\nContent: "+r.Content)
	}
	if err != nil {
		s.log.Warn().Err(err).Int64("sender_id", r.SenderID).Str("kind", string(r.Kind)).Msg("log group copy failed")
	}
}

func (s *LogGroupSink) text(ctx context.Context, text string) error {
	_, err := s.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: s.group, Text: text})
	return err
}

func (s *LogGroupSink) header(ctx context.Context, r relay.Record) string {
	var b strings.Builder
	b.WriteString("Message log")
	if !r.Delivered {
		b.WriteString(" (not delivered)")
	}
	fmt.Fprintf(&b, "\nSender: %s", s.describe(ctx, r.SenderID))
	fmt.Fprintf(&b, "\nReceiver: %s", s.describe(ctx, r.ReceiverID))
	fmt.Fprintf(&b, "\nTime: %s", r.SentAt.UTC().Format(time.DateTime))
	return b.String()
}

func (s *LogGroupSink) describe(ctx context.Context, id int64) string {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("%d (%s) - %s", id, u.DisplayName(), u.Gender)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
