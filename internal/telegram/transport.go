package telegram

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/whisper/pairbot/internal/relay"
)

// IsForbidden reports whether err means the user blocked the bot or
// deactivated their account.
func IsForbidden(err error) bool {
	return errors.Is(err, bot.ErrorForbidden)
}

// Transport delivers relayed content through the Bot API.
type Transport struct {
	api *bot.Bot
}

// NewTransport wraps api.
func NewTransport(api *bot.Bot) *Transport {
	return &Transport{api: api}
}

// Deliver sends c to chat to, reusing the Telegram file id for media.
func (t *Transport) Deliver(ctx context.Context, to int64, c relay.Content) error {
	var err error
	switch v := c.(type) {
	case relay.Text:
		_, err = t.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: to, Text: v.Body})
	case relay.Photo:
		_, err = t.api.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:  to,
			Photo:   &models.InputFileString{Data: v.FileID},
			Caption: v.Caption,
		})
	case relay.Video:
		_, err = t.api.SendVideo(ctx, &bot.SendVideoParams{
			ChatID:  to,
			Video:   &models.InputFileString{Data: v.FileID},
			Caption: v.Caption,
		})
	case relay.Sticker:
		_, err = t.api.SendSticker(ctx, &bot.SendStickerParams{
			ChatID:  to,
			Sticker: &models.InputFileString{Data: v.FileID},
		})
	case relay.Voice:
		_, err = t.api.SendVoice(ctx, &bot.SendVoiceParams{
			ChatID: to,
			Voice:  &models.InputFileString{Data: v.FileID},
		})
	default:
		return fmt.Errorf("telegram: unsupported content %T", c)
	}
	if err != nil {
		return fmt.Errorf("telegram: deliver %s to %d: %w", c.Kind(), to, err)
	}
	return nil
}

// Members answers group membership lookups with getChatMember.
type Members struct {
	api *bot.Bot
}

// NewMembers wraps api.
func NewMembers(api *bot.Bot) *Members {
	return &Members{api: api}
}

// IsMember reports whether userID currently belongs to groupID. The bot must
// be an administrator of the group for the lookup to succeed.
func (m *Members) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	cm, err := m.api.GetChatMember(ctx, &bot.GetChatMemberParams{ChatID: groupID, UserID: userID})
	if err != nil {
		return false, fmt.Errorf("telegram: get chat member %d in %d: %w", userID, groupID, err)
	}
	switch cm.Type {
	case models.ChatMemberTypeLeft, models.ChatMemberTypeBanned:
		return false, nil
	case models.ChatMemberTypeRestricted:
		return cm.Restricted != nil && cm.Restricted.IsMember, nil
	}
	return true, nil
}
