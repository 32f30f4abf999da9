// Package telegram is the Telegram front end of the pairing engine: Bot API
// transport, group membership lookups, the moderation log group and the
// command handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/eligibility"
	"github.com/whisper/pairbot/internal/engine"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/relay"
)

// Engine is the part of the pairing engine the handlers drive.
type Engine interface {
	Register(ctx context.Context, nu engine.NewUser, referralCode string) (engine.RegisterResult, error)
	AgreeTerms(ctx context.Context, userID int64) error
	SaveProfile(ctx context.Context, userID int64, p model.Profile) error
	SetPartnerFilter(ctx context.Context, userID int64, g model.Gender) error
	CheckEligibility(ctx context.Context, userID int64) (eligibility.Decision, error)
	StartSearch(ctx context.Context, userID int64, g model.Gender) (engine.SearchResult, error)
	StartPreferredSearch(ctx context.Context, userID int64) (engine.SearchResult, error)
	CancelSearch(ctx context.Context, userID int64) (bool, error)
	EndSession(ctx context.Context, userID int64) (int64, error)
	Relay(ctx context.Context, userID int64, c relay.Content) (engine.RelayResult, error)
	GrantVip(ctx context.Context, userID int64, days int) (time.Time, error)
	IsVipActive(ctx context.Context, userID int64) (bool, error)
	RemoveUser(ctx context.Context, userID int64) (int64, error)
	Profile(ctx context.Context, userID int64) (*model.User, error)
}

// Admin is the admin service.
type Admin interface {
	IsAdmin(ctx context.Context, id int64) (bool, error)
	Block(ctx context.Context, actor, target int64) (int64, error)
	Unblock(ctx context.Context, actor, target int64) error
	AddGroup(ctx context.Context, actor, groupID int64, link string) error
	RemoveGroup(ctx context.Context, actor, groupID int64) error
	Groups(ctx context.Context, actor int64) ([]model.RequiredGroup, error)
	PromoteVip(ctx context.Context, actor, target int64, days int) (time.Time, error)
	Promote(ctx context.Context, actor, target int64) error
	Demote(ctx context.Context, actor, target int64) error
	ListAdmins(ctx context.Context, actor int64) ([]model.Admin, error)
	Stats(ctx context.Context, actor int64) (model.Stats, error)
}

// Bot owns the Bot API client and routes updates to the handlers.
type Bot struct {
	api      *bot.Bot
	eng      Engine
	admin    Admin
	username string
	log      zerolog.Logger
}

// New creates the Bot API client. Handlers are registered by Attach, once
// the engine that needs this client's transport exists.
func New(token string, logger zerolog.Logger, opts ...bot.Option) (*Bot, error) {
	if token == "" {
		return nil, errors.New("telegram: bot token cannot be empty")
	}
	b := &Bot{log: logger.With().Str("component", "telegram").Logger()}

	opts = append([]bot.Option{
		bot.WithDefaultHandler(b.onUpdate),
		bot.WithMiddlewares(logUpdates(b.log)),
		bot.WithErrorsHandler(func(err error) {
			b.log.Error().Err(err).Msg("bot api error")
		}),
	}, opts...)

	api, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	b.api = api
	return b, nil
}

// API exposes the underlying client for the transport and sinks.
func (b *Bot) API() *bot.Bot { return b.api }

// Attach binds the engine and admin service and registers the commands.
// username is the bot's @handle, used in referral links.
func (b *Bot) Attach(eng Engine, adm Admin, username string) {
	b.eng = eng
	b.admin = adm
	b.username = username

	for _, c := range b.commands() {
		b.api.RegisterHandler(bot.HandlerTypeMessageText, c.name, bot.MatchTypeCommandStartOnly, c.handler, c.middleware...)
	}
	b.api.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, b.onCallback)
	b.log.Info().Int("commands", len(b.commands())).Msg("handlers registered")
}

// Start long-polls until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	b.log.Info().Str("username", b.username).Msg("polling started")
	b.api.Start(ctx)
	b.log.Info().Msg("polling stopped")
}

type command struct {
	name       string
	handler    bot.HandlerFunc
	middleware []bot.Middleware
}

func (b *Bot) commands() []command {
	admin := []bot.Middleware{adminOnly(b)}
	return []command{
		{name: "start", handler: b.start},
		{name: "agree", handler: b.agree},
		{name: "profile", handler: b.profile},
		{name: "chat", handler: b.chat},
		{name: "random", handler: b.searchWith(model.GenderUnset)},
		{name: "male", handler: b.searchWith(model.GenderMale)},
		{name: "female", handler: b.searchWith(model.GenderFemale)},
		{name: "stop", handler: b.stop},
		{name: "end", handler: b.end},
		{name: "vip", handler: b.vip},
		{name: "refer", handler: b.refer},

		{name: "block", handler: b.block, middleware: admin},
		{name: "unblock", handler: b.unblock, middleware: admin},
		{name: "fjoin", handler: b.addGroup, middleware: admin},
		{name: "removefjoin", handler: b.removeGroup, middleware: admin},
		{name: "groups", handler: b.listGroups, middleware: admin},
		{name: "promotevip", handler: b.promoteVip, middleware: admin},
		{name: "promote", handler: b.promote, middleware: admin},
		{name: "removeadmin", handler: b.demote, middleware: admin},
		{name: "adminlist", handler: b.listAdmins, middleware: admin},
		{name: "stats", handler: b.stats, middleware: admin},
	}
}

func logUpdates(log zerolog.Logger) bot.Middleware {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, api *bot.Bot, update *models.Update) {
			start := time.Now()
			next(ctx, api, update)
			log.Debug().Int64("update_id", update.ID).Dur("took", time.Since(start)).Msg("update handled")
		}
	}
}

// adminOnly rejects commands from users without the admin role.
func adminOnly(b *Bot) bot.Middleware {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, api *bot.Bot, update *models.Update) {
			if update.Message == nil || update.Message.From == nil {
				return
			}
			userID := update.Message.From.ID
			ok, err := b.admin.IsAdmin(ctx, userID)
			if err != nil {
				b.log.Error().Err(err).Int64("user_id", userID).Msg("admin check failed")
				b.reply(ctx, update.Message, msgInternal)
				return
			}
			if !ok {
				b.log.Warn().Int64("user_id", userID).Msg("unauthorized admin command")
				b.reply(ctx, update.Message, msgNotAuthorized)
				return
			}
			next(ctx, api, update)
		}
	}
}

// send delivers text to chatID. A Forbidden answer means the user blocked
// the bot: they are removed and their former partner is told.
func (b *Bot) send(ctx context.Context, chatID int64, text string, markup models.ReplyMarkup) {
	params := &bot.SendMessageParams{ChatID: chatID, Text: text}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	_, err := b.api.SendMessage(ctx, params)
	if err == nil {
		return
	}
	if IsForbidden(err) {
		b.revoke(ctx, chatID)
		return
	}
	b.log.Warn().Err(err).Int64("chat_id", chatID).Msg("send failed")
}

func (b *Bot) reply(ctx context.Context, msg *models.Message, text string) {
	b.send(ctx, msg.Chat.ID, text, nil)
}

// revoke removes a user who blocked the bot.
func (b *Bot) revoke(ctx context.Context, userID int64) {
	partner, err := b.eng.RemoveUser(ctx, userID)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", userID).Msg("remove user failed")
		return
	}
	b.log.Info().Int64("user_id", userID).Msg("user blocked the bot, removed")
	if partner == 0 {
		return
	}
	if _, err := b.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: partner, Text: msgPartnerLeft}); err != nil {
		b.log.Warn().Err(err).Int64("chat_id", partner).Msg("notify partner failed")
	}
}

func (b *Bot) internalError(ctx context.Context, chatID int64, op string, err error) {
	b.log.Error().Err(err).Int64("user_id", chatID).Str("op", op).Msg("handler failed")
	b.send(ctx, chatID, msgInternal, nil)
}
