package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/whisper/pairbot/internal/admin"
	"github.com/whisper/pairbot/internal/store"
)

// adminArgs returns the sender and the command arguments, or false after
// replying with usage when fewer than n arguments were given.
func (b *Bot) adminArgs(ctx context.Context, update *models.Update, n int, usage string) (int64, []string, bool) {
	msg := update.Message
	args := commandArgs(msg.Text)
	if len(args) < n {
		b.reply(ctx, msg, "Usage: "+usage)
		return 0, nil, false
	}
	return msg.From.ID, args, true
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// adminResult reports the outcome of an admin action back to the actor.
func (b *Bot) adminResult(ctx context.Context, actor int64, op string, err error, ok string) {
	switch {
	case err == nil:
		b.send(ctx, actor, ok, nil)
	case errors.Is(err, admin.ErrNotAdmin):
		b.send(ctx, actor, msgNotAuthorized, nil)
	case errors.Is(err, admin.ErrBootstrapAdmin):
		b.send(ctx, actor, "The bootstrap admin cannot be removed.", nil)
	case errors.Is(err, admin.ErrInvalidGroup):
		b.send(ctx, actor, "Invalid group id or link.", nil)
	case errors.Is(err, store.ErrNotFound):
		b.send(ctx, actor, "User not found.", nil)
	default:
		b.internalError(ctx, actor, op, err)
	}
}

func (b *Bot) block(ctx context.Context, _ *bot.Bot, update *models.Update) {
	actor, args, ok := b.adminArgs(ctx, update, 1, "/block <user_id>")
	if !ok {
		return
	}
	target, err := parseID(args[0])
	if err != nil {
		b.reply(ctx, update.Message, "Invalid user id.")
		return
	}
	partner, err := b.admin.Block(ctx, actor, target)
	b.adminResult(ctx, actor, "block", err, fmt.Sprintf("User %d has been blocked.", target))
	if err == nil && partner != 0 {
		b.send(ctx, partner, msgPartnerEnded, nil)
	}
}

func (b *Bot) unblock(ctx context.Context, _ *bot.Bot, update *models.Update) {
	actor, args, ok := b.adminArgs(ctx, update, 1, "/unblock <user_id>")
	if !ok {
		return
	}
	target, err := parseID(args[0])
	if err != nil {
		b.reply(ctx, update.Message, "Invalid user id.")
		return
	}
	err = b.admin.Unblock(ctx, actor, target)
	b.adminResult(ctx, actor, "unblock", err, fmt.Sprintf("User %d has been unblocked.", target))
}

func (b *Bot) addGroup(ctx context.Context, _ *bot.Bot, update *models.Update) {
	actor, args, ok := b.adminArgs(ctx, update, 2, "/fjoin <group_id> <link>")
	if !ok {
		return
	}
	groupID, err := parseID(args[0])
	if err != nil {
		b.reply(ctx, update.Message, "Invalid group id.")
		return
	}
	err = b.admin.AddGroup(ctx, actor, groupID, args[1])
	b.adminResult(ctx, actor, "add group", err, fmt.Sprintf("Group %d added to the required list.", groupID))
}

func (b *Bot) removeGroup(ctx context.Context, _ *bot.Bot, update *models.Update) {
	actor, args, ok := b.adminArgs(ctx, update, 1, "/removefjoin <group_id>")
	if !ok {
		return
	}
	groupID, err := parseID(args[0])
	if err != nil {
		b.reply(ctx, update.Message, "Invalid group id.")
		return
	}
	err = b.admin.RemoveGroup(ctx, actor, groupID)
	b.adminResult(ctx, actor, "remove group", err, fmt.Sprintf("Group %d removed from the required list.", groupID))
}

func (b *Bot) listGroups(ctx context.Context, _ *bot.Bot, update *models.Update) {
	actor := update.Message.From.ID
	groups, err := b.admin.Groups(ctx, actor)
	if err != nil {
		b.adminResult(ctx, actor, "list groups", err, "")
		return
	}
	if len(groups) == 0 {
		b.send(ctx, actor, "No required groups.", nil)
		return
	}
	var sb strings.Builder
	sb.WriteString("Required groups:")
	for _, g := range groups {
		fmt.Fprintf(&sb, "\n%d %s", g.GroupID, g.JoinLink())
	}
	b.send(ctx, actor, sb.String(), nil)
}

func (b *Bot) promoteVip(ctx context.Context, _ *bot.Bot, update *models.Update) {
	actor, args, ok := b.adminArgs(ctx, update, 2, "/promotevip <user_id> <days>")
	if !ok {
		return
	}
	target, err := parseID(args[0])
	if err != nil {
		b.reply(ctx, update.Message, "Invalid user id.")
		return
	}
	days, err := strconv.Atoi(args[1])
	if err != nil || days <= 0 {
		b.reply(ctx, update.Message, "Days must be a positive number.")
		return
	}
	until, err := b.admin.PromoteVip(ctx, actor, target, days)
	b.adminResult(ctx, actor, "promote vip", err, fmt.Sprintf("User %d is VIP for %d days.", target, days))
	if err == nil {
		b.send(ctx, target, fmt.Sprintf("You have been granted VIP until %s UTC.", until.UTC().Format("2006-01-02 15:04")), nil)
	}
}

func (b *Bot) promote(ctx context.Context, _ *bot.Bot, update *models.Update) {
	actor, args, ok := b.adminArgs(ctx, update, 1, "/promote <user_id>")
	if !ok {
		return
	}
	target, err := parseID(args[0])
	if err != nil {
		b.reply(ctx, update.Message, "Invalid user id.")
		return
	}
	err = b.admin.Promote(ctx, actor, target)
	b.adminResult(ctx, actor, "promote", err, fmt.Sprintf("User %d is now an admin.", target))
}

func (b *Bot) demote(ctx context.Context, _ *bot.Bot, update *models.Update) {
	actor, args, ok := b.adminArgs(ctx, update, 1, "/removeadmin <user_id>")
	if !ok {
		return
	}
	target, err := parseID(args[0])
	if err != nil {
		b.reply(ctx, update.Message, "Invalid user id.")
		return
	}
	err = b.admin.Demote(ctx, actor, target)
	b.adminResult(ctx, actor, "demote", err, fmt.Sprintf("User %d is no longer an admin.", target))
}

func (b *Bot) listAdmins(ctx context.Context, _ *bot.Bot, update *models.Update) {
	actor := update.Message.From.ID
	admins, err := b.admin.ListAdmins(ctx, actor)
	if err != nil {
		b.adminResult(ctx, actor, "list admins", err, "")
		return
	}
	var sb strings.Builder
	sb.WriteString("Admins:")
	for _, a := range admins {
		fmt.Fprintf(&sb, "\n%d", a.UserID)
	}
	b.send(ctx, actor, sb.String(), nil)
}

func (b *Bot) stats(ctx context.Context, _ *bot.Bot, update *models.Update) {
	actor := update.Message.From.ID
	st, err := b.admin.Stats(ctx, actor)
	if err != nil {
		b.adminResult(ctx, actor, "stats", err, "")
		return
	}
	b.send(ctx, actor, fmt.Sprintf("Bot statistics:\nTotal users: %d\nActive chats: %d\nSearching: %d\nVIP users: %d\nMessages logged: %d",
		st.TotalUsers, st.ActiveChats, st.Seeking, st.VipUsers, st.TotalMessages), nil)
}
