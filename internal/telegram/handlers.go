package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/whisper/pairbot/internal/eligibility"
	"github.com/whisper/pairbot/internal/engine"
	"github.com/whisper/pairbot/internal/entitlement"
	"github.com/whisper/pairbot/internal/matching"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/relay"
	"github.com/whisper/pairbot/internal/session"
	"github.com/whisper/pairbot/internal/store"
)

func (b *Bot) start(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	from := msg.From
	code := ""
	if args := commandArgs(msg.Text); len(args) > 0 {
		code = args[0]
	}

	res, err := b.eng.Register(ctx, engine.NewUser{
		ID:        from.ID,
		Username:  from.Username,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	}, code)
	if err != nil {
		b.internalError(ctx, from.ID, "register", err)
		return
	}
	if res.ReferredBy != 0 {
		b.send(ctx, res.ReferredBy, "Someone started the bot through your referral link! You've been granted VIP for 24 hours.", nil)
	}

	switch u := res.User; {
	case !u.AgreedTerms:
		b.send(ctx, from.ID, termsText, termsKeyboard())
	case !u.ProfileCompleted:
		b.send(ctx, from.ID, "Please select your gender:", genderKeyboard())
	default:
		b.admitted(ctx, from.ID)
	}
}

func (b *Bot) agree(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	b.acceptTerms(ctx, update.Message.From.ID)
}

func (b *Bot) acceptTerms(ctx context.Context, userID int64) {
	if err := b.eng.AgreeTerms(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			b.send(ctx, userID, msgNotStarted, nil)
			return
		}
		b.internalError(ctx, userID, "agree", err)
		return
	}
	b.send(ctx, userID, "Terms accepted! Now let's set up your profile.\nPlease select your gender:", genderKeyboard())
}

// admitted shows the menu or tells the user what is still missing.
func (b *Bot) admitted(ctx context.Context, userID int64) {
	if _, ok := b.gate(ctx, userID); ok {
		b.send(ctx, userID, menuText, nil)
	}
}

// gate runs the eligibility check and explains a denial to the user.
func (b *Bot) gate(ctx context.Context, userID int64) (eligibility.Decision, bool) {
	d, err := b.eng.CheckEligibility(ctx, userID)
	if err != nil {
		b.internalError(ctx, userID, "eligibility", err)
		return d, false
	}
	b.explain(ctx, userID, d)
	return d, d.Admitted
}

func (b *Bot) explain(ctx context.Context, userID int64, d eligibility.Decision) {
	switch d.Reason {
	case eligibility.ReasonNone:
	case eligibility.ReasonNotStarted:
		b.send(ctx, userID, msgNotStarted, nil)
	case eligibility.ReasonBlocked:
		b.send(ctx, userID, msgBlocked, nil)
	case eligibility.ReasonTermsRequired:
		b.send(ctx, userID, termsText, termsKeyboard())
	case eligibility.ReasonProfileIncomplete:
		b.send(ctx, userID, "Please complete your profile first.\nSelect your gender:", genderKeyboard())
	case eligibility.ReasonGroupJoinRequired:
		b.send(ctx, userID, msgJoinGroups, joinKeyboard(d.MissingGroups))
	}
}

func (b *Bot) profile(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	userID := update.Message.From.ID
	d, ok := b.gate(ctx, userID)
	if !ok {
		return
	}
	u := d.User
	text := fmt.Sprintf("Your profile:\nGender: %s\nAge: %d\nCountry: %s\nPartner filter: %s",
		u.Gender, u.Age, u.Country, u.PartnerFilter)
	b.send(ctx, userID, text, profileKeyboard())
}

func (b *Bot) chat(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	userID := update.Message.From.ID
	d, ok := b.gate(ctx, userID)
	if !ok {
		return
	}
	if d.User.InSession() {
		b.send(ctx, userID, msgAlreadyInChat, nil)
		return
	}
	b.send(ctx, userID, "Choose your matching preference:", matchKeyboard())
}

func (b *Bot) searchWith(g model.Gender) bot.HandlerFunc {
	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		if update.Message == nil || update.Message.From == nil {
			return
		}
		b.search(ctx, update.Message.From.ID, g)
	}
}

func (b *Bot) search(ctx context.Context, userID int64, g model.Gender) {
	res, err := b.eng.StartSearch(ctx, userID, g)
	b.searchDone(ctx, userID, res, err)
}

func (b *Bot) searchPreferred(ctx context.Context, userID int64) {
	res, err := b.eng.StartPreferredSearch(ctx, userID)
	b.searchDone(ctx, userID, res, err)
}

func (b *Bot) searchDone(ctx context.Context, userID int64, res engine.SearchResult, err error) {
	switch {
	case errors.Is(err, matching.ErrVipRequired):
		b.send(ctx, userID, msgVipOnly, nil)
		return
	case errors.Is(err, matching.ErrAlreadyInSession):
		b.send(ctx, userID, msgAlreadyInChat, nil)
		return
	case errors.Is(err, engine.ErrRateLimited):
		b.send(ctx, userID, msgSlowDown, nil)
		return
	case err != nil:
		b.internalError(ctx, userID, "search", err)
		return
	}
	if !res.Admission.Admitted {
		b.explain(ctx, userID, res.Admission)
		return
	}

	switch res.Status {
	case matching.StatusPaired:
		b.announcePair(ctx, userID, res.Partner)
	case matching.StatusSearching:
		b.send(ctx, userID, msgSearching, nil)
	case matching.StatusNoneAvailable:
		b.send(ctx, userID, msgNoneAvailable, nil)
	}
}

// announcePair tells both members who they were matched with.
func (b *Bot) announcePair(ctx context.Context, userID, partnerID int64) {
	me, err := b.eng.Profile(ctx, userID)
	if err != nil {
		b.log.Warn().Err(err).Int64("user_id", userID).Msg("load profile for announcement")
	}
	partner, err := b.eng.Profile(ctx, partnerID)
	if err != nil {
		b.log.Warn().Err(err).Int64("user_id", partnerID).Msg("load profile for announcement")
	}
	b.send(ctx, userID, partnerFoundText(partner), nil)
	b.send(ctx, partnerID, partnerFoundText(me), nil)
}

func (b *Bot) stop(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	userID := update.Message.From.ID
	was, err := b.eng.CancelSearch(ctx, userID)
	if err != nil {
		b.internalError(ctx, userID, "cancel search", err)
		return
	}
	if was {
		b.send(ctx, userID, msgSearchStopped, nil)
		return
	}
	b.send(ctx, userID, msgNotSearching, nil)
}

func (b *Bot) end(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	userID := update.Message.From.ID
	partner, err := b.eng.EndSession(ctx, userID)
	switch {
	case errors.Is(err, session.ErrNotInSession):
		b.send(ctx, userID, "You are not currently in a chat session.", nil)
		return
	case errors.Is(err, store.ErrNotFound):
		b.send(ctx, userID, msgNotStarted, nil)
		return
	case err != nil && partner == 0:
		b.internalError(ctx, userID, "end session", err)
		return
	}
	b.send(ctx, userID, msgEnded, nil)
	if partner != 0 {
		b.send(ctx, partner, msgPartnerEnded, nil)
	}
}

func (b *Bot) vip(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	userID := update.Message.From.ID
	d, ok := b.gate(ctx, userID)
	if !ok {
		return
	}
	// The gate already applied lazy expiry.
	b.send(ctx, userID, vipStatusText(d.User, d.User.IsVip)+"\n\nVIP membership options:", vipKeyboard())
}

func (b *Bot) refer(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	b.showReferral(ctx, update.Message.From.ID)
}

func (b *Bot) showReferral(ctx context.Context, userID int64) {
	u, err := b.eng.Profile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		b.send(ctx, userID, msgNotStarted, nil)
		return
	}
	if err != nil {
		b.internalError(ctx, userID, "referral", err)
		return
	}
	b.send(ctx, userID, referralText(entitlement.ReferralLink(b.username, userID), u.ReferralCount), nil)
}

func (b *Bot) onCallback(ctx context.Context, api *bot.Bot, update *models.Update) {
	q := update.CallbackQuery
	if q == nil {
		return
	}
	if _, err := api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: q.ID}); err != nil {
		b.log.Debug().Err(err).Msg("answer callback")
	}
	userID := q.From.ID
	data := q.Data

	switch {
	case data == cbTerms+"agree":
		b.acceptTerms(ctx, userID)
	case data == cbTerms+"decline":
		b.send(ctx, userID, msgDeclined, nil)

	case data == cbGender+"edit":
		b.send(ctx, userID, "Please select your gender:", genderKeyboard())
	case strings.HasPrefix(data, cbGender):
		g, err := model.ParseGender(strings.TrimPrefix(data, cbGender))
		if err != nil || g == model.GenderUnset {
			return
		}
		b.send(ctx, userID, "Gender set to: "+g.String()+"\nPlease select your country:", countryKeyboard(g))
	case strings.HasPrefix(data, cbCountry):
		parts := strings.SplitN(strings.TrimPrefix(data, cbCountry), ":", 2)
		if len(parts) != 2 {
			return
		}
		g, err := model.ParseGender(parts[0])
		if err != nil {
			return
		}
		b.send(ctx, userID, "Country set to: "+parts[1]+"\nPlease select your age group:", ageKeyboard(g, parts[1]))
	case strings.HasPrefix(data, cbAge):
		b.completeProfile(ctx, userID, strings.TrimPrefix(data, cbAge))

	case data == cbMatch+matchPreferred:
		b.searchPreferred(ctx, userID)
	case strings.HasPrefix(data, cbMatch):
		g, err := model.ParseGender(strings.TrimPrefix(data, cbMatch))
		if err != nil {
			return
		}
		b.search(ctx, userID, g)

	case data == cbFilter+"menu":
		active, err := b.eng.IsVipActive(ctx, userID)
		if err != nil {
			b.internalError(ctx, userID, "vip check", err)
			return
		}
		if !active {
			b.send(ctx, userID, msgVipOnly, nil)
			return
		}
		b.send(ctx, userID, "Select partner filter:", filterKeyboard())
	case strings.HasPrefix(data, cbFilter):
		b.setFilter(ctx, userID, strings.TrimPrefix(data, cbFilter))

	case data == cbVip+"refer":
		b.showReferral(ctx, userID)
	case data == cbVip+"buy":
		b.send(ctx, userID, "VIP purchase options:\nSelect your preferred VIP duration:", plansKeyboard())
	case strings.HasPrefix(data, cbBuy):
		days, err := strconv.Atoi(strings.TrimPrefix(data, cbBuy))
		if err != nil {
			return
		}
		b.sendInvoice(ctx, userID, days)

	default:
		b.log.Debug().Str("data", data).Msg("unknown callback")
	}
}

// completeProfile handles "gender:country:age" from the last wizard step.
func (b *Bot) completeProfile(ctx context.Context, userID int64, data string) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 {
		return
	}
	g, err := model.ParseGender(parts[0])
	if err != nil {
		return
	}
	age, err := strconv.Atoi(parts[2])
	if err != nil {
		return
	}
	p := model.Profile{Gender: g, Country: parts[1], Age: age}
	if err := b.eng.SaveProfile(ctx, userID, p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			b.send(ctx, userID, msgNotStarted, nil)
			return
		}
		if errors.Is(err, model.ErrProfileAge) || errors.Is(err, model.ErrProfileGender) || errors.Is(err, model.ErrProfileCountry) {
			b.send(ctx, userID, "Invalid profile: "+err.Error(), nil)
			return
		}
		b.internalError(ctx, userID, "save profile", err)
		return
	}
	b.send(ctx, userID, fmt.Sprintf("Profile saved: %s, %d, %s", g, age, p.Country), nil)
	b.admitted(ctx, userID)
}

func (b *Bot) setFilter(ctx context.Context, userID int64, raw string) {
	g, err := model.ParseGender(raw)
	if err != nil {
		return
	}
	err = b.eng.SetPartnerFilter(ctx, userID, g)
	switch {
	case errors.Is(err, matching.ErrVipRequired):
		b.send(ctx, userID, msgVipOnly, nil)
	case err != nil:
		b.internalError(ctx, userID, "partner filter", err)
	default:
		b.send(ctx, userID, "Partner filter set to: "+g.String(), nil)
	}
}

// onUpdate handles everything no command matched: payments and chat
// messages to relay.
func (b *Bot) onUpdate(ctx context.Context, api *bot.Bot, update *models.Update) {
	if b.eng == nil {
		return
	}
	if q := update.PreCheckoutQuery; q != nil {
		b.preCheckout(ctx, api, q)
		return
	}
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat.Type != models.ChatTypePrivate {
		return
	}
	if msg.SuccessfulPayment != nil {
		b.paid(ctx, msg.From.ID, msg.SuccessfulPayment)
		return
	}
	if strings.HasPrefix(msg.Text, "/") {
		b.reply(ctx, msg, msgUnknownCommand)
		return
	}

	c, ok := contentOf(msg)
	if !ok {
		b.reply(ctx, msg, msgUnsupported)
		return
	}
	b.relay(ctx, msg.From.ID, c)
}

func (b *Bot) relay(ctx context.Context, userID int64, c relay.Content) {
	out, err := b.eng.Relay(ctx, userID, c)
	switch {
	case errors.Is(err, engine.ErrRateLimited):
		b.send(ctx, userID, msgSlowDown, nil)
		return
	case err != nil:
		b.internalError(ctx, userID, "relay", err)
		return
	}

	switch out.Status {
	case relay.StatusDelivered:
	case relay.StatusRejected:
		switch out.Reason {
		case relay.ReasonNotEligible:
			b.explain(ctx, userID, out.Admission)
		case relay.ReasonLinkNotAllowed:
			b.send(ctx, userID, msgNoLinks, nil)
		default:
			b.send(ctx, userID, msgNotInChat, nil)
		}
	case relay.StatusDeliveryFailed:
		if IsForbidden(out.Err) {
			// The partner blocked the bot; revoke notifies the sender.
			b.revoke(ctx, out.To)
			return
		}
		b.send(ctx, userID, msgSendFailed, nil)
	}
}

// contentOf maps an incoming message onto relayable content.
func contentOf(msg *models.Message) (relay.Content, bool) {
	switch {
	case msg.Text != "":
		return relay.Text{Body: msg.Text}, true
	case len(msg.Photo) > 0:
		// The last size is the largest.
		return relay.Photo{FileID: msg.Photo[len(msg.Photo)-1].FileID, Caption: msg.Caption}, true
	case msg.Video != nil:
		return relay.Video{FileID: msg.Video.FileID, Caption: msg.Caption}, true
	case msg.Sticker != nil:
		return relay.Sticker{FileID: msg.Sticker.FileID}, true
	case msg.Voice != nil:
		return relay.Voice{FileID: msg.Voice.FileID}, true
	}
	return nil, false
}
