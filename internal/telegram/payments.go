package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// currencyStars is Telegram Stars; no payment provider token is needed.
const currencyStars = "XTR"

func invoicePayload(days int, userID int64) string {
	return fmt.Sprintf("vip:%d:%d", days, userID)
}

// parsePayload accepts only payloads for a plan that is on sale.
func parsePayload(payload string) (days int, userID int64, ok bool) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 || parts[0] != "vip" {
		return 0, 0, false
	}
	days, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	if _, ok := planFor(days); !ok {
		return 0, 0, false
	}
	userID, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, false
	}
	return days, userID, true
}

func (b *Bot) sendInvoice(ctx context.Context, userID int64, days int) {
	plan, ok := planFor(days)
	if !ok {
		return
	}
	_, err := b.api.SendInvoice(ctx, &bot.SendInvoiceParams{
		ChatID:      userID,
		Title:       fmt.Sprintf("VIP membership - %d days", plan.Days),
		Description: fmt.Sprintf("VIP access for %d days: choose your partner's gender.", plan.Days),
		Payload:     invoicePayload(plan.Days, userID),
		Currency:    currencyStars,
		Prices:      []models.LabeledPrice{{Label: "VIP membership", Amount: plan.Stars}},
	})
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", userID).Int("days", days).Msg("send invoice failed")
		b.send(ctx, userID, msgInternal, nil)
	}
}

func (b *Bot) preCheckout(ctx context.Context, api *bot.Bot, q *models.PreCheckoutQuery) {
	params := &bot.AnswerPreCheckoutQueryParams{PreCheckoutQueryID: q.ID, OK: true}
	if _, _, ok := parsePayload(q.InvoicePayload); !ok || q.Currency != currencyStars {
		params.OK = false
		params.ErrorMessage = "Invalid payment"
	}
	if _, err := api.AnswerPreCheckoutQuery(ctx, params); err != nil {
		b.log.Error().Err(err).Str("payload", q.InvoicePayload).Msg("answer pre-checkout failed")
	}
}

// paid grants VIP once Telegram confirms the charge.
func (b *Bot) paid(ctx context.Context, payer int64, p *models.SuccessfulPayment) {
	days, userID, ok := parsePayload(p.InvoicePayload)
	if !ok {
		b.log.Error().Int64("user_id", payer).Str("payload", p.InvoicePayload).Msg("payment with unknown payload")
		return
	}
	until, err := b.eng.GrantVip(ctx, userID, days)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", userID).Str("charge_id", p.TelegramPaymentChargeID).Msg("grant vip after payment failed")
		b.send(ctx, payer, msgInternal, nil)
		return
	}
	b.log.Info().Int64("user_id", userID).Int("days", days).Str("charge_id", p.TelegramPaymentChargeID).Msg("vip purchased")
	b.send(ctx, userID, fmt.Sprintf("Payment successful! You have VIP access until %s UTC.", until.UTC().Format("2006-01-02 15:04")), nil)
}
