package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/whisper/pairbot/internal/model"
)

const (
	termsText = `Welcome to the anonymous chat bot!

Terms and conditions:

1. This bot is for anonymous chatting between users
2. No inappropriate content or harassment allowed
3. Respect other users and maintain decency
4. Links are not allowed in chats
5. Users must join required groups to use the bot
6. Admin decisions are final
7. Bot logs messages for moderation purposes

Press "Agree" or send /agree to accept.`

	menuText = `Available commands:
/chat - Find a chat partner
/random - Match with anyone
/end - End the current chat
/stop - Stop searching
/vip - VIP status and options
/refer - Your referral link
/profile - Update profile or partner filter`

	msgNotStarted     = "Please start the bot first with /start"
	msgBlocked        = "You have been blocked from using this bot."
	msgDeclined       = "You must agree to the terms to use this bot."
	msgJoinGroups     = "You must join all required groups to use this bot:"
	msgAlreadyInChat  = "You are already in a chat session. Use /end to end it."
	msgSearching      = "Looking for a chat partner... You will be notified when someone is found."
	msgNoneAvailable  = "No partner is available right now. Please try again in a moment."
	msgSearchStopped  = "Search stopped."
	msgNotSearching   = "You are not searching."
	msgEnded          = "Chat session ended. Use /chat to find a new partner."
	msgPartnerEnded   = "Your chat partner has ended the session. Use /chat to find a new partner."
	msgPartnerLeft    = "Your chat partner has left the bot. Use /chat to find a new partner."
	msgNotInChat      = "You are not in a chat session. Use /chat to find a partner."
	msgNoLinks        = "Links are not allowed in chats."
	msgSendFailed     = "Failed to send message. Your partner may have left the chat."
	msgUnsupported    = "This message type is not supported."
	msgSlowDown       = "You are going too fast. Please wait a moment."
	msgVipOnly        = "This feature is only available for VIP users. Use /vip to get VIP status."
	msgUnknownCommand = "Unknown command."
	msgInternal       = "Something went wrong. Please try again later."
	msgNotAuthorized  = "You are not authorized to use this command."
)

// VIP packages sold for Telegram Stars.
type vipPlan struct {
	Days  int
	Stars int
}

var vipPlans = []vipPlan{
	{Days: 1, Stars: 10},
	{Days: 5, Stars: 25},
	{Days: 12, Stars: 50},
	{Days: 30, Stars: 100},
}

func planFor(days int) (vipPlan, bool) {
	for _, p := range vipPlans {
		if p.Days == days {
			return p, true
		}
	}
	return vipPlan{}, false
}

var countries = []string{"USA", "UK", "India", "Canada", "Australia", "Germany", "France", "Japan", "Other"}

// Age buckets, stored as a representative age.
var ageGroups = []struct {
	Label string
	Age   int
}{
	{"18-25", 22}, {"26-35", 30}, {"36-45", 40}, {"46+", 50},
}

// Callback data prefixes. Profile steps carry the answers given so far so
// no per-user wizard state is kept between button presses.
const (
	cbTerms   = "terms:"
	cbGender  = "pg:"
	cbCountry = "pc:"
	cbAge     = "pa:"
	cbMatch   = "match:"
	cbFilter  = "filter:"
	cbVip     = "vip:"
	cbBuy     = "buy:"
)

// matchPreferred selects the stored partner filter instead of a gender.
const matchPreferred = "preferred"

func button(text, data string) models.InlineKeyboardButton {
	return models.InlineKeyboardButton{Text: text, CallbackData: data}
}

func keyboard(rows ...[]models.InlineKeyboardButton) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func termsKeyboard() *models.InlineKeyboardMarkup {
	return keyboard(
		[]models.InlineKeyboardButton{button("Agree", cbTerms+"agree")},
		[]models.InlineKeyboardButton{button("Not agree", cbTerms+"decline")},
	)
}

func genderKeyboard() *models.InlineKeyboardMarkup {
	return keyboard(
		[]models.InlineKeyboardButton{button("Male", cbGender+string(model.GenderMale))},
		[]models.InlineKeyboardButton{button("Female", cbGender+string(model.GenderFemale))},
	)
}

func countryKeyboard(g model.Gender) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton
	var row []models.InlineKeyboardButton
	for _, c := range countries {
		row = append(row, button(c, cbCountry+string(g)+":"+c))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return keyboard(rows...)
}

func ageKeyboard(g model.Gender, country string) *models.InlineKeyboardMarkup {
	var row []models.InlineKeyboardButton
	for _, a := range ageGroups {
		row = append(row, button(a.Label, fmt.Sprintf("%s%s:%s:%d", cbAge, g, country, a.Age)))
	}
	return keyboard(row[:2], row[2:])
}

func matchKeyboard() *models.InlineKeyboardMarkup {
	return keyboard(
		[]models.InlineKeyboardButton{button("Match with girls (VIP)", cbMatch+string(model.GenderFemale))},
		[]models.InlineKeyboardButton{button("Match with boys (VIP)", cbMatch+string(model.GenderMale))},
		[]models.InlineKeyboardButton{button("Match randomly (free)", cbMatch+"any")},
		[]models.InlineKeyboardButton{button("Match with my filter (VIP)", cbMatch+matchPreferred)},
	)
}

func filterKeyboard() *models.InlineKeyboardMarkup {
	return keyboard(
		[]models.InlineKeyboardButton{button("Male only", cbFilter+string(model.GenderMale))},
		[]models.InlineKeyboardButton{button("Female only", cbFilter+string(model.GenderFemale))},
		[]models.InlineKeyboardButton{button("Any gender", cbFilter+"any")},
	)
}

func profileKeyboard() *models.InlineKeyboardMarkup {
	return keyboard(
		[]models.InlineKeyboardButton{button("Update profile", cbGender+"edit")},
		[]models.InlineKeyboardButton{button("Partner filter (VIP)", cbFilter+"menu")},
	)
}

func vipKeyboard() *models.InlineKeyboardMarkup {
	return keyboard(
		[]models.InlineKeyboardButton{button("Refer friends and earn VIP", cbVip+"refer")},
		[]models.InlineKeyboardButton{button("Purchase VIP", cbVip+"buy")},
	)
}

func plansKeyboard() *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(vipPlans))
	for _, p := range vipPlans {
		label := fmt.Sprintf("%d day(s) - %d stars", p.Days, p.Stars)
		rows = append(rows, []models.InlineKeyboardButton{button(label, cbBuy+strconv.Itoa(p.Days))})
	}
	return keyboard(rows...)
}

func joinKeyboard(groups []model.RequiredGroup) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(groups))
	for _, g := range groups {
		link := g.JoinLink()
		if link == "" {
			continue
		}
		rows = append(rows, []models.InlineKeyboardButton{{
			Text: fmt.Sprintf("Join group %d", len(rows)+1),
			URL:  link,
		}})
	}
	return keyboard(rows...)
}

func partnerFoundText(p *model.User) string {
	if p == nil {
		return "Chat partner found! You can now start chatting."
	}
	return fmt.Sprintf("Chat partner found!\nGender: %s\nAge: %d\n\nYou can now start chatting!", p.Gender, p.Age)
}

func referralText(link string, count int) string {
	return fmt.Sprintf(`Your referral link:
%s

People referred: %d

Share the link with friends. Every new user who starts the bot through it gives you 24 hours of VIP.`, link, count)
}

func vipStatusText(u *model.User, active bool) string {
	if active && u.VipUntil != nil {
		return "You are VIP until " + u.VipUntil.UTC().Format("2006-01-02 15:04") + " UTC."
	}
	return "You are not VIP."
}

// commandArgs splits "/cmd@bot a b" into its arguments.
func commandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	return fields[1:]
}
