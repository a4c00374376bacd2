package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tonpilot-dev/tonpilot/store"
)

const marketplacePageSize = 10

// marketplace handles browse and publish requests. "sell <agent>" publishes
// one of the user's agents; anything else browses the catalog.
func (b *Bot) marketplace(ctx context.Context, chatID, userID int64, detail string) {
	lower := strings.ToLower(strings.TrimSpace(detail))
	if ref, ok := strings.CutPrefix(lower, "sell "); ok {
		b.publishAgent(chatID, userID, strings.TrimSpace(ref))
		return
	}
	if ref, ok := strings.CutPrefix(lower, "publish "); ok {
		b.publishAgent(chatID, userID, strings.TrimSpace(ref))
		return
	}
	b.browseListings(chatID)
}

// browseListings shows the catalog with a buy button per entry.
func (b *Bot) browseListings(chatID int64) {
	listings, err := b.store.ListListings(marketplacePageSize)
	if err != nil {
		b.logger.Error("list listings", "error", err)
		return
	}
	if len(listings) == 0 {
		b.send(chatID, "The marketplace is empty. Publish one of yours with \"sell <agent name>\".")
		return
	}

	var sb strings.Builder
	sb.WriteString("*Marketplace:*\n")
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(listings))
	for _, l := range listings {
		fmt.Fprintf(&sb, "\n#%d *%s* — %s", l.ID, l.Name, l.Description)
		label := fmt.Sprintf("Get #%d %s", l.ID, l.Name)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("buy:%d", l.ID))))
	}

	msg := tgbotapi.NewMessage(chatID, sb.String())
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn("send marketplace", "error", err)
	}
}

// publishAgent copies one of the user's agents into the catalog. The copy
// is by value: later edits to the agent don't change the listing.
func (b *Bot) publishAgent(chatID, userID int64, ref string) {
	agent, err := b.resolveAgent(userID, ref)
	if err != nil {
		b.send(chatID, "Which agent do you want to publish? Check /list for names.")
		return
	}
	if agent.Trigger.Kind == store.TriggerWebhook {
		b.send(chatID, "Webhook agents can't be published — their trigger token is yours alone.")
		return
	}

	id, err := b.store.CreateListing(&store.Listing{
		SellerID:    userID,
		Name:        agent.Name,
		Description: agent.Description,
		Code:        agent.Code,
		TriggerKind: agent.Trigger.Kind,
		Period:      agent.Trigger.Period,
	})
	if err != nil {
		b.logger.Error("create listing", "agent", agent.ID, "error", err)
		b.send(chatID, "Couldn't publish that agent.")
		return
	}
	b.send(chatID, fmt.Sprintf("📣 *%s* is now listed (#%d). Buyers get their own private copy.", agent.Name, id))
}
