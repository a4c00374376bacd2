package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tonpilot-dev/tonpilot/store"
)

func decodePayload(raw string, into any) error {
	return json.Unmarshal([]byte(raw), into)
}

// handleCallback routes inline keyboard taps. The original message is
// edited in place so keyboards can't be tapped twice.
func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	// Ack first so the client stops its spinner.
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.logger.Warn("callback ack", "error", err)
	}
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	userID := cb.From.ID
	msgID := cb.Message.MessageID

	action, arg, _ := strings.Cut(cb.Data, ":")
	switch action {
	case "sched":
		b.callbackSchedule(ctx, chatID, userID, msgID, arg)
	case "del":
		b.callbackDelete(chatID, userID, msgID, arg)
	case "repair":
		b.callbackRepair(chatID, userID, msgID, arg)
	case "buy":
		b.callbackBuy(chatID, userID, msgID, arg)
	default:
		b.logger.Warn("unknown callback", "data", cb.Data)
	}
}

// editMessage replaces a keyboard message's text, dropping the keyboard.
func (b *Bot) editMessage(chatID int64, msgID int, text string) {
	if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, msgID, text)); err != nil {
		b.logger.Warn("edit message", "error", err)
	}
}

// callbackSchedule finishes the creation flow with the tapped cadence.
func (b *Bot) callbackSchedule(ctx context.Context, chatID, userID int64, msgID int, arg string) {
	w := b.waiting(userID)
	if w == nil || w.Kind != waitSchedule {
		b.editMessage(chatID, msgID, "This choice expired, start again by describing the agent.")
		return
	}
	var p draftPayload
	if err := decodePayload(w.Payload, &p); err != nil {
		b.logger.Error("decode flow payload", "error", err)
		b.clearWaiting(userID)
		return
	}

	secs, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || secs < 0 {
		b.logger.Warn("bad schedule callback", "arg", arg)
		return
	}

	if secs == 0 {
		b.editMessage(chatID, msgID, "Manual runs only.")
		b.finishCreate(ctx, chatID, userID, p, store.Trigger{Kind: store.TriggerManual})
		return
	}
	period := time.Duration(secs) * time.Second
	b.editMessage(chatID, msgID, "Every "+period.String()+".")
	b.finishCreate(ctx, chatID, userID, p, store.Trigger{Kind: store.TriggerScheduled, Period: period})
}

// callbackDelete confirms or cancels a staged deletion.
func (b *Bot) callbackDelete(chatID, userID int64, msgID int, arg string) {
	if arg == "cancel" {
		b.editMessage(chatID, msgID, "Kept.")
		return
	}
	agentID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return
	}

	// The ownership-checked delete goes first: callback data is
	// client-supplied, and a forged tap must not touch the schedule.
	if err := b.store.DeleteAgent(agentID, userID); err != nil {
		b.editMessage(chatID, msgID, "That agent is already gone.")
		return
	}
	b.sched.Unregister(agentID)
	b.mu.Lock()
	delete(b.pendingRepairs, agentID)
	b.mu.Unlock()
	b.editMessage(chatID, msgID, "🗑 Deleted, along with its state and history.")
}

// callbackBuy copies a marketplace listing into the buyer's account.
func (b *Bot) callbackBuy(chatID, userID int64, msgID int, arg string) {
	listingID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return
	}
	agentID, err := b.store.PurchaseListing(listingID, userID)
	if err != nil {
		b.logger.Error("purchase", "listing", listingID, "error", err)
		b.editMessage(chatID, msgID, "That listing isn't available anymore.")
		return
	}
	b.editMessage(chatID, msgID, fmt.Sprintf(
		"📦 Copied to your agents as #%d. It starts paused — resume it when you're ready.", agentID))
}
