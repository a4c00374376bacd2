package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tonpilot-dev/tonpilot/store"
)

// repairTimeout bounds the background synthesis a failed run triggers.
const repairTimeout = 2 * time.Minute

// stageRepair is the router's repair hook: after a failed run, synthesize a
// fix in the background and offer it to the owner. Runs on the router's run
// goroutine, so the slow part is handed off.
func (b *Bot) stageRepair(agent *store.Agent, errMsg string) {
	b.mu.Lock()
	_, already := b.pendingRepairs[agent.ID]
	b.mu.Unlock()
	if already {
		// One proposal per agent at a time; repeated failures don't
		// stack prompts.
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(b.baseCtx, repairTimeout)
		defer cancel()

		res, err := b.synth.Repair(ctx, agent.Code, errMsg, agent.Description)
		if err != nil {
			b.logger.Warn("auto-repair synthesis failed", "agent", agent.ID, "error", err)
			return
		}
		if res.Code == agent.Code {
			return
		}

		b.mu.Lock()
		b.pendingRepairs[agent.ID] = &pendingRepair{ownerID: agent.OwnerID, newCode: res.Code}
		b.mu.Unlock()

		msg := tgbotapi.NewMessage(agent.OwnerID, fmt.Sprintf(
			"⚠️ *%s* failed: %s\n\nI drafted a fix. Apply it?", agent.Name, errMsg))
		msg.ParseMode = tgbotapi.ModeMarkdown
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Apply fix", fmt.Sprintf("repair:ok:%d", agent.ID)),
				tgbotapi.NewInlineKeyboardButtonData("Dismiss", fmt.Sprintf("repair:no:%d", agent.ID)),
			))
		if _, err := b.api.Send(msg); err != nil {
			b.logger.Warn("send repair proposal", "agent", agent.ID, "error", err)
		}
	}()
}

// callbackRepair applies or dismisses a staged repair. arg is "ok:<id>" or
// "no:<id>".
func (b *Bot) callbackRepair(chatID, userID int64, msgID int, arg string) {
	verdict, idStr, ok := strings.Cut(arg, ":")
	if !ok {
		return
	}
	agentID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	b.mu.Lock()
	pr := b.pendingRepairs[agentID]
	b.mu.Unlock()

	if pr == nil {
		b.editMessage(chatID, msgID, "This fix expired (the process restarted). The agent is unchanged.")
		return
	}
	if pr.ownerID != userID {
		// Forged callback. Leave the proposal staged for the owner.
		return
	}

	b.mu.Lock()
	delete(b.pendingRepairs, agentID)
	b.mu.Unlock()

	if verdict != "ok" {
		b.editMessage(chatID, msgID, "Dismissed. The agent keeps its current code.")
		return
	}

	if err := b.store.UpdateAgentCode(agentID, userID, pr.newCode); err != nil {
		b.logger.Error("apply repair", "agent", agentID, "error", err)
		b.editMessage(chatID, msgID, "The fix was rejected by the safety check; agent unchanged.")
		return
	}
	b.editMessage(chatID, msgID, "✅ Fix applied. The next run uses the repaired code.")
}
