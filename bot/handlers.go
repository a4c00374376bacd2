package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/tonpilot-dev/tonpilot/runtime"
	"github.com/tonpilot-dev/tonpilot/store"
	"github.com/tonpilot-dev/tonpilot/synth"
)

const transcriptWindow = 20

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	b.recordMessage(userID, "user", text)

	// A parked flow consumes the next message before intent routing.
	if w := b.waiting(userID); w != nil {
		b.continueFlow(ctx, chatID, userID, w, text)
		return
	}

	intent, err := b.synth.Classify(ctx, text)
	if err != nil {
		b.logger.Error("classify", "user", userID, "error", err)
		b.send(chatID, "I couldn't process that right now, please try again.")
		return
	}

	switch intent.Kind {
	case "create":
		b.startCreateFlow(ctx, chatID, userID, text)
	case "list":
		b.listAgents(chatID, userID)
	case "run":
		b.runAgent(ctx, chatID, userID, intent.AgentRef)
	case "status":
		b.agentStatus(chatID, userID, intent.AgentRef)
	case "pause":
		b.setActive(chatID, userID, intent.AgentRef, false)
	case "resume":
		b.setActive(chatID, userID, intent.AgentRef, true)
	case "delete":
		b.confirmDelete(chatID, userID, intent.AgentRef)
	case "edit":
		b.startEditFlow(ctx, chatID, userID, intent.AgentRef, intent.Detail)
	case "marketplace":
		b.marketplace(ctx, chatID, userID, intent.Detail)
	case "help":
		b.sendHelp(chatID)
	default:
		b.chat(ctx, chatID, userID, text)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		if payload := msg.CommandArguments(); strings.HasPrefix(payload, "auth_") {
			b.approveAuth(chatID, userID, strings.TrimPrefix(payload, "auth_"))
			return
		}
		b.send(chatID, "Hi! Describe an automation in plain words and I'll build an agent for it.\n\nFor example: *notify me when TON goes above $8, check every 5 minutes*")
	case "help":
		b.sendHelp(chatID)
	case "list", "agents":
		b.listAgents(chatID, userID)
	case "cancel":
		b.clearWaiting(userID)
		b.send(chatID, "Cancelled.")
	case "secret":
		// /secret NAME starts the value prompt; values never sit in the
		// command history that way.
		name := strings.TrimSpace(msg.CommandArguments())
		if name == "" {
			b.send(chatID, "Usage: /secret NAME — I'll ask for the value next.")
			return
		}
		if err := b.setWaiting(userID, waitSecret, secretPayload{Name: name}); err != nil {
			b.logger.Error("park secret flow", "error", err)
			return
		}
		b.send(chatID, fmt.Sprintf("Send the value for `%s` now.", name))
	case "forget":
		if err := b.store.ClearConversation(userID); err != nil {
			b.logger.Error("clear conversation", "error", err)
		}
		b.send(chatID, "Conversation history cleared.")
	default:
		b.send(chatID, "Unknown command. Try /help.")
	}
}

// approveAuth completes a dashboard deeplink handshake.
func (b *Bot) approveAuth(chatID, userID int64, token string) {
	sessionToken := uuid.NewString()
	err := b.store.ApproveAuthRequest(token, userID, sessionToken)
	if errors.Is(err, store.ErrNotFound) {
		b.send(chatID, "That login link is expired or already used.")
		return
	}
	if err != nil {
		b.logger.Error("approve auth", "error", err)
		b.send(chatID, "Login failed, please request a new link.")
		return
	}
	b.send(chatID, "✅ Dashboard login confirmed. You can return to your browser.")
}

func (b *Bot) sendHelp(chatID int64) {
	b.send(chatID, `I build and run automation agents for you.

*Create*: describe what you want ("watch wallet X and alert me daily")
*Manage*: "list my agents", "pause the price watcher", "run ton-alert now"
*Inspect*: "what happened with my wallet agent?"
*Change*: "make the ton alert trigger at $9 instead"
*Share*: "show the marketplace"

Commands: /list /secret NAME /forget /cancel`)
}

// continueFlow advances a parked multi-turn flow with the user's answer.
func (b *Bot) continueFlow(ctx context.Context, chatID, userID int64, w *store.Waiting, text string) {
	switch w.Kind {
	case waitName:
		var p draftPayload
		if err := decodePayload(w.Payload, &p); err != nil {
			b.logger.Error("decode flow payload", "error", err)
			b.clearWaiting(userID)
			return
		}
		p.Name = strings.TrimSpace(text)
		if p.Name == "" || len(p.Name) > 64 {
			b.send(chatID, "Please give a short name (up to 64 characters).")
			return
		}
		if err := b.setWaiting(userID, waitSchedule, p); err != nil {
			b.logger.Error("park schedule flow", "error", err)
			return
		}
		b.askSchedule(chatID)

	case waitSchedule:
		var p draftPayload
		if err := decodePayload(w.Payload, &p); err != nil {
			b.logger.Error("decode flow payload", "error", err)
			b.clearWaiting(userID)
			return
		}
		if strings.EqualFold(text, "manual") {
			b.finishCreate(ctx, chatID, userID, p, store.Trigger{Kind: store.TriggerManual})
			return
		}
		period, err := parsePeriod(text)
		if err != nil {
			b.send(chatID, "I didn't get that cadence. Try `5m`, `1h`, or tap a button.")
			return
		}
		b.finishCreate(ctx, chatID, userID, p, store.Trigger{Kind: store.TriggerScheduled, Period: period})

	case waitEdit:
		var p editPayload
		if err := decodePayload(w.Payload, &p); err != nil {
			b.logger.Error("decode flow payload", "error", err)
			b.clearWaiting(userID)
			return
		}
		b.clearWaiting(userID)
		b.applyEdit(ctx, chatID, userID, p.AgentID, text)

	case waitSecret:
		var p secretPayload
		if err := decodePayload(w.Payload, &p); err != nil {
			b.logger.Error("decode flow payload", "error", err)
			b.clearWaiting(userID)
			return
		}
		b.clearWaiting(userID)
		if err := b.store.SetUserSetting(userID, p.Name, text); err != nil {
			b.logger.Error("store secret", "error", err)
			b.send(chatID, "Couldn't store that, please try again.")
			return
		}
		b.send(chatID, fmt.Sprintf("Stored `%s`. Agents can now read it with the secret step.", p.Name))

	default:
		b.clearWaiting(userID)
		b.send(chatID, "Let's start over — what should the agent do?")
	}
}

// startCreateFlow drafts an artifact and begins the name/schedule questions.
// The progress message is edited in place as synthesis advances.
func (b *Bot) startCreateFlow(ctx context.Context, chatID, userID int64, description string) {
	progress, err := b.api.Send(tgbotapi.NewMessage(chatID, "✍️ Drafting your agent..."))
	if err != nil {
		b.logger.Warn("send progress", "error", err)
	}
	edit := func(text string) {
		if progress.MessageID == 0 {
			return
		}
		if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, progress.MessageID, text)); err != nil {
			b.logger.Warn("edit progress", "error", err)
		}
	}

	res, err := b.synth.Draft(ctx, description, b.userContext(userID))
	if errors.Is(err, synth.ErrSynthesisFailed) {
		edit("I couldn't produce a safe agent for that. Try rephrasing, or split it into smaller steps.")
		return
	}
	if err != nil {
		b.logger.Error("draft", "user", userID, "error", err)
		edit("Synthesis is unavailable right now, please try again shortly.")
		return
	}

	edit("✅ Draft ready and safety-checked.")
	p := draftPayload{Description: description, Code: res.Code}
	if err := b.setWaiting(userID, waitName, p); err != nil {
		b.logger.Error("park name flow", "error", err)
		return
	}
	b.send(chatID, "What should I call this agent?")
}

// askSchedule presents the cadence keyboard.
func (b *Bot) askSchedule(chatID int64) {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(scheduleChoices)+1)
	for _, c := range scheduleChoices {
		data := fmt.Sprintf("sched:%d", int64(c.Period.Seconds()))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(c.Label, data)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("manual only", "sched:0")))

	msg := tgbotapi.NewMessage(chatID, "How often should it run? Tap a button or type a cadence like `10m`.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn("send schedule keyboard", "error", err)
	}
}

// finishCreate persists the drafted agent, activates it, and registers the
// schedule. The artifact re-passes the gate inside the store.
func (b *Bot) finishCreate(ctx context.Context, chatID, userID int64, p draftPayload, trigger store.Trigger) {
	b.clearWaiting(userID)

	agent := &store.Agent{
		OwnerID:     userID,
		Name:        p.Name,
		Description: p.Description,
		Code:        p.Code,
		Trigger:     trigger,
	}
	id, err := b.store.CreateAgent(agent)
	if err != nil {
		b.logger.Error("create agent", "user", userID, "error", err)
		b.send(chatID, "Couldn't save the agent: "+err.Error())
		return
	}
	if err := b.store.SetAgentActive(id, userID, true); err != nil {
		b.logger.Error("activate agent", "agent", id, "error", err)
	}

	switch trigger.Kind {
	case store.TriggerScheduled:
		b.sched.Register(b.baseCtx, id, trigger.Period)
		b.send(chatID, fmt.Sprintf("🚀 *%s* is live (#%d), running every %s. I'll message you when it has something to say.", p.Name, id, trigger.Period))
	default:
		b.send(chatID, fmt.Sprintf("🚀 *%s* is ready (#%d). Say \"run %s\" whenever you want it to fire.", p.Name, id, p.Name))
	}
}

// startEditFlow resolves the target and either applies the change directly
// or asks what to change.
func (b *Bot) startEditFlow(ctx context.Context, chatID, userID int64, ref, detail string) {
	agent, err := b.resolveAgent(userID, ref)
	if err != nil {
		b.send(chatID, "Which agent? Say e.g. \"change the ton alert\" or give its number from /list.")
		return
	}
	if detail != "" {
		b.applyEdit(ctx, chatID, userID, agent.ID, detail)
		return
	}
	if err := b.setWaiting(userID, waitEdit, editPayload{AgentID: agent.ID}); err != nil {
		b.logger.Error("park edit flow", "error", err)
		return
	}
	b.send(chatID, fmt.Sprintf("What should change about *%s*?", agent.Name))
}

// applyEdit re-synthesizes the agent's code with the requested change.
func (b *Bot) applyEdit(ctx context.Context, chatID, userID, agentID int64, change string) {
	agent, err := b.store.GetAgentOwned(agentID, userID)
	if err != nil {
		b.send(chatID, "That agent doesn't exist anymore.")
		return
	}

	b.send(chatID, "✍️ Updating the agent...")
	res, err := b.synth.Repair(ctx, agent.Code, "requested change: "+change, agent.Description)
	if err != nil {
		b.logger.Error("edit synthesis", "agent", agentID, "error", err)
		b.send(chatID, "I couldn't produce a safe update for that change.")
		return
	}
	if err := b.store.UpdateAgentCode(agentID, userID, res.Code); err != nil {
		b.logger.Error("update code", "agent", agentID, "error", err)
		b.send(chatID, "The update was rejected: "+err.Error())
		return
	}
	b.send(chatID, fmt.Sprintf("✅ *%s* updated. The next run uses the new behavior.", agent.Name))
}

func (b *Bot) listAgents(chatID, userID int64) {
	agents, err := b.store.ListAgentsByOwner(userID)
	if err != nil {
		b.logger.Error("list agents", "user", userID, "error", err)
		return
	}
	if len(agents) == 0 {
		b.send(chatID, "You have no agents yet. Describe an automation and I'll build one.")
		return
	}

	var sb strings.Builder
	sb.WriteString("*Your agents:*\n")
	for _, a := range agents {
		state := "⏸ paused"
		if a.Active {
			state = "▶️ active"
		}
		sb.WriteString(fmt.Sprintf("\n#%d *%s* — %s, %s", a.ID, a.Name, describeTrigger(a.Trigger), state))
		if last := b.router.LastError(a.ID); last != "" {
			sb.WriteString("\n   ⚠️ last run failed: " + last)
		}
	}
	b.send(chatID, sb.String())
}

func describeTrigger(t store.Trigger) string {
	switch t.Kind {
	case store.TriggerScheduled:
		return "every " + t.Period.String()
	case store.TriggerWebhook:
		return "webhook"
	default:
		return "manual"
	}
}

// runAgent fires a manual run and reports the outcome.
func (b *Bot) runAgent(ctx context.Context, chatID, userID int64, ref string) {
	agent, err := b.resolveAgent(userID, ref)
	if err != nil {
		b.send(chatID, "Which agent should I run? Check /list for names.")
		return
	}

	out, err := b.router.Run(ctx, agent, store.TriggerManual)
	if errors.Is(err, runtime.ErrBusy) {
		b.send(chatID, fmt.Sprintf("*%s* is already running, try again in a moment.", agent.Name))
		return
	}
	if err != nil {
		b.logger.Error("manual run", "agent", agent.ID, "error", err)
		b.send(chatID, "The run couldn't start, please try again.")
		return
	}

	if out.Status == store.ExecSuccess {
		reply := fmt.Sprintf("✅ *%s* finished in %dms.", agent.Name, out.DurationMs)
		if s := synth.Summarize(out.Value); s != "" {
			reply += "\nResult: " + s
		}
		b.send(chatID, reply)
	} else {
		b.send(chatID, fmt.Sprintf("❌ *%s* failed: %s", agent.Name, out.ErrorMessage))
	}
}

// agentStatus summarizes recent activity for one agent or the whole account.
func (b *Bot) agentStatus(chatID, userID int64, ref string) {
	if ref != "" {
		agent, err := b.resolveAgent(userID, ref)
		if err == nil {
			execs, _ := b.store.ExecutionsByAgent(agent.ID, 5)
			logs, _ := b.store.LogsByAgent(agent.ID, 5, 0)
			b.send(chatID, formatStatus(agent, execs, logs))
			return
		}
	}

	stats, err := b.store.ExecStats(userID)
	if err != nil {
		b.logger.Error("exec stats", "user", userID, "error", err)
		return
	}
	b.send(chatID, fmt.Sprintf(
		"*Last 24h:* %d runs, %d failed.\n*All time:* %d runs, %d ok, %d failed.",
		stats.Last24h, stats.Last24hFail, stats.Total, stats.Success, stats.Errors))
}

func formatStatus(agent *store.Agent, execs []*store.Execution, logs []*store.LogEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s* (#%d) — %s\n", agent.Name, agent.ID, describeTrigger(agent.Trigger))
	if len(execs) == 0 {
		sb.WriteString("\nNo runs yet.")
		return sb.String()
	}
	sb.WriteString("\n*Recent runs:*")
	for _, e := range execs {
		icon := "✅"
		if e.Status == store.ExecError {
			icon = "❌"
		} else if e.Status == store.ExecRunning {
			icon = "⏳"
		}
		fmt.Fprintf(&sb, "\n%s %s (%s)", icon, e.StartedAt.Format("Jan 2 15:04"), e.TriggerKind)
		if e.ErrorMessage != "" {
			sb.WriteString(" — " + e.ErrorMessage)
		}
	}
	if len(logs) > 0 {
		sb.WriteString("\n\n*Latest log:* " + logs[0].Message)
	}
	return sb.String()
}

// setActive pauses or resumes an agent and keeps the scheduler in sync.
func (b *Bot) setActive(chatID, userID int64, ref string, active bool) {
	agent, err := b.resolveAgent(userID, ref)
	if err != nil {
		b.send(chatID, "Which agent? Check /list for names.")
		return
	}
	if err := b.store.SetAgentActive(agent.ID, userID, active); err != nil {
		b.logger.Error("set active", "agent", agent.ID, "error", err)
		b.send(chatID, "Couldn't change that agent.")
		return
	}

	if active {
		if agent.Trigger.Kind == store.TriggerScheduled {
			b.sched.Register(b.baseCtx, agent.ID, agent.Trigger.Period)
		}
		b.send(chatID, fmt.Sprintf("▶️ *%s* resumed.", agent.Name))
	} else {
		b.sched.Unregister(agent.ID)
		b.send(chatID, fmt.Sprintf("⏸ *%s* paused. A run already in flight will finish.", agent.Name))
	}
}

// confirmDelete asks before destroying an agent.
func (b *Bot) confirmDelete(chatID, userID int64, ref string) {
	agent, err := b.resolveAgent(userID, ref)
	if err != nil {
		b.send(chatID, "Which agent should I delete? Check /list for names.")
		return
	}
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Delete *%s* (#%d) and all its data?", agent.Name, agent.ID))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, delete", fmt.Sprintf("del:%d", agent.ID)),
			tgbotapi.NewInlineKeyboardButtonData("Keep it", "del:cancel"),
		))
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn("send delete confirm", "error", err)
	}
}

// chat answers free-form messages with recent transcript context.
func (b *Bot) chat(ctx context.Context, chatID, userID int64, text string) {
	msgs, err := b.store.RecentMessages(userID, transcriptWindow)
	if err != nil {
		b.logger.Error("recent messages", "user", userID, "error", err)
	}
	// Newest-first in storage; the prompt wants chronological order.
	var sb strings.Builder
	for i := len(msgs) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%s: %s\n", msgs[i].Role, msgs[i].Content)
	}

	reply, err := b.synth.Chat(ctx, sb.String(), text)
	if err != nil {
		b.logger.Error("chat", "user", userID, "error", err)
		b.send(chatID, "I couldn't answer that right now.")
		return
	}
	b.recordMessage(userID, "assistant", reply)
	b.send(chatID, reply)
}

// resolveAgent finds an agent by numeric id or (case-insensitive, partial)
// name among the user's agents.
func (b *Bot) resolveAgent(userID int64, ref string) (*store.Agent, error) {
	ref = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ref), "#"))
	if ref == "" {
		return nil, store.ErrNotFound
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return b.store.GetAgentOwned(id, userID)
	}

	agents, err := b.store.ListAgentsByOwner(userID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(ref)
	var partial *store.Agent
	for _, a := range agents {
		name := strings.ToLower(a.Name)
		if name == needle {
			return a, nil
		}
		if partial == nil && strings.Contains(name, needle) {
			partial = a
		}
	}
	if partial != nil {
		return partial, nil
	}
	return nil, store.ErrNotFound
}

// userContext renders what this user has available for synthesis prompts.
func (b *Bot) userContext(userID int64) string {
	var parts []string
	if keys, err := b.store.ListUserSettingKeys(userID); err == nil && len(keys) > 0 {
		parts = append(parts, "secrets: "+strings.Join(keys, ", "))
	}
	if ids, err := b.store.ListUserPlugins(userID); err == nil && len(ids) > 0 {
		parts = append(parts, "plugins: "+strings.Join(ids, ", "))
	}
	return strings.Join(parts, "\n")
}

func (b *Bot) recordMessage(userID int64, role, content string) {
	err := b.store.AppendMessage(&store.Message{UserID: userID, Role: role, Content: content})
	if err != nil {
		b.logger.Error("record message", "user", userID, "error", err)
	}
}
