// Package bot is the conversational orchestrator: it turns Telegram messages
// into agent lifecycle operations, drives multi-turn creation flows, and
// delivers agent notifications back to users.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tonpilot-dev/tonpilot/plugin"
	"github.com/tonpilot-dev/tonpilot/runtime"
	"github.com/tonpilot-dev/tonpilot/store"
	"github.com/tonpilot-dev/tonpilot/synth"
)

// API is the slice of the Telegram client the bot uses. *tgbotapi.BotAPI
// satisfies it; tests substitute a fake.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the orchestrator.
type Bot struct {
	api     API
	store   store.Store
	synth   *synth.Synthesizer
	router  *runtime.Router
	sched   *runtime.Scheduler
	plugins *plugin.Registry
	logger  *slog.Logger

	// baseCtx carries process lifetime into handlers spawned per update.
	baseCtx context.Context

	// waitingHot caches parked flows so the common path skips a store
	// read; the store copy is authoritative across restarts.
	mu         sync.Mutex
	waitingHot map[int64]*store.Waiting

	// pendingRepairs stages auto-repair proposals keyed by agent id.
	// Process-wide, not persisted: a restart drops unconfirmed proposals.
	pendingRepairs map[int64]*pendingRepair
}

type pendingRepair struct {
	ownerID int64
	newCode string
}

// Config wires a Bot.
type Config struct {
	Token   string
	API     API // optional; built from Token when nil
	Store   store.Store
	Synth   *synth.Synthesizer
	Router  *runtime.Router
	Sched   *runtime.Scheduler
	Plugins *plugin.Registry
	Logger  *slog.Logger
}

// New creates a Bot and installs its repair hook on the router.
func New(cfg Config) (*Bot, error) {
	api := cfg.API
	if api == nil {
		real, err := tgbotapi.NewBotAPI(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("telegram bot init: %w", err)
		}
		real.Debug = false
		api = real
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		api:            api,
		store:          cfg.Store,
		synth:          cfg.Synth,
		router:         cfg.Router,
		sched:          cfg.Sched,
		plugins:        cfg.Plugins,
		logger:         logger,
		baseCtx:        context.Background(),
		waitingHot:     make(map[int64]*store.Waiting),
		pendingRepairs: make(map[int64]*pendingRepair),
	}
	if cfg.Router != nil {
		cfg.Router.SetRepairHook(b.stageRepair)
	}
	return b, nil
}

// Wire attaches the router and scheduler after construction. The router
// needs the bot as its notifier, so the two can't be built in one shot;
// callers construct the bot first, then the router around it, then Wire.
func (b *Bot) Wire(router *runtime.Router, sched *runtime.Scheduler) {
	b.router = router
	b.sched = sched
	router.SetRepairHook(b.stageRepair)
}

// Start runs the long-polling loop until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	b.baseCtx = ctx
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			go b.dispatch(ctx, update)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		}
	}
}

// dispatch routes one update. A panic in a handler is contained here: the
// user gets a generic error and the polling loop is unaffected.
func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	var chatID int64
	switch {
	case update.Message != nil:
		chatID = update.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
		chatID = update.CallbackQuery.Message.Chat.ID
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic", "panic", r, "chat", chatID)
			if chatID != 0 {
				b.sendPlain(chatID, "Something went wrong. Please try again.")
			}
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "":
		b.handleMessage(ctx, update.Message)
	}
}

// NotifyUser delivers an agent notification. Markdown first; if Telegram
// rejects the formatting, retried as plain text so the message always lands.
func (b *Bot) NotifyUser(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(userID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		if _, err := b.api.Send(tgbotapi.NewMessage(userID, text)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

var _ runtime.Notifier = (*Bot)(nil)

// send delivers Markdown with a plain fallback, logging failures.
func (b *Bot) send(chatID int64, text string) {
	if err := b.NotifyUser(b.baseCtx, chatID, text); err != nil {
		b.logger.Warn("send failed", "chat", chatID, "error", err)
	}
}

func (b *Bot) sendPlain(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn("send failed", "chat", chatID, "error", err)
	}
}
