package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonpilot-dev/tonpilot/bot"
	"github.com/tonpilot-dev/tonpilot/config"
	"github.com/tonpilot-dev/tonpilot/plugin"
	"github.com/tonpilot-dev/tonpilot/runtime"
	"github.com/tonpilot-dev/tonpilot/script"
	"github.com/tonpilot-dev/tonpilot/serve"
	"github.com/tonpilot-dev/tonpilot/store"
	"github.com/tonpilot-dev/tonpilot/synth"
	"github.com/tonpilot-dev/tonpilot/ton"
)

// serveCmd runs the whole process: store, scheduler, bot, dashboard API.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "tonpilot.yaml", "configuration file")

	fs.Usage = func() {
		fmt.Println(`Usage: tonpilot serve [options]

Run the bot, the agent scheduler, and the dashboard API until SIGINT/SIGTERM.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  tonpilot serve
  tonpilot serve --config /etc/tonpilot/tonpilot.yaml`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if cfg.TelegramToken == "" {
		fmt.Fprintln(os.Stderr, "Configuration error: telegram_token (or TELEGRAM_BOT_TOKEN) is required")
		os.Exit(1)
	}

	logger := slog.Default()

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.DBPath, store.WithStaleAfter(cfg.Retention.StaleRunning.Std()))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Init(); err != nil {
		return fmt.Errorf("init database: %w", err)
	}

	chain, err := buildChain(cfg, logger)
	if err != nil {
		return err
	}
	sy := synth.NewSynthesizer(chain, cfg.Synthesis.MaxAttempts, logger)

	tonClient := ton.NewClient(ton.WithBaseURL(cfg.TonAPIURL), ton.WithAPIKey(os.Getenv("TON_API_KEY")))

	registry := plugin.NewRegistry(st)
	plugin.RegisterBuiltins(registry, "")

	executor := runtime.NewExecutor(cfg.Executor.Budget.Std(), script.Limits{
		MaxSteps:         cfg.Executor.MaxSteps,
		MaxVariableBytes: cfg.Executor.MaxVariableBytes,
	}, logger)

	tg, err := bot.New(bot.Config{
		Token:   cfg.TelegramToken,
		Store:   st,
		Synth:   sy,
		Plugins: registry,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	router := runtime.NewRouter(runtime.RouterConfig{
		Store:         st,
		Executor:      executor,
		Notifier:      tg,
		Balances:      tonClient,
		Plugins:       registry,
		Logger:        logger,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
	})
	sched := runtime.NewScheduler(st, router, cfg.Scheduler.ImmediateFireEnabled(), logger)
	tg.Wire(router, sched)

	maintenance, err := runtime.NewMaintenance(st, runtime.MaintenanceConfig{
		Spec:                  cfg.Retention.Cron,
		LogWindow:             cfg.Retention.LogWindow.Std(),
		StaleRunning:          cfg.Retention.StaleRunning.Std(),
		ConversationRetention: cfg.Retention.LogWindow.Std(),
	}, logger)
	if err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	if err := sched.Restore(ctx); err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	maintenance.Start()

	api := serve.New(st, router, sched, registry, serve.Config{
		Addr:    cfg.Addr,
		BotLink: cfg.BotLink,
	}, logger)

	apiDone := make(chan error, 1)
	go func() { apiDone <- api.Start(ctx) }()
	go tg.Start(ctx)

	logger.Info("tonpilot started", "addr", cfg.Addr, "db", cfg.DBPath)

	var apiErr error
	select {
	case <-ctx.Done():
	case apiErr = <-apiDone:
		stop()
	}

	// Drain: no new triggers, let in-flight runs finish, and wait for the
	// HTTP server's graceful shutdown before the process exits.
	logger.Info("shutting down")
	maintenance.Stop()
	sched.Stop()
	if apiErr == nil {
		apiErr = <-apiDone
	}
	return apiErr
}

// buildChain assembles the ordered synthesis fallback chain from config.
func buildChain(cfg *config.Config, logger *slog.Logger) (*synth.Chain, error) {
	models := make([]synth.Model, 0, len(cfg.Synthesis.Models))
	for _, mc := range cfg.Synthesis.Models {
		key := os.Getenv(mc.APIKeyEnv)
		if key == "" {
			logger.Warn("model skipped, no API key", "provider", mc.Provider, "model", mc.Model, "env", mc.APIKeyEnv)
			continue
		}
		var m synth.Model
		switch mc.Provider {
		case "anthropic":
			m = synth.NewAnthropicModel(key, mc.Model, mc.BaseURL)
		case "openai":
			m = synth.NewOpenAIModel(key, mc.Model, mc.BaseURL)
		}
		models = append(models, synth.WithTimeout(m, mc.Timeout.Std()))
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("no usable synthesis models: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	return synth.NewChain(logger, models...)
}
