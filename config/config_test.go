package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tonpilot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != DefaultAddr || cfg.DBPath != DefaultDBPath {
		t.Errorf("addr/db: %q %q", cfg.Addr, cfg.DBPath)
	}
	if cfg.Executor.Budget.Std() != DefaultBudget {
		t.Errorf("budget: %s", cfg.Executor.Budget)
	}
	if cfg.Scheduler.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("max concurrent: %d", cfg.Scheduler.MaxConcurrent)
	}
	if !cfg.Scheduler.ImmediateFireEnabled() {
		t.Error("immediate fire should default on")
	}
	if cfg.Synthesis.MaxAttempts != DefaultMaxAttempts || len(cfg.Synthesis.Models) != 2 {
		t.Errorf("synthesis: %+v", cfg.Synthesis)
	}
	for _, m := range cfg.Synthesis.Models {
		if m.Timeout.Std() != DefaultModelTimeout || m.APIKeyEnv == "" {
			t.Errorf("model defaults: %+v", m)
		}
	}
	if cfg.Retention.Cron != DefaultRetentionCron || cfg.Retention.StaleRunning.Std() != DefaultStaleRunning {
		t.Errorf("retention: %+v", cfg.Retention)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
db_path: /tmp/x.db
bot_link: https://t.me/mybot
synthesis:
  max_attempts: 5
  models:
    - provider: anthropic
      model: claude-sonnet-4-20250514
      timeout: 90s
executor:
  budget: 45s
scheduler:
  immediate_fire: false
  max_concurrent: 8
retention:
  stale_running: 1h
  log_window: 48h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.BotLink != "https://t.me/mybot" {
		t.Errorf("cfg: %+v", cfg)
	}
	if cfg.Synthesis.MaxAttempts != 5 || len(cfg.Synthesis.Models) != 1 {
		t.Errorf("synthesis: %+v", cfg.Synthesis)
	}
	if cfg.Synthesis.Models[0].Timeout.Std() != 90*time.Second {
		t.Errorf("model timeout: %s", cfg.Synthesis.Models[0].Timeout)
	}
	if cfg.Executor.Budget.Std() != 45*time.Second {
		t.Errorf("budget: %s", cfg.Executor.Budget)
	}
	if cfg.Scheduler.ImmediateFireEnabled() {
		t.Error("immediate fire should be off")
	}
	if cfg.Retention.StaleRunning.Std() != time.Hour {
		t.Errorf("stale running: %s", cfg.Retention.StaleRunning)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok-from-env")
	t.Setenv("TONPILOT_ADDR", ":7070")
	t.Setenv("TONPILOT_MAX_CONCURRENT", "3")

	cfg, err := Load(writeConfig(t, "addr: \":9090\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TelegramToken != "tok-from-env" {
		t.Errorf("token: %q", cfg.TelegramToken)
	}
	if cfg.Addr != ":7070" {
		t.Errorf("env must win over file: %q", cfg.Addr)
	}
	if cfg.Scheduler.MaxConcurrent != 3 {
		t.Errorf("max concurrent: %d", cfg.Scheduler.MaxConcurrent)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown provider", "synthesis:\n  models:\n    - provider: mistral\n      model: m\n", "unknown provider"},
		{"missing model", "synthesis:\n  models:\n    - provider: openai\n", "model is required"},
		{"stale too short", "retention:\n  stale_running: 5m\n", "at least 30m"},
		{"budget too short", "executor:\n  budget: 100ms\n", "at least 1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("want %q error, got %v", tt.want, err)
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"90", 90 * time.Second, false}, // bare integers are seconds
		{"fast", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := yaml.Unmarshal([]byte(tt.in), &d)
			if tt.err {
				if err == nil {
					t.Error("should fail")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if d.Std() != tt.want {
				t.Errorf("got %s, want %s", d, tt.want)
			}
		})
	}
}
