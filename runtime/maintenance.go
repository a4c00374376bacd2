package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tonpilot-dev/tonpilot/store"
)

// Maintenance runs the periodic housekeeping jobs: log-retention pruning,
// stale running-row reaping, and conversation-transcript pruning.
type Maintenance struct {
	store  store.Store
	logger *slog.Logger
	cron   *cron.Cron

	logWindow     time.Duration
	staleRunning  time.Duration
	convRetention time.Duration
}

// MaintenanceConfig sets the retention windows.
type MaintenanceConfig struct {
	// Spec is the cron cadence, e.g. "@every 10m".
	Spec string

	// LogWindow is how long agent log entries are kept.
	LogWindow time.Duration

	// StaleRunning is how long a history row may sit in running before
	// the reaper marks it failed. Matches the read-side cutoff.
	StaleRunning time.Duration

	// ConversationRetention is how long session transcripts are kept;
	// <= 0 disables transcript pruning.
	ConversationRetention time.Duration
}

// NewMaintenance builds the housekeeping runner.
func NewMaintenance(st store.Store, cfg MaintenanceConfig, logger *slog.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Maintenance{
		store:         st,
		logger:        logger,
		cron:          cron.New(),
		logWindow:     cfg.LogWindow,
		staleRunning:  cfg.StaleRunning,
		convRetention: cfg.ConversationRetention,
	}
	if _, err := m.cron.AddFunc(cfg.Spec, m.sweep); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", cfg.Spec, err)
	}
	return m, nil
}

// Start begins the cron loop.
func (m *Maintenance) Start() { m.cron.Start() }

// Stop halts the cron loop, waiting for a running sweep to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// sweep runs one housekeeping pass. Each job is independent; one failing
// does not stop the others.
func (m *Maintenance) sweep() {
	now := time.Now()

	if m.logWindow > 0 {
		if n, err := m.store.PruneLogs(now.Add(-m.logWindow)); err != nil {
			m.logger.Error("prune logs", "error", err)
		} else if n > 0 {
			m.logger.Info("pruned logs", "count", n)
		}
	}

	if m.staleRunning > 0 {
		if n, err := m.store.ReapStaleExecutions(now.Add(-m.staleRunning)); err != nil {
			m.logger.Error("reap stale executions", "error", err)
		} else if n > 0 {
			m.logger.Warn("reaped stale executions", "count", n)
		}
	}

	if m.convRetention > 0 {
		if n, err := m.store.PruneConversations(now.Add(-m.convRetention)); err != nil {
			m.logger.Error("prune conversations", "error", err)
		} else if n > 0 {
			m.logger.Info("pruned conversations", "count", n)
		}
	}
}
