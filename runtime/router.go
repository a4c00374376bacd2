package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tonpilot-dev/tonpilot/store"
	"github.com/tonpilot-dev/tonpilot/synth"
)

// ErrBusy is returned when an agent already has an in-flight execution.
// Manual runs and webhook deliveries surface it to the caller; scheduled
// ticks translate it into a dropped tick.
var ErrBusy = errors.New("busy")

// RepairHook is called after an execution ends in error, giving the
// orchestrator a chance to stage an auto-repair proposal. Called from the
// run goroutine; implementations must not block long.
type RepairHook func(agent *store.Agent, errMsg string)

// Router is the single chokepoint every trigger goes through: it owns the
// per-agent locks, the global concurrency cap, history rows, and the
// last-error map.
type Router struct {
	store    store.Store
	exec     *Executor
	notifier Notifier
	balances BalanceReader
	plugins  PluginCaller
	logger   *slog.Logger

	locks *lockTable
	sem   chan struct{}

	mu       sync.Mutex
	lastErr  map[int64]string
	onRepair RepairHook

	httpClient *http.Client
}

// RouterConfig wires a Router.
type RouterConfig struct {
	Store    store.Store
	Executor *Executor
	Notifier Notifier
	Balances BalanceReader
	Plugins  PluginCaller
	Logger   *slog.Logger

	// MaxConcurrent bounds executions across all agents; <= 0 means 32.
	MaxConcurrent int
}

// NewRouter builds a trigger router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:      cfg.Store,
		exec:       cfg.Executor,
		notifier:   cfg.Notifier,
		balances:   cfg.Balances,
		plugins:    cfg.Plugins,
		logger:     logger,
		locks:      newLockTable(),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		lastErr:    make(map[int64]string),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetRepairHook installs the auto-repair callback. Set once at startup.
func (r *Router) SetRepairHook(hook RepairHook) {
	r.mu.Lock()
	r.onRepair = hook
	r.mu.Unlock()
}

// Busy reports whether the agent has an in-flight run.
func (r *Router) Busy(agentID int64) bool {
	return r.locks.Held(agentID)
}

// LastError returns the most recent execution error for an agent, empty if
// the last run succeeded.
func (r *Router) LastError(agentID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr[agentID]
}

// Run executes one agent invocation end to end: lock, history row, host
// binding, execution, outcome recording. Returns ErrBusy without side
// effects when the agent is already in flight.
func (r *Router) Run(ctx context.Context, agent *store.Agent, kind store.TriggerKind) (*Outcome, error) {
	if !r.locks.TryAcquire(agent.ID) {
		return nil, ErrBusy
	}
	defer r.locks.Release(agent.ID)

	// Global cap. Waiting here keeps the per-agent lock, so a second
	// trigger for the same agent still sees busy rather than queueing.
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	execID, err := r.store.StartExecution(agent.ID, agent.OwnerID, kind)
	if err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}

	host := &agentHost{
		agentID:  agent.ID,
		ownerID:  agent.OwnerID,
		store:    r.store,
		notifier: r.notifier,
		balances: r.balances,
		plugins:  r.plugins,
		http:     r.httpClient,
	}

	r.logger.Info("execution started", "agent", agent.ID, "trigger", kind, "exec", execID)
	out := r.exec.Execute(ctx, agent.Code, host)

	summary := synth.Summarize(out.Value)
	if err := r.store.FinishExecution(execID, out.Status, out.DurationMs, out.ErrorMessage, summary); err != nil {
		r.logger.Error("finish execution", "agent", agent.ID, "exec", execID, "error", err)
	}
	r.persistLogs(agent, kind, out)

	r.mu.Lock()
	if out.Status == store.ExecError {
		r.lastErr[agent.ID] = out.ErrorMessage
	} else {
		delete(r.lastErr, agent.ID)
	}
	hook := r.onRepair
	r.mu.Unlock()

	if out.Status == store.ExecError {
		r.logger.Warn("execution failed", "agent", agent.ID, "exec", execID, "error", out.ErrorMessage, "timeout", out.TimedOut)
		// Timeouts are not repairable by rewriting; skip the hook.
		if hook != nil && !out.TimedOut {
			hook(agent, out.ErrorMessage)
		}
	} else {
		r.logger.Info("execution finished", "agent", agent.ID, "exec", execID, "duration_ms", out.DurationMs)
	}
	return out, nil
}

// RunByID loads the agent and runs it. Used by manual triggers where the
// caller only has the id; ownership must already be checked.
func (r *Router) RunByID(ctx context.Context, agentID int64, kind store.TriggerKind) (*Outcome, error) {
	agent, err := r.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, agent, kind)
}

// persistLogs writes the run's captured lines plus one outcome line to the
// agent log.
func (r *Router) persistLogs(agent *store.Agent, kind store.TriggerKind, out *Outcome) {
	for _, line := range out.Logs {
		entry := &store.LogEntry{
			AgentID: agent.ID,
			OwnerID: agent.OwnerID,
			Level:   store.LogLevel(line.Level),
			Message: line.Message,
		}
		if err := r.store.AppendLog(entry); err != nil {
			r.logger.Error("append log", "agent", agent.ID, "error", err)
			return
		}
	}

	outcome := &store.LogEntry{
		AgentID: agent.ID,
		OwnerID: agent.OwnerID,
	}
	if out.Status == store.ExecSuccess {
		outcome.Level = store.LogSuccess
		outcome.Message = fmt.Sprintf("run finished (%s, %dms)", kind, out.DurationMs)
	} else {
		outcome.Level = store.LogError
		outcome.Message = fmt.Sprintf("run failed (%s): %s", kind, out.ErrorMessage)
	}
	if err := r.store.AppendLog(outcome); err != nil {
		r.logger.Error("append outcome log", "agent", agent.ID, "error", err)
	}
}
