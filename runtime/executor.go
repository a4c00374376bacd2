// Package runtime executes agent artifacts: the sandboxed executor, the
// host-call surface bound to each agent, the trigger router with its
// per-agent locks, and the persistent scheduler.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tonpilot-dev/tonpilot/script"
	"github.com/tonpilot-dev/tonpilot/store"
)

// graceWindow is how long past the wall-clock budget the executor waits for
// the interpreter goroutine to notice cancellation before abandoning it.
const graceWindow = 2 * time.Second

// Outcome is the structured result of one artifact invocation.
type Outcome struct {
	Status       store.ExecStatus
	Value        any
	ErrorMessage string
	TimedOut     bool
	DurationMs   int64

	// Logs are the lines the run produced, in order.
	Logs []LogLine
}

// LogLine is one captured log line.
type LogLine struct {
	Level   string
	Message string
}

// Executor runs parsed artifacts under a wall-clock budget.
type Executor struct {
	budget time.Duration
	limits script.Limits
	logger *slog.Logger
}

// NewExecutor builds an executor. budget <= 0 defaults to 30s.
func NewExecutor(budget time.Duration, limits script.Limits, logger *slog.Logger) *Executor {
	if budget <= 0 {
		budget = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{budget: budget, limits: limits, logger: logger}
}

// Budget returns the configured wall-clock budget.
func (x *Executor) Budget() time.Duration { return x.budget }

// Execute parses and runs the artifact against a host. It always returns an
// Outcome; errors inside the artifact become error outcomes, never Go errors.
// On timeout the interpreter goroutine is cancelled and, after a short grace
// window, abandoned; logs collected so far are still returned.
func (x *Executor) Execute(ctx context.Context, code string, host script.Host) *Outcome {
	start := time.Now()
	out := &Outcome{}

	// Logs are captured under a lock: the interpreter goroutine may still
	// append while the timeout path reads.
	var logMu sync.Mutex
	sink := func(level, message string) {
		logMu.Lock()
		out.Logs = append(out.Logs, LogLine{Level: level, Message: message})
		logMu.Unlock()
	}

	prog, err := script.Parse(code)
	if err != nil {
		out.Status = store.ExecError
		out.ErrorMessage = "parse: " + err.Error()
		out.DurationMs = time.Since(start).Milliseconds()
		return out
	}

	runCtx, cancel := context.WithTimeout(ctx, x.budget)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := script.NewInterpreter(host, x.limits, sink).Run(runCtx, prog)
		done <- result{value, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(x.budget + graceWindow):
		// The goroutine ignored cancellation; abandon it. Host calls all
		// carry runCtx, so anything blocking will unwind eventually.
		x.logger.Warn("artifact exceeded grace window, abandoning goroutine")
		res = result{err: context.DeadlineExceeded}
	}

	out.DurationMs = time.Since(start).Milliseconds()

	logMu.Lock()
	defer logMu.Unlock()

	switch {
	case res.err == nil:
		out.Status = store.ExecSuccess
		out.Value = res.value
	case errors.Is(res.err, context.DeadlineExceeded):
		out.Status = store.ExecError
		out.TimedOut = true
		out.ErrorMessage = "timeout"
	case errors.Is(res.err, context.Canceled) && ctx.Err() != nil:
		// Shutdown, not the artifact's fault; still an error outcome.
		out.Status = store.ExecError
		out.ErrorMessage = "cancelled"
	default:
		out.Status = store.ExecError
		out.ErrorMessage = res.err.Error()
	}
	return out
}
