package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tonpilot-dev/tonpilot/store"
)

// Scheduler drives periodic fires for active scheduled agents. Each agent
// gets one goroutine running a deadline loop; ticks that arrive while the
// previous fire is still running are dropped, never queued.
type Scheduler struct {
	store  store.Store
	router *Router
	logger *slog.Logger

	// immediateFire makes registration fire once right away instead of
	// waiting a full period.
	immediateFire bool

	mu      sync.Mutex
	entries map[int64]*schedEntry
	stopped bool

	wg sync.WaitGroup
}

type schedEntry struct {
	period time.Duration
	cancel context.CancelFunc
}

// NewScheduler builds a scheduler over a router.
func NewScheduler(st store.Store, router *Router, immediateFire bool, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         st,
		router:        router,
		logger:        logger,
		immediateFire: immediateFire,
		entries:       make(map[int64]*schedEntry),
	}
}

// Restore re-registers every active scheduled agent from the store. Run at
// process start; idempotent because Register is.
func (s *Scheduler) Restore(ctx context.Context) error {
	agents, err := s.store.ListActiveScheduled()
	if err != nil {
		return err
	}
	for _, a := range agents {
		s.Register(ctx, a.ID, a.Trigger.Period)
	}
	s.logger.Info("schedules restored", "count", len(agents))
	return nil
}

// Register starts (or updates) the deadline loop for an agent. Registering
// an already-registered id with the same period is a no-op; a different
// period replaces the loop without leaking the old one.
func (s *Scheduler) Register(ctx context.Context, agentID int64, period time.Duration) {
	if period <= 0 {
		s.logger.Error("refusing non-positive period", "agent", agentID, "period", period)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if e, ok := s.entries[agentID]; ok {
		if e.period == period {
			s.mu.Unlock()
			return
		}
		e.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.entries[agentID] = &schedEntry{period: period, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx, agentID, period)
	s.logger.Info("schedule registered", "agent", agentID, "period", period)
}

// Unregister stops the agent's loop. An in-flight run completes; the next
// tick never fires.
func (s *Scheduler) Unregister(agentID int64) {
	s.mu.Lock()
	e, ok := s.entries[agentID]
	if ok {
		delete(s.entries, agentID)
	}
	s.mu.Unlock()
	if ok {
		e.cancel()
		s.logger.Info("schedule unregistered", "agent", agentID)
	}
}

// Registered reports whether an agent has a live schedule.
func (s *Scheduler) Registered(agentID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[agentID]
	return ok
}

// Stop cancels every loop and waits for in-flight fires to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.entries {
		e.cancel()
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// loop is the per-agent deadline loop. The next deadline is the previous
// deadline plus the period, so fire times don't drift with run duration;
// when a run overruns by more than one full period the deadline resets to
// now + period instead, avoiding back-to-back catch-up fires.
func (s *Scheduler) loop(ctx context.Context, agentID int64, period time.Duration) {
	defer s.wg.Done()

	deadline := time.Now().Add(period)
	if s.immediateFire {
		deadline = time.Now()
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.fire(ctx, agentID)

		next := deadline.Add(period)
		if time.Now().After(deadline.Add(period)) {
			next = time.Now().Add(period)
		}
		deadline = next
		timer.Reset(time.Until(deadline))
	}
}

// fire runs one scheduled tick. The agent is re-read each time so code,
// trigger, and activation changes take effect without re-registration; a
// busy agent drops the tick.
func (s *Scheduler) fire(ctx context.Context, agentID int64) {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Info("scheduled agent gone, unregistering", "agent", agentID)
			s.Unregister(agentID)
			return
		}
		s.logger.Error("load scheduled agent", "agent", agentID, "error", err)
		return
	}
	if !agent.Active || agent.Trigger.Kind != store.TriggerScheduled {
		s.logger.Info("agent no longer scheduled, unregistering", "agent", agentID)
		s.Unregister(agentID)
		return
	}

	_, err = s.router.Run(ctx, agent, store.TriggerScheduled)
	switch {
	case errors.Is(err, ErrBusy):
		s.logger.Info("tick dropped, agent busy", "agent", agentID)
	case errors.Is(err, context.Canceled):
	case err != nil:
		s.logger.Error("scheduled run", "agent", agentID, "error", err)
	}
}
