package runtime

import "sync"

// lockTable holds the per-agent locks. One lock per agent id, process-local;
// it is the only synchronization between manual runs, webhook deliveries,
// and schedule fires.
type lockTable struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[int64]bool)}
}

// TryAcquire takes the agent's lock if free. Never blocks: callers that
// lose translate the loss into busy or a dropped tick.
func (t *lockTable) TryAcquire(agentID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[agentID] {
		return false
	}
	t.held[agentID] = true
	return true
}

// Release frees the agent's lock.
func (t *lockTable) Release(agentID int64) {
	t.mu.Lock()
	delete(t.held, agentID)
	t.mu.Unlock()
}

// Held reports whether the agent currently has an in-flight run.
func (t *lockTable) Held(agentID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held[agentID]
}
