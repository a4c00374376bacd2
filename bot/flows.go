package bot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tonpilot-dev/tonpilot/store"
)

// Waiting kinds for the multi-turn creation flow. Payloads are JSON so a
// parked flow survives a restart intact.
const (
	waitName     = "awaiting_name"     // have code, need a name
	waitSchedule = "awaiting_schedule" // have code + name, need a cadence
	waitEdit     = "awaiting_edit"     // user picked an agent, need the change
	waitSecret   = "awaiting_secret"   // asked for a secret value
)

// draftPayload carries the creation flow's accumulated answers.
type draftPayload struct {
	Description string `json:"description"`
	Code        string `json:"code"`
	Name        string `json:"name,omitempty"`
}

// editPayload carries the target of a pending edit.
type editPayload struct {
	AgentID int64 `json:"agent_id"`
}

// secretPayload carries the name of a secret being set.
type secretPayload struct {
	Name string `json:"name"`
}

// setWaiting parks a flow in the store and the hot cache.
func (b *Bot) setWaiting(userID int64, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w := &store.Waiting{Kind: kind, Payload: string(raw)}
	if err := b.store.SetWaitingForInput(userID, w); err != nil {
		return err
	}
	b.mu.Lock()
	b.waitingHot[userID] = w
	b.mu.Unlock()
	return nil
}

// waiting returns the parked flow, preferring the hot cache and falling
// back to the store after a restart.
func (b *Bot) waiting(userID int64) *store.Waiting {
	b.mu.Lock()
	if w, ok := b.waitingHot[userID]; ok {
		b.mu.Unlock()
		return w
	}
	b.mu.Unlock()

	w, err := b.store.GetWaitingForInput(userID)
	if err != nil {
		b.logger.Error("read waiting flow", "user", userID, "error", err)
		return nil
	}
	if w != nil {
		b.mu.Lock()
		b.waitingHot[userID] = w
		b.mu.Unlock()
	}
	return w
}

// clearWaiting unparks the flow everywhere.
func (b *Bot) clearWaiting(userID int64) {
	if err := b.store.ClearWaitingForInput(userID); err != nil {
		b.logger.Error("clear waiting flow", "user", userID, "error", err)
	}
	b.mu.Lock()
	delete(b.waitingHot, userID)
	b.mu.Unlock()
}

// scheduleChoices are the cadences offered in the schedule keyboard.
var scheduleChoices = []struct {
	Label  string
	Period time.Duration
}{
	{"every 5 min", 5 * time.Minute},
	{"every 15 min", 15 * time.Minute},
	{"hourly", time.Hour},
	{"every 6 h", 6 * time.Hour},
	{"daily", 24 * time.Hour},
}

// parsePeriod accepts a typed cadence answer like "5m", "300", or "1h".
func parsePeriod(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, nil
	}
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("unrecognized period %q", s)
}
