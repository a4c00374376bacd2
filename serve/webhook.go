package serve

import (
	"errors"
	"net/http"

	"github.com/tonpilot-dev/tonpilot/runtime"
	"github.com/tonpilot-dev/tonpilot/store"
)

// handleWebhook fires a webhook-triggered agent. The path token is the
// credential; it resolves to exactly one agent. A delivery that lands while
// the agent is mid-run gets 429 so well-behaved callers back off instead of
// queueing.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgentByWebhookToken(r.PathValue("token"))
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error("webhook lookup", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	if !agent.Active {
		// A paused agent looks gone from outside.
		writeNotFound(w)
		return
	}

	out, err := s.router.Run(r.Context(), agent, store.TriggerWebhook)
	if errors.Is(err, runtime.ErrBusy) {
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "busy"})
		return
	}
	if err != nil {
		s.logger.Error("webhook run", "agent", agent.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      out.Status,
		"duration_ms": out.DurationMs,
	})
}
