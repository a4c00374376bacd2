package serve

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tonpilot-dev/tonpilot/runtime"
	"github.com/tonpilot-dev/tonpilot/store"
)

type triggerResponse struct {
	Kind          store.TriggerKind `json:"kind"`
	PeriodSeconds int64             `json:"period_seconds,omitempty"`
	WebhookToken  string            `json:"webhook_token,omitempty"`
}

type agentResponse struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Active      bool            `json:"active"`
	Trigger     triggerResponse `json:"trigger"`
	Running     bool            `json:"running"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type agentDetailResponse struct {
	agentResponse
	Code string `json:"code"`
}

func (s *Server) agentToResponse(a *store.Agent) agentResponse {
	return agentResponse{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		Active:      a.Active,
		Trigger: triggerResponse{
			Kind:          a.Trigger.Kind,
			PeriodSeconds: int64(a.Trigger.Period.Seconds()),
			WebhookToken:  a.Trigger.WebhookToken,
		},
		Running:   s.router.Busy(a.ID),
		LastError: s.router.LastError(a.ID),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, userID int64) {
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request, userID int64) {
	agents, err := s.store.ListAgentsByOwner(userID)
	if err != nil {
		s.logger.Error("list agents", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	resp := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, s.agentToResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ownedAgent resolves {id} under the ownership rule: a foreign agent and a
// missing one are indistinguishable to the caller.
func (s *Server) ownedAgent(w http.ResponseWriter, r *http.Request, userID int64) *store.Agent {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeNotFound(w)
		return nil
	}
	agent, err := s.store.GetAgentOwned(id, userID)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w)
		return nil
	}
	if err != nil {
		s.logger.Error("get agent", "agent", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return nil
	}
	return agent
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request, userID int64) {
	agent := s.ownedAgent(w, r, userID)
	if agent == nil {
		return
	}
	writeJSON(w, http.StatusOK, agentDetailResponse{
		agentResponse: s.agentToResponse(agent),
		Code:          agent.Code,
	})
}

func (s *Server) handleRunAgent(w http.ResponseWriter, r *http.Request, userID int64) {
	agent := s.ownedAgent(w, r, userID)
	if agent == nil {
		return
	}

	out, err := s.router.Run(r.Context(), agent, store.TriggerManual)
	if errors.Is(err, runtime.ErrBusy) {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "busy"})
		return
	}
	if err != nil {
		s.logger.Error("manual run", "agent", agent.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      out.Status,
		"duration_ms": out.DurationMs,
		"error":       out.ErrorMessage,
	})
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request, userID int64) {
	agent := s.ownedAgent(w, r, userID)
	if agent == nil {
		return
	}
	if err := s.store.SetAgentActive(agent.ID, userID, false); err != nil {
		s.logger.Error("stop agent", "agent", agent.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	s.sched.Unregister(agent.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request, userID int64) {
	agent := s.ownedAgent(w, r, userID)
	if agent == nil {
		return
	}
	logs, err := s.store.LogsByAgent(agent.ID, queryLimit(r, 50), 0)
	if err != nil {
		s.logger.Error("agent logs", "agent", agent.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request, userID int64) {
	status := store.ExecStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.ExecRunning, store.ExecSuccess, store.ExecError:
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unknown status filter"})
		return
	}
	execs, err := s.store.ExecutionsByOwner(userID, status, queryLimit(r, 50))
	if err != nil {
		s.logger.Error("executions", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request, userID int64) {
	logs, err := s.store.LogsByOwner(userID, queryLimit(r, 50))
	if err != nil {
		s.logger.Error("activity", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, userID int64) {
	stats, err := s.store.ExecStats(userID)
	if err != nil {
		s.logger.Error("stats", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Settings. Values are write-only through the API: listings return
// names, never contents.

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request, userID int64) {
	keys, err := s.store.ListUserSettingKeys(userID)
	if err != nil {
		s.logger.Error("list settings", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	plain := make([]string, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, connectorPrefix) {
			plain = append(plain, k)
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keys": plain})
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request, userID int64) {
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "key and value are required"})
		return
	}
	if err := s.store.SetUserSetting(userID, body.Key, body.Value); err != nil {
		s.logger.Error("set setting", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request, userID int64) {
	if err := s.store.DeleteUserSetting(userID, r.PathValue("key")); err != nil {
		s.logger.Error("delete setting", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Connectors: named credentials stored in the settings namespace under
// a reserved prefix, so agents read them through the same secret step.

const connectorPrefix = "connector."

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request, userID int64) {
	keys, err := s.store.ListUserSettingKeys(userID)
	if err != nil {
		s.logger.Error("list connectors", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	names := make([]string, 0)
	for _, k := range keys {
		if rest, ok := strings.CutPrefix(k, connectorPrefix); ok {
			names = append(names, rest)
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"connectors": names})
}

func (s *Server) handleSetConnector(w http.ResponseWriter, r *http.Request, userID int64) {
	var body struct {
		Name   string `json:"name"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" || body.Secret == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "name and secret are required"})
		return
	}
	if err := s.store.SetUserSetting(userID, connectorPrefix+body.Name, body.Secret); err != nil {
		s.logger.Error("set connector", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleDeleteConnector(w http.ResponseWriter, r *http.Request, userID int64) {
	if err := s.store.DeleteUserSetting(userID, connectorPrefix+r.PathValue("name")); err != nil {
		s.logger.Error("delete connector", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Plugins.

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request, userID int64) {
	installed, err := s.store.ListUserPlugins(userID)
	if err != nil {
		s.logger.Error("list user plugins", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	have := make(map[string]bool, len(installed))
	for _, id := range installed {
		have[id] = true
	}

	type pluginEntry struct {
		ID          string   `json:"id"`
		Description string   `json:"description"`
		Ops         []string `json:"ops"`
		Installed   bool     `json:"installed"`
	}
	infos := s.plugins.List()
	resp := make([]pluginEntry, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, pluginEntry{
			ID:          info.ID,
			Description: info.Description,
			Ops:         info.Ops,
			Installed:   have[info.ID],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInstallPlugin(w http.ResponseWriter, r *http.Request, userID int64) {
	id := r.PathValue("id")
	if !s.plugins.Exists(id) {
		writeNotFound(w)
		return
	}
	if err := s.store.InstallPlugin(userID, id); err != nil {
		s.logger.Error("install plugin", "user", userID, "plugin", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "installed"})
}

func (s *Server) handleUninstallPlugin(w http.ResponseWriter, r *http.Request, userID int64) {
	id := r.PathValue("id")
	if err := s.store.UninstallPlugin(userID, id); err != nil {
		s.logger.Error("uninstall plugin", "user", userID, "plugin", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}
