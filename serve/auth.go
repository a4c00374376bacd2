package serve

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tonpilot-dev/tonpilot/store"
)

// handleAuthRequest opens a deeplink handshake: the dashboard shows the
// returned bot link, the user confirms in chat, and the pending row flips
// to approved with a session token.
func (s *Server) handleAuthRequest(w http.ResponseWriter, r *http.Request) {
	token := uuid.NewString()
	if err := s.store.CreateAuthRequest(token); err != nil {
		s.logger.Error("create auth request", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"authToken": token,
		"botLink":   s.cfg.BotLink + "?start=auth_" + token,
	})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetAuthRequest(r.PathValue("token"))
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error("auth check", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
		return
	}

	resp := map[string]string{"status": req.Status}
	if req.Status == "approved" {
		resp["session_token"] = req.SessionToken
	}
	writeJSON(w, http.StatusOK, resp)
}

// withUser resolves the bearer session token; handlers receive the user id.
func (s *Server) withUser(h func(w http.ResponseWriter, r *http.Request, userID int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing bearer token"})
			return
		}
		userID, err := s.store.UserBySessionToken(raw)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid session"})
			return
		}
		if err != nil {
			s.logger.Error("session lookup", "error", err)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal"})
			return
		}
		h(w, r, userID)
	}
}
