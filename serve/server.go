// Package serve is the thin HTTP surface for the companion dashboard, plus
// the webhook trigger endpoint. All authenticated routes carry a bearer
// session token obtained through the Telegram deeplink handshake.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tonpilot-dev/tonpilot/plugin"
	"github.com/tonpilot-dev/tonpilot/runtime"
	"github.com/tonpilot-dev/tonpilot/store"
)

// Config holds server configuration.
type Config struct {
	Addr string

	// BotLink is the public bot URL used in auth deeplinks,
	// e.g. "https://t.me/tonpilot_bot".
	BotLink string
}

// Server is the dashboard API server.
type Server struct {
	store   store.Store
	router  *runtime.Router
	sched   *runtime.Scheduler
	plugins *plugin.Registry
	cfg     Config
	logger  *slog.Logger
}

// New creates a Server.
func New(st store.Store, rt *runtime.Router, sched *runtime.Scheduler, plugins *plugin.Registry, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   st,
		router:  rt,
		sched:   sched,
		plugins: plugins,
		cfg:     cfg,
		logger:  logger,
	}
}

// Handler builds the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Auth handshake, unauthenticated.
	mux.HandleFunc("GET /api/auth/request", s.handleAuthRequest)
	mux.HandleFunc("GET /api/auth/check/{token}", s.handleAuthCheck)

	// Webhook deliveries, authenticated by the token in the path.
	mux.HandleFunc("POST /hook/{token}", s.handleWebhook)

	// Dashboard API, bearer session token.
	mux.HandleFunc("GET /api/me", s.withUser(s.handleMe))
	mux.HandleFunc("GET /api/agents", s.withUser(s.handleListAgents))
	mux.HandleFunc("GET /api/agents/{id}", s.withUser(s.handleGetAgent))
	mux.HandleFunc("POST /api/agents/{id}/run", s.withUser(s.handleRunAgent))
	mux.HandleFunc("POST /api/agents/{id}/stop", s.withUser(s.handleStopAgent))
	mux.HandleFunc("GET /api/agents/{id}/logs", s.withUser(s.handleAgentLogs))
	mux.HandleFunc("GET /api/executions", s.withUser(s.handleExecutions))
	mux.HandleFunc("GET /api/activity", s.withUser(s.handleActivity))
	mux.HandleFunc("GET /api/stats/me", s.withUser(s.handleStats))
	mux.HandleFunc("GET /api/settings", s.withUser(s.handleListSettings))
	mux.HandleFunc("POST /api/settings", s.withUser(s.handleSetSetting))
	mux.HandleFunc("DELETE /api/settings/{key}", s.withUser(s.handleDeleteSetting))
	mux.HandleFunc("GET /api/connectors", s.withUser(s.handleListConnectors))
	mux.HandleFunc("POST /api/connectors", s.withUser(s.handleSetConnector))
	mux.HandleFunc("DELETE /api/connectors/{name}", s.withUser(s.handleDeleteConnector))
	mux.HandleFunc("GET /api/plugins", s.withUser(s.handleListPlugins))
	mux.HandleFunc("POST /api/plugins/{id}/install", s.withUser(s.handleInstallPlugin))
	mux.HandleFunc("DELETE /api/plugins/{id}", s.withUser(s.handleUninstallPlugin))

	return corsMiddleware(mux)
}

// Start listens until ctx is cancelled, then drains with a bounded timeout.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard api started", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down dashboard api")
	case err := <-errCh:
		return fmt.Errorf("dashboard api: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("dashboard shutdown error", "error", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ErrorResponse is the uniform error body. Missing and foreign resources
// share the exact same shape.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found"})
}
