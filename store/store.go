// Package store persists agents, their state, logs, execution history, and
// user sessions. All mutations from other components go through the Store
// interface; nothing else issues SQL.
package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for missing rows and, deliberately, for rows owned
// by someone else: callers cannot distinguish the two.
var ErrNotFound = errors.New("not found")

// TriggerKind discriminates what starts an execution.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerWebhook   TriggerKind = "webhook"
)

// Trigger is the tagged trigger variant of an agent.
type Trigger struct {
	Kind TriggerKind

	// Period is required for scheduled triggers, > 0.
	Period time.Duration

	// WebhookToken is required for webhook triggers.
	WebhookToken string
}

// Validate rejects malformed trigger parameters at the store boundary.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerManual:
		return nil
	case TriggerScheduled:
		if t.Period <= 0 {
			return fmt.Errorf("scheduled trigger requires a positive period, got %s", t.Period)
		}
		return nil
	case TriggerWebhook:
		if t.WebhookToken == "" {
			return fmt.Errorf("webhook trigger requires a token")
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
}

// Agent is a durable user-owned automation: synthesized code + trigger.
type Agent struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Code        string    `json:"code"`
	Trigger     Trigger   `json:"trigger"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LogLevel classifies agent log entries.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarn    LogLevel = "warn"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// LogEntry is one append-only agent log line.
type LogEntry struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	OwnerID   int64     `json:"owner_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecStatus is the lifecycle state of one execution.
type ExecStatus string

const (
	ExecRunning ExecStatus = "running"
	ExecSuccess ExecStatus = "success"
	ExecError   ExecStatus = "error"
)

// Execution is one invocation history row.
type Execution struct {
	ID           int64       `json:"id"`
	AgentID      int64       `json:"agent_id"`
	OwnerID      int64       `json:"owner_id"`
	TriggerKind  TriggerKind `json:"trigger_kind"`
	Status       ExecStatus  `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	DurationMs   int64       `json:"duration_ms,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Summary      string      `json:"result_summary,omitempty"`
}

// ExecStats aggregates an owner's execution history.
type ExecStats struct {
	Total       int64 `json:"total"`
	Success     int64 `json:"success"`
	Errors      int64 `json:"errors"`
	Last24h     int64 `json:"last_24h"`
	Last24hFail int64 `json:"last_24h_errors"`
}

// Message is one session-memory transcript entry.
type Message struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Waiting parks a multi-turn conversational flow across restarts.
type Waiting struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload,omitempty"`
}

// Listing is a marketplace entry: a published agent template.
type Listing struct {
	ID          int64       `json:"id"`
	SellerID    int64       `json:"seller_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Code        string      `json:"code"`
	TriggerKind TriggerKind `json:"trigger_kind"`
	Period      time.Duration `json:"period,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// AuthRequest is one pending dashboard deeplink handshake.
type AuthRequest struct {
	Token        string    `json:"token"`
	Status       string    `json:"status"` // pending | approved
	UserID       int64     `json:"user_id,omitempty"`
	SessionToken string    `json:"session_token,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// MaxLogMessage bounds log message text; longer messages are truncated on
// write.
const MaxLogMessage = 4096

// Store is the persistence boundary of the runtime.
type Store interface {
	// Init creates tables if they don't exist.
	Init() error

	// Close closes the store.
	Close() error

	// --- Agents (artifact store) ---

	// CreateAgent persists a new agent. The code must pass the safety
	// gate and the trigger must validate.
	CreateAgent(a *Agent) (int64, error)

	// GetAgent returns an agent by id regardless of owner. Internal use
	// (scheduler, router); user-facing paths use GetAgentOwned.
	GetAgent(id int64) (*Agent, error)

	// GetAgentOwned returns the agent only if ownerID matches, else
	// ErrNotFound.
	GetAgentOwned(id, ownerID int64) (*Agent, error)

	// GetAgentByWebhookToken resolves a webhook delivery target.
	GetAgentByWebhookToken(token string) (*Agent, error)

	// ListAgentsByOwner returns the owner's agents, id descending.
	ListAgentsByOwner(ownerID int64) ([]*Agent, error)

	// ListActiveScheduled returns every active scheduled agent, for
	// scheduler restore at startup.
	ListActiveScheduled() ([]*Agent, error)

	// UpdateAgentMeta renames/redescribes an owned agent.
	UpdateAgentMeta(id, ownerID int64, name, description string) error

	// UpdateAgentTrigger replaces the trigger of an owned agent.
	UpdateAgentTrigger(id, ownerID int64, trigger Trigger) error

	// UpdateAgentCode replaces the artifact of an owned agent. Refuses
	// code the safety gate rejects.
	UpdateAgentCode(id, ownerID int64, code string) error

	// SetAgentActive flips the activation flag of an owned agent.
	SetAgentActive(id, ownerID int64, active bool) error

	// DeleteAgent removes an owned agent; its state bag cascades.
	DeleteAgent(id, ownerID int64) error

	// --- Agent state (KV service) ---

	// GetState reads one state key; nil if absent.
	GetState(agentID int64, key string) (any, error)

	// SetState upserts one state key.
	SetState(agentID, ownerID int64, key string, value any) error

	// GetAllState returns the whole state bag of an agent.
	GetAllState(agentID int64) (map[string]any, error)

	// DeleteAgentState drops the state bag.
	DeleteAgentState(agentID int64) error

	// --- Agent logs (log service) ---

	// AppendLog records a log entry, truncating the message.
	AppendLog(e *LogEntry) error

	// LogsByAgent returns entries newest-first.
	LogsByAgent(agentID int64, limit, offset int) ([]*LogEntry, error)

	// LogsByOwner returns entries across the owner's agents, newest-first.
	LogsByOwner(ownerID int64, limit int) ([]*LogEntry, error)

	// PruneLogs deletes entries older than the cutoff, returning the count.
	PruneLogs(olderThan time.Time) (int64, error)

	// --- Execution history (history service) ---

	// StartExecution inserts a running row and returns its id.
	StartExecution(agentID, ownerID int64, kind TriggerKind) (int64, error)

	// FinishExecution transitions a row out of running. Idempotent: a
	// second call for the same id is a no-op.
	FinishExecution(id int64, status ExecStatus, durationMs int64, errMsg, summary string) error

	// ExecutionsByAgent returns rows newest-first. Rows stuck in running
	// past the stale cutoff read as error.
	ExecutionsByAgent(agentID int64, limit int) ([]*Execution, error)

	// ExecutionsByOwner returns rows newest-first, optionally filtered by
	// status after the stale-read rule is applied.
	ExecutionsByOwner(ownerID int64, status ExecStatus, limit int) ([]*Execution, error)

	// ExecStats aggregates totals and the last 24 hours for an owner.
	ExecStats(ownerID int64) (*ExecStats, error)

	// ReapStaleExecutions marks running rows older than the cutoff as
	// error, returning the count.
	ReapStaleExecutions(olderThan time.Time) (int64, error)

	// --- Session memory ---

	// AppendMessage records a transcript entry.
	AppendMessage(m *Message) error

	// RecentMessages returns the user's transcript, newest-first.
	RecentMessages(userID int64, limit int) ([]*Message, error)

	// ClearConversation drops the user's transcript.
	ClearConversation(userID int64) error

	// PruneConversations deletes transcript entries older than the cutoff.
	PruneConversations(olderThan time.Time) (int64, error)

	// SetWaitingForInput parks a multi-turn flow for a user.
	SetWaitingForInput(userID int64, w *Waiting) error

	// GetWaitingForInput returns the parked flow, nil if none.
	GetWaitingForInput(userID int64) (*Waiting, error)

	// ClearWaitingForInput unparks the user's flow.
	ClearWaitingForInput(userID int64) error

	// --- User settings (secrets / connectors) ---

	// SetUserSetting upserts one per-user variable.
	SetUserSetting(userID int64, key, value string) error

	// GetUserSetting reads one per-user variable.
	GetUserSetting(userID int64, key string) (string, bool, error)

	// ListUserSettingKeys returns the user's setting names, values omitted.
	ListUserSettingKeys(userID int64) ([]string, error)

	// DeleteUserSetting removes one per-user variable.
	DeleteUserSetting(userID int64, key string) error

	// --- User plugins ---

	// InstallPlugin records an installation; installing twice leaves one row.
	InstallPlugin(userID int64, pluginID string) error

	// UninstallPlugin removes an installation.
	UninstallPlugin(userID int64, pluginID string) error

	// ListUserPlugins returns the user's installed plugin ids.
	ListUserPlugins(userID int64) ([]string, error)

	// IsPluginInstalled reports whether a plugin is installed for a user.
	IsPluginInstalled(userID int64, pluginID string) (bool, error)

	// --- Marketplace ---

	// CreateListing publishes an agent template.
	CreateListing(l *Listing) (int64, error)

	// ListListings returns listings newest-first.
	ListListings(limit int) ([]*Listing, error)

	// GetListing returns one listing.
	GetListing(id int64) (*Listing, error)

	// PurchaseListing copies the listing into a fresh agent owned by the
	// buyer (new id, empty state bag, inactive) and records the purchase.
	// Buying the same listing twice returns the original copy's agent id.
	PurchaseListing(listingID, buyerID int64) (agentID int64, err error)

	// --- Dashboard auth ---

	// CreateAuthRequest opens a pending deeplink handshake.
	CreateAuthRequest(token string) error

	// ApproveAuthRequest flips a pending handshake to approved and binds
	// the session token.
	ApproveAuthRequest(token string, userID int64, sessionToken string) error

	// GetAuthRequest returns the handshake state.
	GetAuthRequest(token string) (*AuthRequest, error)

	// UserBySessionToken resolves a dashboard session token to a user.
	UserBySessionToken(sessionToken string) (int64, error)
}
