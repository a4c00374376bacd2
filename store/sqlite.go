package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tonpilot-dev/tonpilot/script"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db *sql.DB

	// staleAfter is the read-side cutoff past which a running execution
	// row is presented as failed.
	staleAfter time.Duration

	// kvMu guards the write-through state cache: a read populated from
	// the database never returns stale data after a SetState completes.
	kvMu    sync.RWMutex
	kvCache map[string]any
}

// SQLiteOption configures the store.
type SQLiteOption func(*SQLiteStore)

// WithStaleAfter overrides the stale-running read cutoff (default 30m).
func WithStaleAfter(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		s.staleAfter = d
	}
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL for concurrent reads; busy timeout so writers queue instead of
	// failing under the per-agent parallelism.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:         db,
		staleAfter: 30 * time.Minute,
		kvCache:    make(map[string]any),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init creates the schema tables.
func (s *SQLiteStore) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id      INTEGER NOT NULL,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		code          TEXT NOT NULL,
		trigger_kind  TEXT NOT NULL DEFAULT 'manual',
		period_secs   INTEGER NOT NULL DEFAULT 0,
		webhook_token TEXT NOT NULL DEFAULT '',
		active        INTEGER NOT NULL DEFAULT 0,
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_state (
		agent_id   INTEGER NOT NULL,
		owner_id   INTEGER NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL DEFAULT 'null',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (agent_id, key)
	);

	CREATE TABLE IF NOT EXISTS agent_logs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id   INTEGER NOT NULL,
		owner_id   INTEGER NOT NULL,
		level      TEXT NOT NULL DEFAULT 'info',
		message    TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS execution_history (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id       INTEGER NOT NULL,
		owner_id       INTEGER NOT NULL,
		trigger_kind   TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'running',
		started_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		finished_at    DATETIME,
		duration_ms    INTEGER,
		error_message  TEXT NOT NULL DEFAULT '',
		result_summary TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sessions (
		user_id         INTEGER PRIMARY KEY,
		session_id      TEXT NOT NULL DEFAULT '',
		waiting_kind    TEXT NOT NULL DEFAULT '',
		waiting_payload TEXT NOT NULL DEFAULT '',
		updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_settings (
		user_id    INTEGER NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, key)
	);

	CREATE TABLE IF NOT EXISTS user_plugins (
		user_id      INTEGER NOT NULL,
		plugin_id    TEXT NOT NULL,
		installed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, plugin_id)
	);

	CREATE TABLE IF NOT EXISTS marketplace_listings (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		seller_id    INTEGER NOT NULL,
		name         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		code         TEXT NOT NULL,
		trigger_kind TEXT NOT NULL DEFAULT 'manual',
		period_secs  INTEGER NOT NULL DEFAULT 0,
		created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS marketplace_purchases (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		listing_id INTEGER NOT NULL,
		buyer_id   INTEGER NOT NULL,
		agent_id   INTEGER NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (listing_id, buyer_id)
	);

	CREATE TABLE IF NOT EXISTS auth_requests (
		token         TEXT PRIMARY KEY,
		status        TEXT NOT NULL DEFAULT 'pending',
		user_id       INTEGER NOT NULL DEFAULT 0,
		session_token TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id);
	CREATE INDEX IF NOT EXISTS idx_agents_webhook ON agents(webhook_token) WHERE webhook_token != '';
	CREATE INDEX IF NOT EXISTS idx_logs_agent ON agent_logs(agent_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_logs_owner ON agent_logs(owner_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_history_agent ON execution_history(agent_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_history_owner ON execution_history(owner_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_auth_session ON auth_requests(session_token) WHERE session_token != '';
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Agents ---

// CreateAgent persists a new agent after gate and trigger validation.
func (s *SQLiteStore) CreateAgent(a *Agent) (int64, error) {
	if err := script.Gate(a.Code); err != nil {
		return 0, fmt.Errorf("safety gate: %w", err)
	}
	if err := a.Trigger.Validate(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO agents (owner_id, name, description, code, trigger_kind, period_secs, webhook_token, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.OwnerID, a.Name, a.Description, a.Code,
		string(a.Trigger.Kind), int64(a.Trigger.Period/time.Second), a.Trigger.WebhookToken,
		boolInt(a.Active), now, now,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	return id, nil
}

const agentColumns = `id, owner_id, name, description, code, trigger_kind, period_secs, webhook_token, active, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var kind string
	var periodSecs int64
	var active int
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Description, &a.Code,
		&kind, &periodSecs, &a.Trigger.WebhookToken, &active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Trigger.Kind = TriggerKind(kind)
	a.Trigger.Period = time.Duration(periodSecs) * time.Second
	a.Active = active != 0
	return &a, nil
}

// GetAgent returns an agent by id regardless of owner.
func (s *SQLiteStore) GetAgent(id int64) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetAgentOwned returns the agent only if the owner matches.
func (s *SQLiteStore) GetAgentOwned(id, ownerID int64) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanAgent(row)
}

// GetAgentByWebhookToken resolves a webhook delivery target.
func (s *SQLiteStore) GetAgentByWebhookToken(token string) (*Agent, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE webhook_token = ?`, token)
	return scanAgent(row)
}

// ListAgentsByOwner returns the owner's agents, id descending.
func (s *SQLiteStore) ListAgentsByOwner(ownerID int64) ([]*Agent, error) {
	rows, err := s.db.Query(`SELECT `+agentColumns+` FROM agents WHERE owner_id = ? ORDER BY id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAgents(rows)
}

// ListActiveScheduled returns every active scheduled agent.
func (s *SQLiteStore) ListActiveScheduled() ([]*Agent, error) {
	rows, err := s.db.Query(
		`SELECT ` + agentColumns + ` FROM agents WHERE active = 1 AND trigger_kind = 'scheduled' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAgents(rows)
}

func collectAgents(rows *sql.Rows) ([]*Agent, error) {
	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentMeta renames/redescribes an owned agent.
func (s *SQLiteStore) UpdateAgentMeta(id, ownerID int64, name, description string) error {
	res, err := s.db.Exec(
		`UPDATE agents SET name = ?, description = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		name, description, time.Now().UTC(), id, ownerID,
	)
	return ownedResult(res, err)
}

// UpdateAgentTrigger replaces the trigger of an owned agent.
func (s *SQLiteStore) UpdateAgentTrigger(id, ownerID int64, trigger Trigger) error {
	if err := trigger.Validate(); err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE agents SET trigger_kind = ?, period_secs = ?, webhook_token = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ?`,
		string(trigger.Kind), int64(trigger.Period/time.Second), trigger.WebhookToken,
		time.Now().UTC(), id, ownerID,
	)
	return ownedResult(res, err)
}

// UpdateAgentCode replaces the artifact of an owned agent.
func (s *SQLiteStore) UpdateAgentCode(id, ownerID int64, code string) error {
	if err := script.Gate(code); err != nil {
		return fmt.Errorf("safety gate: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE agents SET code = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		code, time.Now().UTC(), id, ownerID,
	)
	return ownedResult(res, err)
}

// SetAgentActive flips the activation flag. Activation re-checks the gate so
// a rejected artifact can never become active.
func (s *SQLiteStore) SetAgentActive(id, ownerID int64, active bool) error {
	if active {
		a, err := s.GetAgentOwned(id, ownerID)
		if err != nil {
			return err
		}
		if err := script.Gate(a.Code); err != nil {
			return fmt.Errorf("safety gate: %w", err)
		}
	}
	res, err := s.db.Exec(
		`UPDATE agents SET active = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		boolInt(active), time.Now().UTC(), id, ownerID,
	)
	return ownedResult(res, err)
}

// DeleteAgent removes an owned agent and cascades its state bag.
func (s *SQLiteStore) DeleteAgent(id, ownerID int64) error {
	res, err := s.db.Exec(`DELETE FROM agents WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err := ownedResult(res, err); err != nil {
		return err
	}
	return s.DeleteAgentState(id)
}

// --- Agent state ---

func stateCacheKey(agentID int64, key string) string {
	return fmt.Sprintf("%d/%s", agentID, key)
}

// GetState reads one state key, serving repeated reads from the
// write-through cache.
func (s *SQLiteStore) GetState(agentID int64, key string) (any, error) {
	ck := stateCacheKey(agentID, key)
	s.kvMu.RLock()
	if v, ok := s.kvCache[ck]; ok {
		s.kvMu.RUnlock()
		return v, nil
	}
	s.kvMu.RUnlock()

	var raw string
	err := s.db.QueryRow(`SELECT value FROM agent_state WHERE agent_id = ? AND key = ?`, agentID, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", key, err)
	}

	s.kvMu.Lock()
	s.kvCache[ck] = val
	s.kvMu.Unlock()
	return val, nil
}

// SetState upserts one state key and updates the cache before returning, so
// a subsequent read observes the write.
func (s *SQLiteStore) SetState(agentID, ownerID int64, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", key, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO agent_state (agent_id, owner_id, key, value, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		agentID, ownerID, key, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	s.kvMu.Lock()
	s.kvCache[stateCacheKey(agentID, key)] = value
	s.kvMu.Unlock()
	return nil
}

// GetAllState returns the whole state bag of an agent.
func (s *SQLiteStore) GetAllState(agentID int64) (map[string]any, error) {
	rows, err := s.db.Query(`SELECT key, value FROM agent_state WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			return nil, fmt.Errorf("decode state %s: %w", key, err)
		}
		out[key] = val
	}
	return out, rows.Err()
}

// DeleteAgentState drops the state bag and its cached entries.
func (s *SQLiteStore) DeleteAgentState(agentID int64) error {
	if _, err := s.db.Exec(`DELETE FROM agent_state WHERE agent_id = ?`, agentID); err != nil {
		return err
	}
	prefix := fmt.Sprintf("%d/", agentID)
	s.kvMu.Lock()
	for k := range s.kvCache {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(s.kvCache, k)
		}
	}
	s.kvMu.Unlock()
	return nil
}

// --- Agent logs ---

// AppendLog records a log entry, truncating the message.
func (s *SQLiteStore) AppendLog(e *LogEntry) error {
	msg := e.Message
	if len(msg) > MaxLogMessage {
		msg = msg[:MaxLogMessage]
	}
	_, err := s.db.Exec(
		`INSERT INTO agent_logs (agent_id, owner_id, level, message, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.AgentID, e.OwnerID, string(e.Level), msg, e.Detail, time.Now().UTC(),
	)
	return err
}

const logColumns = `id, agent_id, owner_id, level, message, detail, created_at`

// LogsByAgent returns entries newest-first.
func (s *SQLiteStore) LogsByAgent(agentID int64, limit, offset int) ([]*LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+logColumns+` FROM agent_logs WHERE agent_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

// LogsByOwner returns entries across the owner's agents, newest-first.
func (s *SQLiteStore) LogsByOwner(ownerID int64, limit int) ([]*LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+logColumns+` FROM agent_logs WHERE owner_id = ? ORDER BY id DESC LIMIT ?`,
		ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

func collectLogs(rows *sql.Rows) ([]*LogEntry, error) {
	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		var level string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.OwnerID, &level, &e.Message, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Level = LogLevel(level)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PruneLogs deletes entries older than the cutoff.
func (s *SQLiteStore) PruneLogs(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM agent_logs WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Execution history ---

// StartExecution inserts a running row.
func (s *SQLiteStore) StartExecution(agentID, ownerID int64, kind TriggerKind) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO execution_history (agent_id, owner_id, trigger_kind, status, started_at) VALUES (?, ?, ?, 'running', ?)`,
		agentID, ownerID, string(kind), time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishExecution transitions a row out of running; the status guard makes
// a second call a no-op.
func (s *SQLiteStore) FinishExecution(id int64, status ExecStatus, durationMs int64, errMsg, summary string) error {
	if status != ExecSuccess && status != ExecError {
		return fmt.Errorf("finish: invalid status %q", status)
	}
	_, err := s.db.Exec(
		`UPDATE execution_history
		 SET status = ?, finished_at = ?, duration_ms = ?, error_message = ?, result_summary = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), time.Now().UTC(), durationMs, errMsg, summary, id,
	)
	return err
}

const execColumns = `id, agent_id, owner_id, trigger_kind, status, started_at, finished_at, duration_ms, error_message, result_summary`

// ExecutionsByAgent returns rows newest-first with the stale-read rule applied.
func (s *SQLiteStore) ExecutionsByAgent(agentID int64, limit int) ([]*Execution, error) {
	rows, err := s.db.Query(
		`SELECT `+execColumns+` FROM execution_history WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectExecutions(rows, "")
}

// ExecutionsByOwner returns rows newest-first, optionally status-filtered.
// The filter runs in SQL, under the stale-read rule, so LIMIT applies to
// matching rows and a filtered page never comes back short.
func (s *SQLiteStore) ExecutionsByOwner(ownerID int64, status ExecStatus, limit int) ([]*Execution, error) {
	cutoff := time.Now().Add(-s.staleAfter).UTC()
	q := `SELECT ` + execColumns + ` FROM execution_history WHERE owner_id = ?`
	args := []any{ownerID}
	switch status {
	case ExecRunning:
		q += ` AND status = 'running' AND started_at >= ?`
		args = append(args, cutoff)
	case ExecSuccess:
		q += ` AND status = 'success'`
	case ExecError:
		q += ` AND (status = 'error' OR (status = 'running' AND started_at < ?))`
		args = append(args, cutoff)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectExecutions(rows, status)
}

// collectExecutions scans rows, converts stale running rows to errors, and
// filters by status after conversion.
func (s *SQLiteStore) collectExecutions(rows *sql.Rows, filter ExecStatus) ([]*Execution, error) {
	cutoff := time.Now().Add(-s.staleAfter)
	var execs []*Execution
	for rows.Next() {
		var e Execution
		var kind, status string
		var finished sql.NullTime
		var durationMs sql.NullInt64
		if err := rows.Scan(&e.ID, &e.AgentID, &e.OwnerID, &kind, &status,
			&e.StartedAt, &finished, &durationMs, &e.ErrorMessage, &e.Summary); err != nil {
			return nil, err
		}
		e.TriggerKind = TriggerKind(kind)
		e.Status = ExecStatus(status)
		if finished.Valid {
			e.FinishedAt = &finished.Time
		}
		if durationMs.Valid {
			e.DurationMs = durationMs.Int64
		}
		if e.Status == ExecRunning && e.StartedAt.Before(cutoff) {
			e.Status = ExecError
			e.ErrorMessage = "execution timed out (stale)"
		}
		if filter != "" && e.Status != filter {
			continue
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// ExecStats aggregates totals and the last 24 hours. Stale running rows
// count as errors, same as every read path.
func (s *SQLiteStore) ExecStats(ownerID int64) (*ExecStats, error) {
	since := time.Now().Add(-24 * time.Hour).UTC()
	cutoff := time.Now().Add(-s.staleAfter).UTC()
	var st ExecStats
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'error' OR (status = 'running' AND started_at < ?) THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN started_at >= ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN started_at >= ? AND (status = 'error' OR (status = 'running' AND started_at < ?)) THEN 1 ELSE 0 END), 0)
		 FROM execution_history WHERE owner_id = ?`,
		cutoff, since, since, cutoff, ownerID,
	).Scan(&st.Total, &st.Success, &st.Errors, &st.Last24h, &st.Last24hFail)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ReapStaleExecutions marks running rows older than the cutoff as errors.
func (s *SQLiteStore) ReapStaleExecutions(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE execution_history
		 SET status = 'error', finished_at = ?, error_message = 'execution timed out (stale)'
		 WHERE status = 'running' AND started_at < ?`,
		time.Now().UTC(), olderThan.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Session memory ---

// AppendMessage records a transcript entry.
func (s *SQLiteStore) AppendMessage(m *Message) error {
	_, err := s.db.Exec(
		`INSERT INTO conversations (user_id, session_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.UserID, m.SessionID, m.Role, m.Content, m.Metadata, time.Now().UTC(),
	)
	return err
}

// RecentMessages returns the user's transcript, newest-first.
func (s *SQLiteStore) RecentMessages(userID int64, limit int) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, session_id, role, content, metadata, created_at
		 FROM conversations WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.SessionID, &m.Role, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// ClearConversation drops the user's transcript.
func (s *SQLiteStore) ClearConversation(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE user_id = ?`, userID)
	return err
}

// PruneConversations deletes transcript entries older than the cutoff.
func (s *SQLiteStore) PruneConversations(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetWaitingForInput parks a multi-turn flow for a user.
func (s *SQLiteStore) SetWaitingForInput(userID int64, w *Waiting) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (user_id, waiting_kind, waiting_payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET waiting_kind = excluded.waiting_kind,
		   waiting_payload = excluded.waiting_payload, updated_at = excluded.updated_at`,
		userID, w.Kind, w.Payload, time.Now().UTC(),
	)
	return err
}

// GetWaitingForInput returns the parked flow, nil if none.
func (s *SQLiteStore) GetWaitingForInput(userID int64) (*Waiting, error) {
	var w Waiting
	err := s.db.QueryRow(
		`SELECT waiting_kind, waiting_payload FROM sessions WHERE user_id = ?`, userID,
	).Scan(&w.Kind, &w.Payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if w.Kind == "" {
		return nil, nil
	}
	return &w, nil
}

// ClearWaitingForInput unparks the user's flow.
func (s *SQLiteStore) ClearWaitingForInput(userID int64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET waiting_kind = '', waiting_payload = '', updated_at = ? WHERE user_id = ?`,
		time.Now().UTC(), userID,
	)
	return err
}

// --- User settings ---

// SetUserSetting upserts one per-user variable.
func (s *SQLiteStore) SetUserSetting(userID int64, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO user_settings (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, time.Now().UTC(),
	)
	return err
}

// GetUserSetting reads one per-user variable.
func (s *SQLiteStore) GetUserSetting(userID int64, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM user_settings WHERE user_id = ? AND key = ?`, userID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// ListUserSettingKeys returns the user's setting names, values omitted.
func (s *SQLiteStore) ListUserSettingKeys(userID int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM user_settings WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteUserSetting removes one per-user variable.
func (s *SQLiteStore) DeleteUserSetting(userID int64, key string) error {
	_, err := s.db.Exec(`DELETE FROM user_settings WHERE user_id = ? AND key = ?`, userID, key)
	return err
}

// --- User plugins ---

// InstallPlugin records an installation; upsert keeps it idempotent.
func (s *SQLiteStore) InstallPlugin(userID int64, pluginID string) error {
	_, err := s.db.Exec(
		`INSERT INTO user_plugins (user_id, plugin_id, installed_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, plugin_id) DO NOTHING`,
		userID, pluginID, time.Now().UTC(),
	)
	return err
}

// UninstallPlugin removes an installation.
func (s *SQLiteStore) UninstallPlugin(userID int64, pluginID string) error {
	_, err := s.db.Exec(`DELETE FROM user_plugins WHERE user_id = ? AND plugin_id = ?`, userID, pluginID)
	return err
}

// ListUserPlugins returns the user's installed plugin ids.
func (s *SQLiteStore) ListUserPlugins(userID int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT plugin_id FROM user_plugins WHERE user_id = ? ORDER BY plugin_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsPluginInstalled reports whether a plugin is installed for a user.
func (s *SQLiteStore) IsPluginInstalled(userID int64, pluginID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM user_plugins WHERE user_id = ? AND plugin_id = ?`, userID, pluginID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Marketplace ---

// CreateListing publishes an agent template. Webhook triggers are not
// listable: the token is owner-specific.
func (s *SQLiteStore) CreateListing(l *Listing) (int64, error) {
	if l.TriggerKind == TriggerWebhook {
		return 0, fmt.Errorf("webhook agents cannot be listed")
	}
	if err := script.Gate(l.Code); err != nil {
		return 0, fmt.Errorf("safety gate: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO marketplace_listings (seller_id, name, description, code, trigger_kind, period_secs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.SellerID, l.Name, l.Description, l.Code, string(l.TriggerKind),
		int64(l.Period/time.Second), time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const listingColumns = `id, seller_id, name, description, code, trigger_kind, period_secs, created_at`

func scanListing(row interface{ Scan(...any) error }) (*Listing, error) {
	var l Listing
	var kind string
	var periodSecs int64
	if err := row.Scan(&l.ID, &l.SellerID, &l.Name, &l.Description, &l.Code, &kind, &periodSecs, &l.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	l.TriggerKind = TriggerKind(kind)
	l.Period = time.Duration(periodSecs) * time.Second
	return &l, nil
}

// ListListings returns listings newest-first.
func (s *SQLiteStore) ListListings(limit int) ([]*Listing, error) {
	rows, err := s.db.Query(`SELECT `+listingColumns+` FROM marketplace_listings ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// GetListing returns one listing.
func (s *SQLiteStore) GetListing(id int64) (*Listing, error) {
	row := s.db.QueryRow(`SELECT `+listingColumns+` FROM marketplace_listings WHERE id = ?`, id)
	return scanListing(row)
}

// PurchaseListing copies the listing into a fresh inactive agent owned by
// the buyer. The copy shares nothing with the seller: new id, empty state
// bag. Repeat purchases return the original copy.
func (s *SQLiteStore) PurchaseListing(listingID, buyerID int64) (int64, error) {
	var existing int64
	err := s.db.QueryRow(
		`SELECT agent_id FROM marketplace_purchases WHERE listing_id = ? AND buyer_id = ?`,
		listingID, buyerID,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	l, err := s.GetListing(listingID)
	if err != nil {
		return 0, err
	}

	agentID, err := s.CreateAgent(&Agent{
		OwnerID:     buyerID,
		Name:        l.Name,
		Description: l.Description,
		Code:        l.Code,
		Trigger:     Trigger{Kind: l.TriggerKind, Period: l.Period},
		Active:      false,
	})
	if err != nil {
		return 0, err
	}

	if _, err := s.db.Exec(
		`INSERT INTO marketplace_purchases (listing_id, buyer_id, agent_id, created_at) VALUES (?, ?, ?, ?)`,
		listingID, buyerID, agentID, time.Now().UTC(),
	); err != nil {
		return 0, err
	}
	return agentID, nil
}

// --- Dashboard auth ---

// CreateAuthRequest opens a pending deeplink handshake.
func (s *SQLiteStore) CreateAuthRequest(token string) error {
	_, err := s.db.Exec(
		`INSERT INTO auth_requests (token, status, created_at) VALUES (?, 'pending', ?)`,
		token, time.Now().UTC(),
	)
	return err
}

// ApproveAuthRequest flips a pending handshake to approved.
func (s *SQLiteStore) ApproveAuthRequest(token string, userID int64, sessionToken string) error {
	res, err := s.db.Exec(
		`UPDATE auth_requests SET status = 'approved', user_id = ?, session_token = ? WHERE token = ? AND status = 'pending'`,
		userID, sessionToken, token,
	)
	return ownedResult(res, err)
}

// GetAuthRequest returns the handshake state.
func (s *SQLiteStore) GetAuthRequest(token string) (*AuthRequest, error) {
	var r AuthRequest
	err := s.db.QueryRow(
		`SELECT token, status, user_id, session_token, created_at FROM auth_requests WHERE token = ?`, token,
	).Scan(&r.Token, &r.Status, &r.UserID, &r.SessionToken, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UserBySessionToken resolves a dashboard session token to a user.
func (s *SQLiteStore) UserBySessionToken(sessionToken string) (int64, error) {
	if sessionToken == "" {
		return 0, ErrNotFound
	}
	var userID int64
	err := s.db.QueryRow(
		`SELECT user_id FROM auth_requests WHERE session_token = ? AND status = 'approved'`, sessionToken,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return userID, nil
}

// --- helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ownedResult converts a zero-row update into ErrNotFound, collapsing
// "missing" and "not yours" into one answer.
func ownedResult(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
