package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAgent(owner int64) *Agent {
	return &Agent{
		OwnerID:     owner,
		Name:        "price watcher",
		Description: "checks a price",
		Code:        "steps:\n  - notify: hello\n",
		Trigger:     Trigger{Kind: TriggerManual},
	}
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateAgent(testAgent(7))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a, err := s.GetAgentOwned(id, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Name != "price watcher" || a.Active {
		t.Errorf("unexpected agent: %+v", a)
	}

	if err := s.UpdateAgentMeta(id, 7, "renamed", "new desc"); err != nil {
		t.Fatalf("update meta: %v", err)
	}
	a, _ = s.GetAgent(id)
	if a.Name != "renamed" || a.Description != "new desc" {
		t.Errorf("meta not updated: %+v", a)
	}

	if err := s.SetAgentActive(id, 7, true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	a, _ = s.GetAgent(id)
	if !a.Active {
		t.Error("agent should be active")
	}

	if err := s.DeleteAgent(id, 7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetAgent(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound after delete, got %v", err)
	}
}

func TestOwnershipCollapsesToNotFound(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateAgent(testAgent(7))

	// Foreign owner reads and writes look identical to a missing row.
	if _, err := s.GetAgentOwned(id, 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign get: want ErrNotFound, got %v", err)
	}
	if _, err := s.GetAgentOwned(99999, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing get: want ErrNotFound, got %v", err)
	}
	if err := s.UpdateAgentMeta(id, 8, "x", "y"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign update: want ErrNotFound, got %v", err)
	}
	if err := s.DeleteAgent(id, 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign delete: want ErrNotFound, got %v", err)
	}

	// The row is untouched.
	if _, err := s.GetAgentOwned(id, 7); err != nil {
		t.Errorf("real owner should still see the agent: %v", err)
	}
}

func TestCreateAgentGateRejection(t *testing.T) {
	s := newTestStore(t)
	a := testAgent(1)
	a.Code = "steps:\n  - notify: run exec now\n"
	if _, err := s.CreateAgent(a); err == nil {
		t.Fatal("gate should reject forbidden token")
	}
}

func TestUpdateAgentCodeGateRejection(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateAgent(testAgent(1))

	if err := s.UpdateAgentCode(id, 1, "steps:\n  - log: call os.exit\n"); err == nil {
		t.Fatal("gate should reject forbidden access")
	}
	// Original code survives a rejected update.
	a, _ := s.GetAgent(id)
	if a.Code != "steps:\n  - notify: hello\n" {
		t.Errorf("code changed after rejected update: %q", a.Code)
	}
}

func TestTriggerValidation(t *testing.T) {
	s := newTestStore(t)
	a := testAgent(1)
	a.Trigger = Trigger{Kind: TriggerScheduled} // missing period
	if _, err := s.CreateAgent(a); err == nil {
		t.Fatal("scheduled trigger without period should fail")
	}

	id, _ := s.CreateAgent(testAgent(1))
	if err := s.UpdateAgentTrigger(id, 1, Trigger{Kind: TriggerWebhook}); err == nil {
		t.Fatal("webhook trigger without token should fail")
	}
	if err := s.UpdateAgentTrigger(id, 1, Trigger{Kind: TriggerScheduled, Period: time.Minute}); err != nil {
		t.Fatalf("valid trigger update: %v", err)
	}
	a2, _ := s.GetAgent(id)
	if a2.Trigger.Kind != TriggerScheduled || a2.Trigger.Period != time.Minute {
		t.Errorf("trigger not persisted: %+v", a2.Trigger)
	}
}

func TestWebhookLookup(t *testing.T) {
	s := newTestStore(t)
	a := testAgent(1)
	a.Trigger = Trigger{Kind: TriggerWebhook, WebhookToken: "tok-abc"}
	id, err := s.CreateAgent(a)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetAgentByWebhookToken("tok-abc")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != id {
		t.Errorf("got agent %d, want %d", got.ID, id)
	}
	if _, err := s.GetAgentByWebhookToken("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown token: want ErrNotFound, got %v", err)
	}
	if _, err := s.GetAgentByWebhookToken(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty token: want ErrNotFound, got %v", err)
	}
}

func TestListActiveScheduled(t *testing.T) {
	s := newTestStore(t)

	sched := testAgent(1)
	sched.Trigger = Trigger{Kind: TriggerScheduled, Period: time.Minute}
	schedID, _ := s.CreateAgent(sched)
	s.SetAgentActive(schedID, 1, true)

	inactive := testAgent(1)
	inactive.Trigger = Trigger{Kind: TriggerScheduled, Period: time.Minute}
	s.CreateAgent(inactive)

	manualID, _ := s.CreateAgent(testAgent(1))
	s.SetAgentActive(manualID, 1, true)

	got, err := s.ListActiveScheduled()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != schedID {
		t.Errorf("want only active scheduled agent %d, got %+v", schedID, got)
	}
}

func TestStateRoundTripAndCascade(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateAgent(testAgent(1))

	if v, err := s.GetState(id, "missing"); err != nil || v != nil {
		t.Errorf("missing key: got %v, %v", v, err)
	}

	if err := s.SetState(id, 1, "count", float64(3)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetState(id, 1, "count", float64(4)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := s.GetState(id, "count")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != float64(4) {
		t.Errorf("got %v, want 4", v)
	}

	s.SetState(id, 1, "obj", map[string]any{"a": "b"})
	all, err := s.GetAllState(id)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("want 2 keys, got %v", all)
	}

	if err := s.DeleteAgent(id, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v, _ := s.GetState(id, "count"); v != nil {
		t.Errorf("state should cascade with agent, got %v", v)
	}
}

func TestLogTruncationAndPrune(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateAgent(testAgent(1))

	long := make([]byte, MaxLogMessage+100)
	for i := range long {
		long[i] = 'x'
	}
	if err := s.AppendLog(&LogEntry{AgentID: id, OwnerID: 1, Level: LogInfo, Message: string(long)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	logs, err := s.LogsByAgent(id, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 || len(logs[0].Message) != MaxLogMessage {
		t.Errorf("message not truncated: len=%d", len(logs[0].Message))
	}

	n, err := s.PruneLogs(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	logs, _ = s.LogsByAgent(id, 10, 0)
	if len(logs) != 0 {
		t.Errorf("logs should be gone, got %d", len(logs))
	}
}

func TestLogOrderingNewestFirst(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateAgent(testAgent(1))

	for _, msg := range []string{"first", "second", "third"} {
		s.AppendLog(&LogEntry{AgentID: id, OwnerID: 1, Level: LogInfo, Message: msg})
	}
	logs, _ := s.LogsByAgent(id, 2, 0)
	if len(logs) != 2 || logs[0].Message != "third" || logs[1].Message != "second" {
		t.Errorf("unexpected order: %+v", logs)
	}
	logs, _ = s.LogsByAgent(id, 2, 2)
	if len(logs) != 1 || logs[0].Message != "first" {
		t.Errorf("offset page wrong: %+v", logs)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	agentID, _ := s.CreateAgent(testAgent(1))

	execID, err := s.StartExecution(agentID, 1, TriggerManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	execs, _ := s.ExecutionsByAgent(agentID, 10)
	if len(execs) != 1 || execs[0].Status != ExecRunning {
		t.Fatalf("want one running row, got %+v", execs)
	}

	if err := s.FinishExecution(execID, ExecSuccess, 120, "", "done"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	// Second finish with a different status is a no-op.
	if err := s.FinishExecution(execID, ExecError, 999, "boom", ""); err != nil {
		t.Fatalf("double finish: %v", err)
	}

	execs, _ = s.ExecutionsByAgent(agentID, 10)
	e := execs[0]
	if e.Status != ExecSuccess || e.DurationMs != 120 || e.Summary != "done" {
		t.Errorf("first finish should win: %+v", e)
	}
	if e.FinishedAt == nil {
		t.Error("finished_at should be set")
	}
}

func TestFinishExecutionRejectsRunning(t *testing.T) {
	s := newTestStore(t)
	agentID, _ := s.CreateAgent(testAgent(1))
	execID, _ := s.StartExecution(agentID, 1, TriggerManual)
	if err := s.FinishExecution(execID, ExecRunning, 0, "", ""); err == nil {
		t.Fatal("finishing with status running should fail")
	}
}

func TestStaleRunningReadsAsError(t *testing.T) {
	s := newTestStore(t)
	// Tiny cutoff so a just-started row immediately reads as stale.
	s.staleAfter = time.Nanosecond

	agentID, _ := s.CreateAgent(testAgent(1))
	s.StartExecution(agentID, 1, TriggerScheduled)
	time.Sleep(5 * time.Millisecond)

	execs, _ := s.ExecutionsByAgent(agentID, 10)
	if len(execs) != 1 || execs[0].Status != ExecError {
		t.Fatalf("stale running row should read as error, got %+v", execs)
	}

	// The status filter sees the converted status.
	byStatus, _ := s.ExecutionsByOwner(1, ExecError, 10)
	if len(byStatus) != 1 {
		t.Errorf("status filter should match converted status, got %+v", byStatus)
	}
	running, _ := s.ExecutionsByOwner(1, ExecRunning, 10)
	if len(running) != 0 {
		t.Errorf("no rows should read as running, got %+v", running)
	}
}

func TestReapStaleExecutions(t *testing.T) {
	s := newTestStore(t)
	agentID, _ := s.CreateAgent(testAgent(1))
	s.StartExecution(agentID, 1, TriggerScheduled)

	n, err := s.ReapStaleExecutions(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped %d, want 1", n)
	}
	execs, _ := s.ExecutionsByAgent(agentID, 10)
	if execs[0].Status != ExecError {
		t.Errorf("reaped row should be error, got %+v", execs[0])
	}
}

func TestExecutionsByOwnerFilterFillsPage(t *testing.T) {
	s := newTestStore(t)
	agentID, _ := s.CreateAgent(testAgent(1))

	for i := 0; i < 2; i++ {
		id, _ := s.StartExecution(agentID, 1, TriggerManual)
		s.FinishExecution(id, ExecError, 10, "boom", "")
	}
	// Newer non-matching rows must not eat into the filtered page.
	for i := 0; i < 3; i++ {
		id, _ := s.StartExecution(agentID, 1, TriggerManual)
		s.FinishExecution(id, ExecSuccess, 10, "", "")
	}

	errs, err := s.ExecutionsByOwner(1, ExecError, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(errs) != 2 {
		t.Fatalf("filtered page should be full, got %d rows", len(errs))
	}
	for _, e := range errs {
		if e.Status != ExecError {
			t.Errorf("wrong status in filtered page: %+v", e)
		}
	}
}

func TestExecStats(t *testing.T) {
	s := newTestStore(t)
	agentID, _ := s.CreateAgent(testAgent(1))

	ok, _ := s.StartExecution(agentID, 1, TriggerManual)
	s.FinishExecution(ok, ExecSuccess, 10, "", "")
	bad, _ := s.StartExecution(agentID, 1, TriggerManual)
	s.FinishExecution(bad, ExecError, 10, "boom", "")

	st, err := s.ExecStats(1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 2 || st.Success != 1 || st.Errors != 1 {
		t.Errorf("totals wrong: %+v", st)
	}
	if st.Last24h != 2 || st.Last24hFail != 1 {
		t.Errorf("24h window wrong: %+v", st)
	}

	empty, _ := s.ExecStats(42)
	if empty.Total != 0 {
		t.Errorf("other owner should have empty stats, got %+v", empty)
	}
}

func TestExecStatsCountsStaleRunningAsError(t *testing.T) {
	s := newTestStore(t)
	s.staleAfter = time.Nanosecond

	agentID, _ := s.CreateAgent(testAgent(1))
	s.StartExecution(agentID, 1, TriggerScheduled)
	time.Sleep(5 * time.Millisecond)

	st, err := s.ExecStats(1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 1 || st.Success != 0 || st.Errors != 1 {
		t.Errorf("stale running should count as error: %+v", st)
	}
	if st.Last24h != 1 || st.Last24hFail != 1 {
		t.Errorf("24h window should see the stale error: %+v", st)
	}
}

func TestConversationMemory(t *testing.T) {
	s := newTestStore(t)

	s.AppendMessage(&Message{UserID: 5, SessionID: "s1", Role: "user", Content: "make an agent"})
	s.AppendMessage(&Message{UserID: 5, SessionID: "s1", Role: "assistant", Content: "what schedule?"})
	s.AppendMessage(&Message{UserID: 6, SessionID: "s2", Role: "user", Content: "other user"})

	msgs, err := s.RecentMessages(5, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "assistant" {
		t.Errorf("unexpected transcript: %+v", msgs)
	}

	if err := s.ClearConversation(5); err != nil {
		t.Fatalf("clear: %v", err)
	}
	msgs, _ = s.RecentMessages(5, 10)
	if len(msgs) != 0 {
		t.Errorf("transcript should be empty, got %d", len(msgs))
	}
	other, _ := s.RecentMessages(6, 10)
	if len(other) != 1 {
		t.Errorf("other user's transcript should survive, got %d", len(other))
	}
}

func TestWaitingForInput(t *testing.T) {
	s := newTestStore(t)

	if w, err := s.GetWaitingForInput(5); err != nil || w != nil {
		t.Fatalf("fresh user should not be waiting: %v, %v", w, err)
	}

	if err := s.SetWaitingForInput(5, &Waiting{Kind: "awaiting_schedule", Payload: `{"draft":1}`}); err != nil {
		t.Fatalf("set: %v", err)
	}
	w, err := s.GetWaitingForInput(5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if w == nil || w.Kind != "awaiting_schedule" {
		t.Fatalf("unexpected waiting: %+v", w)
	}

	if err := s.ClearWaitingForInput(5); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if w, _ := s.GetWaitingForInput(5); w != nil {
		t.Errorf("should be cleared, got %+v", w)
	}
}

func TestUserSettings(t *testing.T) {
	s := newTestStore(t)

	if _, ok, _ := s.GetUserSetting(1, "api_key"); ok {
		t.Fatal("missing setting should report absent")
	}
	s.SetUserSetting(1, "api_key", "secret1")
	s.SetUserSetting(1, "api_key", "secret2") // overwrite
	s.SetUserSetting(1, "wallet", "EQabc")

	v, ok, err := s.GetUserSetting(1, "api_key")
	if err != nil || !ok || v != "secret2" {
		t.Errorf("got %q/%v/%v, want secret2", v, ok, err)
	}

	keys, _ := s.ListUserSettingKeys(1)
	if len(keys) != 2 || keys[0] != "api_key" || keys[1] != "wallet" {
		t.Errorf("unexpected keys: %v", keys)
	}

	s.DeleteUserSetting(1, "api_key")
	if _, ok, _ := s.GetUserSetting(1, "api_key"); ok {
		t.Error("deleted setting should be absent")
	}
}

func TestPluginInstall(t *testing.T) {
	s := newTestStore(t)

	installed, _ := s.IsPluginInstalled(1, "weather")
	if installed {
		t.Fatal("should not be installed yet")
	}
	if err := s.InstallPlugin(1, "weather"); err != nil {
		t.Fatalf("install: %v", err)
	}
	// Idempotent.
	if err := s.InstallPlugin(1, "weather"); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	ids, _ := s.ListUserPlugins(1)
	if len(ids) != 1 || ids[0] != "weather" {
		t.Errorf("unexpected plugins: %v", ids)
	}
	installed, _ = s.IsPluginInstalled(1, "weather")
	if !installed {
		t.Error("should be installed")
	}

	s.UninstallPlugin(1, "weather")
	if installed, _ := s.IsPluginInstalled(1, "weather"); installed {
		t.Error("should be uninstalled")
	}
}

func TestMarketplacePurchaseCopies(t *testing.T) {
	s := newTestStore(t)

	listingID, err := s.CreateListing(&Listing{
		SellerID:    1,
		Name:        "ton alert",
		Description: "watches a wallet",
		Code:        "steps:\n  - notify: hi\n",
		TriggerKind: TriggerScheduled,
		Period:      5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	agentID, err := s.PurchaseListing(listingID, 2)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	a, err := s.GetAgentOwned(agentID, 2)
	if err != nil {
		t.Fatalf("buyer should own copy: %v", err)
	}
	if a.Active {
		t.Error("copy should start inactive")
	}
	if a.Trigger.Kind != TriggerScheduled || a.Trigger.Period != 5*time.Minute {
		t.Errorf("trigger not copied: %+v", a.Trigger)
	}
	if state, _ := s.GetAllState(agentID); len(state) != 0 {
		t.Errorf("copy should have empty state, got %v", state)
	}

	// Second purchase returns the same copy, no duplicate agent.
	again, err := s.PurchaseListing(listingID, 2)
	if err != nil {
		t.Fatalf("repurchase: %v", err)
	}
	if again != agentID {
		t.Errorf("repurchase made a new agent: %d vs %d", again, agentID)
	}
	agents, _ := s.ListAgentsByOwner(2)
	if len(agents) != 1 {
		t.Errorf("buyer should have exactly one agent, got %d", len(agents))
	}
}

func TestMarketplaceRejectsWebhookListing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateListing(&Listing{
		SellerID: 1, Name: "x", Code: "steps:\n  - notify: hi\n",
		TriggerKind: TriggerWebhook,
	})
	if err == nil {
		t.Fatal("webhook listing should be rejected")
	}
}

func TestAuthHandshake(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateAuthRequest("tok-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	r, err := s.GetAuthRequest("tok-1")
	if err != nil || r.Status != "pending" {
		t.Fatalf("pending request: %+v, %v", r, err)
	}
	if _, err := s.UserBySessionToken(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty session token should be not found, got %v", err)
	}

	if err := s.ApproveAuthRequest("tok-1", 42, "sess-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Re-approval of a non-pending request fails.
	if err := s.ApproveAuthRequest("tok-1", 43, "sess-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double approve: want ErrNotFound, got %v", err)
	}

	uid, err := s.UserBySessionToken("sess-1")
	if err != nil || uid != 42 {
		t.Errorf("session lookup: got %d, %v", uid, err)
	}
	if _, err := s.GetAuthRequest("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing request: want ErrNotFound, got %v", err)
	}
}
