package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tonpilot-dev/tonpilot/plugin"
	"github.com/tonpilot-dev/tonpilot/runtime"
	"github.com/tonpilot-dev/tonpilot/script"
	"github.com/tonpilot-dev/tonpilot/store"
)

// gateNotifier blocks deliveries until released, to hold a run in flight.
type gateNotifier struct {
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newGateNotifier() *gateNotifier {
	return &gateNotifier{gate: make(chan struct{}), entered: make(chan struct{})}
}

func (n *gateNotifier) NotifyUser(ctx context.Context, userID int64, text string) error {
	n.once.Do(func() { close(n.entered) })
	select {
	case <-n.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type testServer struct {
	store    *store.SQLiteStore
	srv      *httptest.Server
	notifier *gateNotifier
	sched    *runtime.Scheduler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "serve.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	notifier := newGateNotifier()
	reg := plugin.NewRegistry(st)
	reg.Register(plugin.NewClockPlugin())

	router := runtime.NewRouter(runtime.RouterConfig{
		Store:    st,
		Executor: runtime.NewExecutor(2*time.Second, script.Limits{}, nil),
		Notifier: notifier,
		Plugins:  reg,
	})
	sched := runtime.NewScheduler(st, router, false, nil)
	t.Cleanup(sched.Stop)

	s := New(st, router, sched, reg, Config{BotLink: "https://t.me/testbot"}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testServer{store: st, srv: srv, notifier: notifier, sched: sched}
}

// session completes the deeplink handshake for userID and returns the
// session token.
func (ts *testServer) session(t *testing.T, userID int64) string {
	t.Helper()
	var reqResp struct {
		AuthToken string `json:"authToken"`
		BotLink   string `json:"botLink"`
	}
	ts.getJSON(t, "/api/auth/request", "", &reqResp)
	if reqResp.AuthToken == "" || reqResp.BotLink == "" {
		t.Fatalf("handshake response: %+v", reqResp)
	}

	sessionToken := "sess-" + reqResp.AuthToken
	if err := ts.store.ApproveAuthRequest(reqResp.AuthToken, userID, sessionToken); err != nil {
		t.Fatalf("approve: %v", err)
	}

	var check struct {
		Status       string `json:"status"`
		SessionToken string `json:"session_token"`
	}
	ts.getJSON(t, "/api/auth/check/"+reqResp.AuthToken, "", &check)
	if check.Status != "approved" || check.SessionToken != sessionToken {
		t.Fatalf("check after approve: %+v", check)
	}
	return sessionToken
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (ts *testServer) getJSON(t *testing.T, path, token string, into any) {
	t.Helper()
	resp := ts.do(t, http.MethodGet, path, token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: %d %s", path, resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func createAgent(t *testing.T, st *store.SQLiteStore, owner int64, name, code string, trigger store.Trigger, active bool) int64 {
	t.Helper()
	id, err := st.CreateAgent(&store.Agent{OwnerID: owner, Name: name, Code: code, Trigger: trigger})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if active {
		if err := st.SetAgentActive(id, owner, true); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}
	return id
}

func TestAuthHandshakePending(t *testing.T) {
	ts := newTestServer(t)

	var reqResp struct {
		AuthToken string `json:"authToken"`
	}
	ts.getJSON(t, "/api/auth/request", "", &reqResp)

	var check struct {
		Status       string `json:"status"`
		SessionToken string `json:"session_token"`
	}
	ts.getJSON(t, "/api/auth/check/"+reqResp.AuthToken, "", &check)
	if check.Status != "pending" || check.SessionToken != "" {
		t.Fatalf("pre-approval check: %+v", check)
	}

	resp := ts.do(t, http.MethodGet, "/api/auth/check/no-such-token", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown token: %d", resp.StatusCode)
	}
}

func TestBearerRequired(t *testing.T) {
	ts := newTestServer(t)

	for _, token := range []string{"", "bogus"} {
		resp := ts.do(t, http.MethodGet, "/api/agents", token, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: got %d", token, resp.StatusCode)
		}
	}
}

func TestAgentListAndDetail(t *testing.T) {
	ts := newTestServer(t)
	token := ts.session(t, 7)
	code := "steps:\n  - notify: hi\n"
	id := createAgent(t, ts.store, 7, "watcher", code,
		store.Trigger{Kind: store.TriggerScheduled, Period: 5 * time.Minute}, true)

	var list []agentResponse
	ts.getJSON(t, "/api/agents", token, &list)
	if len(list) != 1 || list[0].Name != "watcher" || !list[0].Active {
		t.Fatalf("list: %+v", list)
	}
	if list[0].Trigger.Kind != store.TriggerScheduled || list[0].Trigger.PeriodSeconds != 300 {
		t.Errorf("trigger: %+v", list[0].Trigger)
	}

	var detail agentDetailResponse
	ts.getJSON(t, "/api/agents/"+itoa(id), token, &detail)
	if detail.Code != code {
		t.Errorf("detail code: %q", detail.Code)
	}
}

func TestOwnershipSameShapeAsMissing(t *testing.T) {
	ts := newTestServer(t)
	tokenA := ts.session(t, 1)
	tokenB := ts.session(t, 2)
	id := createAgent(t, ts.store, 1, "private", "steps:\n  - notify: hi\n",
		store.Trigger{Kind: store.TriggerManual}, true)

	foreign := ts.do(t, http.MethodGet, "/api/agents/"+itoa(id), tokenB, nil)
	foreignBody, _ := io.ReadAll(foreign.Body)
	foreign.Body.Close()

	missing := ts.do(t, http.MethodGet, "/api/agents/999999", tokenA, nil)
	missingBody, _ := io.ReadAll(missing.Body)
	missing.Body.Close()

	if foreign.StatusCode != http.StatusNotFound || missing.StatusCode != http.StatusNotFound {
		t.Fatalf("statuses: %d %d", foreign.StatusCode, missing.StatusCode)
	}
	if !bytes.Equal(foreignBody, missingBody) {
		t.Errorf("bodies differ: %s vs %s", foreignBody, missingBody)
	}

	// Run on a foreign agent: same story.
	run := ts.do(t, http.MethodPost, "/api/agents/"+itoa(id)+"/run", tokenB, nil)
	run.Body.Close()
	if run.StatusCode != http.StatusNotFound {
		t.Errorf("foreign run: %d", run.StatusCode)
	}
}

func TestRunAndStop(t *testing.T) {
	ts := newTestServer(t)
	token := ts.session(t, 7)
	id := createAgent(t, ts.store, 7, "runner", "steps:\n  - return: ok\n",
		store.Trigger{Kind: store.TriggerManual}, true)

	resp := ts.do(t, http.MethodPost, "/api/agents/"+itoa(id)+"/run", token, nil)
	var out struct {
		Status string `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || out.Status != string(store.ExecSuccess) {
		t.Fatalf("run: %d %+v", resp.StatusCode, out)
	}

	stop := ts.do(t, http.MethodPost, "/api/agents/"+itoa(id)+"/stop", token, nil)
	stop.Body.Close()
	agent, _ := ts.store.GetAgent(id)
	if agent.Active {
		t.Error("agent should be paused after stop")
	}

	var execs []store.Execution
	ts.getJSON(t, "/api/executions?status=success", token, &execs)
	if len(execs) != 1 {
		t.Errorf("executions: %+v", execs)
	}
}

func TestExecutionsRejectsUnknownStatus(t *testing.T) {
	ts := newTestServer(t)
	token := ts.session(t, 7)

	resp := ts.do(t, http.MethodGet, "/api/executions?status=exploded", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got %d", resp.StatusCode)
	}
}

func TestWebhookDelivery(t *testing.T) {
	ts := newTestServer(t)
	createAgent(t, ts.store, 7, "hooked", "steps:\n  - notify: fired\n",
		store.Trigger{Kind: store.TriggerWebhook, WebhookToken: "hook-tok"}, true)

	// First delivery blocks inside notify; second must get 429.
	type result struct {
		code int
	}
	first := make(chan result)
	go func() {
		resp := ts.do(t, http.MethodPost, "/hook/hook-tok", "", nil)
		resp.Body.Close()
		first <- result{resp.StatusCode}
	}()

	select {
	case <-ts.notifier.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never reached the notifier")
	}

	second := ts.do(t, http.MethodPost, "/hook/hook-tok", "", nil)
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("concurrent delivery: %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}

	close(ts.notifier.gate)
	if r := <-first; r.code != http.StatusOK {
		t.Errorf("first delivery: %d", r.code)
	}

	// Unknown token.
	missing := ts.do(t, http.MethodPost, "/hook/nope", "", nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown token: %d", missing.StatusCode)
	}
}

func TestWebhookPausedAgentLooksGone(t *testing.T) {
	ts := newTestServer(t)
	createAgent(t, ts.store, 7, "asleep", "steps:\n  - notify: no\n",
		store.Trigger{Kind: store.TriggerWebhook, WebhookToken: "sleepy"}, false)

	resp := ts.do(t, http.MethodPost, "/hook/sleepy", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("paused agent: %d", resp.StatusCode)
	}
}

func TestSettingsAndConnectors(t *testing.T) {
	ts := newTestServer(t)
	token := ts.session(t, 7)

	resp := ts.do(t, http.MethodPost, "/api/settings", token, map[string]string{"key": "api_key", "value": "s3cr3t"})
	resp.Body.Close()
	resp = ts.do(t, http.MethodPost, "/api/connectors", token, map[string]string{"name": "github", "secret": "gh-token"})
	resp.Body.Close()

	var settings struct {
		Keys []string `json:"keys"`
	}
	ts.getJSON(t, "/api/settings", token, &settings)
	if len(settings.Keys) != 1 || settings.Keys[0] != "api_key" {
		t.Errorf("settings keys must exclude connectors: %+v", settings.Keys)
	}

	var conns struct {
		Connectors []string `json:"connectors"`
	}
	ts.getJSON(t, "/api/connectors", token, &conns)
	if len(conns.Connectors) != 1 || conns.Connectors[0] != "github" {
		t.Errorf("connectors: %+v", conns.Connectors)
	}

	// The stored value is reachable for agents under the prefixed name.
	v, ok, _ := ts.store.GetUserSetting(7, "connector.github")
	if !ok || v != "gh-token" {
		t.Errorf("stored connector: %q/%v", v, ok)
	}

	del := ts.do(t, http.MethodDelete, "/api/connectors/github", token, nil)
	del.Body.Close()
	ts.getJSON(t, "/api/connectors", token, &conns)
	if len(conns.Connectors) != 0 {
		t.Errorf("after delete: %+v", conns.Connectors)
	}
}

func TestSettingsValuesNeverListed(t *testing.T) {
	ts := newTestServer(t)
	token := ts.session(t, 7)

	resp := ts.do(t, http.MethodPost, "/api/settings", token, map[string]string{"key": "k", "value": "super-secret-value"})
	resp.Body.Close()

	list := ts.do(t, http.MethodGet, "/api/settings", token, nil)
	raw, _ := io.ReadAll(list.Body)
	list.Body.Close()
	if bytes.Contains(raw, []byte("super-secret-value")) {
		t.Error("settings listing leaked a value")
	}
}

func TestPluginInstallLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := ts.session(t, 7)

	type entry struct {
		ID        string `json:"id"`
		Installed bool   `json:"installed"`
	}
	var list []entry
	ts.getJSON(t, "/api/plugins", token, &list)
	if len(list) != 1 || list[0].Installed {
		t.Fatalf("initial list: %+v", list)
	}
	id := list[0].ID

	resp := ts.do(t, http.MethodPost, "/api/plugins/"+id+"/install", token, nil)
	resp.Body.Close()
	ts.getJSON(t, "/api/plugins", token, &list)
	if !list[0].Installed {
		t.Error("plugin should show installed")
	}

	resp = ts.do(t, http.MethodPost, "/api/plugins/does-not-exist/install", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown plugin install: %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodDelete, "/api/plugins/"+id, token, nil)
	resp.Body.Close()
	ts.getJSON(t, "/api/plugins", token, &list)
	if list[0].Installed {
		t.Error("plugin should show uninstalled")
	}
}

func TestStatsAndActivity(t *testing.T) {
	ts := newTestServer(t)
	token := ts.session(t, 7)
	id := createAgent(t, ts.store, 7, "busy-bee", "steps:\n  - return: ok\n",
		store.Trigger{Kind: store.TriggerManual}, true)

	resp := ts.do(t, http.MethodPost, "/api/agents/"+itoa(id)+"/run", token, nil)
	resp.Body.Close()

	var stats store.ExecStats
	ts.getJSON(t, "/api/stats/me", token, &stats)
	if stats.Total != 1 || stats.Success != 1 {
		t.Errorf("stats: %+v", stats)
	}

	var activity []store.LogEntry
	ts.getJSON(t, "/api/activity", token, &activity)
	if len(activity) == 0 {
		t.Error("activity should carry the run's outcome line")
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func TestStartDrainsOnCancel(t *testing.T) {
	ts := newTestServer(t)
	s := New(ts.store, nil, ts.sched, nil, Config{Addr: "127.0.0.1:0"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
