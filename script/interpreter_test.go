package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeHost records calls and serves canned state/secrets.
type fakeHost struct {
	notes     []string
	state     map[string]any
	secrets   map[string]string
	fetches   []FetchStep
	fetchRes  FetchResult
	balance   string
	balErr    error
	pluginOut any
	pluginErr error
	notifyErr error
}

func newFakeHost() *fakeHost {
	return &fakeHost{state: map[string]any{}, secrets: map[string]string{}}
}

func (h *fakeHost) Notify(ctx context.Context, text string) error {
	h.notes = append(h.notes, text)
	return h.notifyErr
}

func (h *fakeHost) GetState(ctx context.Context, key string) (any, error) {
	return h.state[key], nil
}

func (h *fakeHost) SetState(ctx context.Context, key string, value any) error {
	h.state[key] = value
	return nil
}

func (h *fakeHost) Fetch(ctx context.Context, req FetchStep) FetchResult {
	h.fetches = append(h.fetches, req)
	return h.fetchRes
}

func (h *fakeHost) TonBalance(ctx context.Context, address string) (string, error) {
	return h.balance, h.balErr
}

func (h *fakeHost) Secret(ctx context.Context, name string) (string, bool, error) {
	v, ok := h.secrets[name]
	return v, ok, nil
}

func (h *fakeHost) CallPlugin(ctx context.Context, pluginID, op string, args map[string]any) (any, error) {
	return h.pluginOut, h.pluginErr
}

func run(t *testing.T, host Host, src string) (any, error) {
	t.Helper()
	prog, err := Parse(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return NewInterpreter(host, Limits{}, nil).Run(context.Background(), prog)
}

func TestInterpolation(t *testing.T) {
	h := newFakeHost()
	_, err := run(t, h, `
steps:
  - set: {name: "world", price: "8.5"}
  - notify: "hello {{name}}, price {{price}}"
`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.notes) != 1 || h.notes[0] != "hello world, price 8.5" {
		t.Errorf("notes: %v", h.notes)
	}
}

func TestUndefinedVariableKeptVerbatim(t *testing.T) {
	h := newFakeHost()
	_, err := run(t, h, "steps:\n  - notify: \"x is {{missing}}\"\n")
	if err != nil {
		t.Fatal(err)
	}
	if h.notes[0] != "x is {{missing}}" {
		t.Errorf("note: %q", h.notes[0])
	}
}

func TestDottedPathIntoFetchJSON(t *testing.T) {
	h := newFakeHost()
	h.fetchRes = FetchResult{
		Status: 200,
		JSON:   map[string]any{"the_open_network": map[string]any{"usd": 8.25}},
	}
	out, err := run(t, h, `
steps:
  - fetch: "https://api.example.com"
    save: resp
  - return: "{{resp.json.the_open_network.usd}}"
`)
	if err != nil {
		t.Fatal(err)
	}
	if out != 8.25 {
		t.Errorf("result: %v (%T)", out, out)
	}
}

func TestFilters(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"{{name | upper}}", "TON"},
		{"{{name | lower}}", "ton"},
		{"{{padded | trim}}", "x"},
		{"{{empty | default:fallback}}", "fallback"},
		{"{{long | truncate:4}}", "abcd..."},
		{"{{price | round:1}}", "8.3"},
		{"{{price | round:0}}", "8"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			h := newFakeHost()
			src := fmt.Sprintf(`
steps:
  - set: {name: "Ton", padded: "  x  ", empty: "", long: "abcdefgh", price: "8.26"}
  - notify: %q
`, tt.expr)
			if _, err := run(t, h, src); err != nil {
				t.Fatal(err)
			}
			if h.notes[0] != tt.want {
				t.Errorf("got %q, want %q", h.notes[0], tt.want)
			}
		})
	}
}

func TestConditions(t *testing.T) {
	tests := []struct {
		cond string
		want bool
	}{
		{"{{price}} > 8", true},
		{"{{price}} > 9", false},
		{"{{price}} >= 8.5", true},
		{"{{price}} == 8.5", true},
		{"{{price}} != 8.5", false},
		{"{{price}} < 10", true},
		{"{{status}} == ok", true},
		{"{{status}} contains k", true},
		{"{{status}} contains z", false},
		{"{{flag}}", true},
		{"{{empty}}", false},
		{"{{missing}}", true}, // unresolved expression stays literal text, which is truthy
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			h := newFakeHost()
			src := fmt.Sprintf(`
steps:
  - set: {price: "8.5", status: "ok", flag: "true", empty: ""}
  - if: %q
    then:
      - notify: "yes"
    else:
      - notify: "no"
`, tt.cond)
			if _, err := run(t, h, src); err != nil {
				t.Fatal(err)
			}
			want := "no"
			if tt.want {
				want = "yes"
			}
			if h.notes[0] != want {
				t.Errorf("cond %q: got %q", tt.cond, h.notes[0])
			}
		})
	}
}

func TestNestedReturnEndsRun(t *testing.T) {
	h := newFakeHost()
	out, err := run(t, h, `
steps:
  - if: "1"
    then:
      - return: "early"
  - notify: "unreachable"
`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "early" {
		t.Errorf("result: %v", out)
	}
	if len(h.notes) != 0 {
		t.Errorf("steps after return ran: %v", h.notes)
	}
}

func TestStatePersistsThroughHost(t *testing.T) {
	h := newFakeHost()
	h.state["count"] = "2"
	_, err := run(t, h, `
steps:
  - get_state: count
    save: n
  - set_state: {key: seen, value: "{{n}}"}
`)
	if err != nil {
		t.Fatal(err)
	}
	if h.state["seen"] != "2" {
		t.Errorf("state: %v", h.state)
	}
}

func TestNotifyFailureLoggedNotRaised(t *testing.T) {
	h := newFakeHost()
	h.notifyErr = errors.New("telegram down")
	var logs []string
	prog, _ := Parse("steps:\n  - notify: hi\n  - return: done\n")
	out, err := NewInterpreter(h, Limits{}, func(level, msg string) {
		logs = append(logs, level+": "+msg)
	}).Run(context.Background(), prog)
	if err != nil || out != "done" {
		t.Fatalf("run: %v, %v", out, err)
	}
	if len(logs) != 1 || !strings.Contains(logs[0], "notify failed") {
		t.Errorf("logs: %v", logs)
	}
}

func TestBalanceErrorBecomesStructuredValue(t *testing.T) {
	h := newFakeHost()
	h.balErr = errors.New("toncenter 503")
	out, err := run(t, h, `
steps:
  - ton_balance: "EQabc"
    save: bal
  - return: "{{bal.error}}"
`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "toncenter 503" {
		t.Errorf("result: %v", out)
	}
}

func TestPluginErrorBecomesStructuredValue(t *testing.T) {
	h := newFakeHost()
	h.pluginErr = errors.New("not_installed: price")
	out, err := run(t, h, `
steps:
  - plugin: {id: price, op: quote}
    save: q
  - if: "{{q.error}} contains not_installed"
    then:
      - return: "degraded"
`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "degraded" {
		t.Errorf("result: %v", out)
	}
}

func TestSecretMissingIsNil(t *testing.T) {
	h := newFakeHost()
	_, err := run(t, h, `
steps:
  - secret: api_key
    save: k
  - if: "{{k}}"
    then:
      - notify: "have it"
    else:
      - notify: "unset"
`)
	if err != nil {
		t.Fatal(err)
	}
	if h.notes[0] != "unset" {
		t.Errorf("notes: %v", h.notes)
	}
}

func TestStepBudget(t *testing.T) {
	h := newFakeHost()
	prog, _ := Parse("steps:\n  - notify: a\n  - notify: b\n  - notify: c\n")
	_, err := NewInterpreter(h, Limits{MaxSteps: 2}, nil).Run(context.Background(), prog)
	if !errors.Is(err, ErrStepBudget) {
		t.Fatalf("want step budget error, got %v", err)
	}
}

func TestVariableByteCap(t *testing.T) {
	h := newFakeHost()
	big := strings.Repeat("x", 512)
	prog, _ := Parse(fmt.Sprintf("steps:\n  - set: {a: %q}\n  - set: {b: %q}\n", big, big))
	_, err := NewInterpreter(h, Limits{MaxVariableBytes: 600}, nil).Run(context.Background(), prog)
	if !errors.Is(err, ErrMemoryExhausted) {
		t.Fatalf("want memory error, got %v", err)
	}
}

func TestDeadlineStopsBetweenSteps(t *testing.T) {
	h := newFakeHost()
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	prog, _ := Parse("steps:\n  - notify: never\n")
	_, err := NewInterpreter(h, Limits{}, nil).Run(ctx, prog)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline error, got %v", err)
	}
	if len(h.notes) != 0 {
		t.Error("no step should run past the deadline")
	}
}

func TestFetchTemplatesInterpolated(t *testing.T) {
	h := newFakeHost()
	_, err := run(t, h, `
steps:
  - set: {base: "https://api.example.com", tok: "abc"}
  - fetch:
      url: "{{base}}/v1"
      headers:
        Authorization: "Bearer {{tok}}"
`)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.fetches) != 1 {
		t.Fatalf("fetches: %d", len(h.fetches))
	}
	f := h.fetches[0]
	if f.URL != "https://api.example.com/v1" || f.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("fetch: %+v", f)
	}
}
