package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tonpilot-dev/tonpilot/script"
	"github.com/tonpilot-dev/tonpilot/store"
)

// Notifier delivers agent messages to users. Implemented by the chat
// transport.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, text string) error
}

// BalanceReader reads on-chain wallet balances. Implemented by ton.Client.
type BalanceReader interface {
	Balance(ctx context.Context, address string) (string, error)
}

// PluginCaller invokes installed plugin operations. Implemented by
// plugin.Registry.
type PluginCaller interface {
	Call(ctx context.Context, userID int64, pluginID, op string, args map[string]any) (any, error)
}

// maxFetchBody caps response bodies read into a script variable.
const maxFetchBody = 512 << 10

// defaultFetchTimeout applies when a fetch step names no timeout. The
// surrounding executor deadline still wins when it is nearer.
const defaultFetchTimeout = 10 * time.Second

// agentHost binds the host-call surface to one agent for one invocation.
// The interpreter only sees this; agent and owner identity never leak into
// script code.
type agentHost struct {
	agentID  int64
	ownerID  int64
	store    store.Store
	notifier Notifier
	balances BalanceReader
	plugins  PluginCaller
	http     *http.Client
}

var _ script.Host = (*agentHost)(nil)

func (h *agentHost) Notify(ctx context.Context, text string) error {
	if h.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	return h.notifier.NotifyUser(ctx, h.ownerID, text)
}

func (h *agentHost) GetState(ctx context.Context, key string) (any, error) {
	return h.store.GetState(h.agentID, key)
}

func (h *agentHost) SetState(ctx context.Context, key string, value any) error {
	return h.store.SetState(h.agentID, h.ownerID, key, value)
}

// Fetch performs the HTTP request. The effective timeout is the step's own
// timeout (default 10s) clipped to whatever remains of the executor budget;
// failures come back inside the result.
func (h *agentHost) Fetch(ctx context.Context, req script.FetchStep) script.FetchResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return script.FetchResult{Err: "no time remaining"}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(fetchCtx, req.Method, req.URL, body)
	if err != nil {
		return script.FetchResult{Err: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return script.FetchResult{Err: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return script.FetchResult{Status: resp.StatusCode, Err: "read body: " + err.Error()}
	}

	result := script.FetchResult{
		Status:  resp.StatusCode,
		Headers: make(map[string]string, len(resp.Header)),
		Body:    string(raw),
	}
	for k := range resp.Header {
		result.Headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	// Decode JSON opportunistically so scripts can use {{res.json.field}}.
	trimmed := strings.TrimSpace(result.Body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			result.JSON = parsed
		}
	}
	return result
}

func (h *agentHost) TonBalance(ctx context.Context, address string) (string, error) {
	if h.balances == nil {
		return "", fmt.Errorf("balance reads not configured")
	}
	return h.balances.Balance(ctx, address)
}

func (h *agentHost) Secret(ctx context.Context, name string) (string, bool, error) {
	return h.store.GetUserSetting(h.ownerID, name)
}

func (h *agentHost) CallPlugin(ctx context.Context, pluginID, op string, args map[string]any) (any, error) {
	if h.plugins == nil {
		return nil, fmt.Errorf("plugins not configured")
	}
	return h.plugins.Call(ctx, h.ownerID, pluginID, op, args)
}
