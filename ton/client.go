// Package ton reads TON blockchain wallet balances through a
// toncenter-compatible HTTP API.
package ton

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBaseURL is the public toncenter endpoint.
const DefaultBaseURL = "https://toncenter.com/api/v2"

// nanotonsPerTon converts the API's integer nanoton amounts to TON.
var nanotonsPerTon = decimal.NewFromInt(1_000_000_000)

// Client queries wallet balances.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey sets the toncenter API key (higher rate limits).
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a balance client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type balanceResponse struct {
	OK     bool   `json:"ok"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// Balance returns the wallet balance in TON as a decimal string
// (e.g. "1.234567891"). The address is passed through unvalidated; the API
// rejects malformed addresses.
func (c *Client) Balance(ctx context.Context, address string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("address is required")
	}

	q := url.Values{"address": {address}}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/getAddressBalance?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ton api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("ton api: read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ton api: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var br balanceResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return "", fmt.Errorf("ton api: decode: %w", err)
	}
	if !br.OK {
		return "", fmt.Errorf("ton api: %s", br.Error)
	}

	nanotons, err := decimal.NewFromString(br.Result)
	if err != nil {
		return "", fmt.Errorf("ton api: bad balance %q: %w", br.Result, err)
	}
	return nanotons.Div(nanotonsPerTon).String(), nil
}
