package plugin

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

// PricePlugin quotes token prices from a coingecko-compatible API.
type PricePlugin struct {
	baseURL    string
	httpClient *http.Client
}

// DefaultPriceURL is the public coingecko endpoint.
const DefaultPriceURL = "https://api.coingecko.com/api/v3"

// NewPricePlugin builds the price plugin. An empty baseURL uses the public
// endpoint.
func NewPricePlugin(baseURL string) *PricePlugin {
	if baseURL == "" {
		baseURL = DefaultPriceURL
	}
	return &PricePlugin{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *PricePlugin) ID() string       { return "price" }
func (p *PricePlugin) Describe() string { return "Token price quotes (USD)" }
func (p *PricePlugin) Ops() []string    { return []string{"quote"} }

func (p *PricePlugin) Call(ctx context.Context, op string, args map[string]any) (any, error) {
	if op != "quote" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	token, _ := args["token"].(string)
	if token == "" {
		token = "the-open-network"
	}

	q := url.Values{"ids": {token}, "vs_currencies": {"usd"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("price api: read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price api: status %d", resp.StatusCode)
	}

	var quotes map[string]map[string]json.Number
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("price api: decode: %w", err)
	}
	usd, ok := quotes[token]["usd"]
	if !ok {
		return nil, fmt.Errorf("price api: no quote for %q", token)
	}
	price, err := decimal.NewFromString(usd.String())
	if err != nil {
		return nil, fmt.Errorf("price api: bad price %q: %w", usd, err)
	}
	return map[string]any{"token": token, "usd": price.String()}, nil
}

// ClockPlugin exposes wall-clock reads so schedules can branch on time of
// day without a fetch.
type ClockPlugin struct {
	// now is swappable for tests.
	now func() time.Time
}

// NewClockPlugin builds the clock plugin.
func NewClockPlugin() *ClockPlugin {
	return &ClockPlugin{now: time.Now}
}

func (p *ClockPlugin) ID() string       { return "clock" }
func (p *ClockPlugin) Describe() string { return "Current time, date, and weekday" }
func (p *ClockPlugin) Ops() []string    { return []string{"now"} }

func (p *ClockPlugin) Call(ctx context.Context, op string, args map[string]any) (any, error) {
	if op != "now" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	t := p.now().UTC()
	if tz, _ := args["tz"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("clock: unknown timezone %q", tz)
		}
		t = t.In(loc)
	}
	return map[string]any{
		"iso":     t.Format(time.RFC3339),
		"date":    t.Format("2006-01-02"),
		"time":    t.Format("15:04"),
		"weekday": t.Weekday().String(),
		"hour":    t.Hour(),
	}, nil
}

// RegisterBuiltins wires the stock plugins into a registry. priceURL may be
// empty for the public endpoint.
func RegisterBuiltins(r *Registry, priceURL string) {
	r.Register(NewPricePlugin(priceURL))
	r.Register(NewClockPlugin())
}
