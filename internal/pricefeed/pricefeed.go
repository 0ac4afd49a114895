// Package pricefeed supplies last-traded prices per symbol. Prices come
// from an external ticker API and are refreshed by a fixed-interval poller;
// staleness up to one interval is accepted. A zero price means "unknown" —
// callers must suppress order execution rather than trade at zero.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSymbol is returned for a symbol that fails validation.
	ErrInvalidSymbol = errors.New("pricefeed: invalid symbol")
)

// symbolRegex matches exchange-style ticker symbols, e.g. BTCUSDT.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

// NormalizeSymbol upper-cases and validates a symbol.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// Source supplies the last known price for a symbol. A zero decimal means
// the price is unknown; Source implementations never return an error for
// that case — lookup failures degrade to "unknown", not to a surfaced error.
type Source interface {
	Price(ctx context.Context, symbol string) decimal.Decimal
}

// --- HTTP client ---

// Client fetches spot prices from a ticker endpoint returning
// {"symbol": "...", "price": "..."}.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a ticker API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type tickerResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// FetchPrice queries the ticker endpoint for one symbol.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, url.QueryEscape(symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("pricefeed: ticker returned %d for %s", resp.StatusCode, symbol)
	}

	var tr tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return decimal.Zero, err
	}
	return tr.Price, nil
}

// --- Polling cache ---

// Poller caches the last fetched price per tracked symbol and refreshes
// tracked symbols at a fixed interval. A symbol becomes tracked on its
// first lookup, which fetches synchronously; later lookups are served from
// the cache. Refresh failures keep the previous price.
type Poller struct {
	client   *Client
	interval time.Duration

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewPoller creates a poller around a ticker client.
func NewPoller(client *Client, interval time.Duration) *Poller {
	return &Poller{
		client:   client,
		interval: interval,
		prices:   make(map[string]decimal.Decimal),
	}
}

// Price implements Source. Unknown symbols are fetched synchronously and
// then tracked; on fetch failure it returns zero ("unknown").
func (p *Poller) Price(ctx context.Context, symbol string) decimal.Decimal {
	p.mu.RLock()
	price, ok := p.prices[symbol]
	p.mu.RUnlock()
	if ok {
		return price
	}

	price, err := p.client.FetchPrice(ctx, symbol)
	if err != nil {
		slog.Debug("price fetch failed", "symbol", symbol, "err", err)
		return decimal.Zero
	}

	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
	return price
}

// Run refreshes all tracked symbols until ctx is cancelled. Must be called
// in a goroutine.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *Poller) refresh(ctx context.Context) {
	p.mu.RLock()
	symbols := make([]string, 0, len(p.prices))
	for s := range p.prices {
		symbols = append(symbols, s)
	}
	p.mu.RUnlock()

	for _, symbol := range symbols {
		price, err := p.client.FetchPrice(ctx, symbol)
		if err != nil {
			// Keep the stale price; staleness is bounded by the interval.
			slog.Debug("price refresh failed", "symbol", symbol, "err", err)
			continue
		}
		p.mu.Lock()
		p.prices[symbol] = price
		p.mu.Unlock()
	}
}

// --- Static source ---

// Static is a fixed in-memory Source for tests and for running without a
// configured feed.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates an empty static source.
func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal)}
}

// Set fixes the price for a symbol.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// Price implements Source.
func (s *Static) Price(_ context.Context, symbol string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prices[symbol]
}
