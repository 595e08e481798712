// Package httpclient implements the REST snapshot client the depth
// resync flow (spec §4.2/§6) calls on demand when a DepthDelta chain is
// broken. The bounded-concurrency client with retry/backoff is
// grounded on the teacher's internal/infrastructure/httpclient.ClientPool;
// rate limiting against the venue host is delegated to
// internal/net/ratelimit.Limiter rather than the teacher's own jitter
// scheme, per the rate-limiting library this domain adopts.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/event"
	"github.com/sawpanic/mdingest/internal/net/ratelimit"
)

// SnapshotConfig configures a SnapshotClient.
type SnapshotConfig struct {
	BaseURL        string
	MaxConcurrency int
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RPS            float64
	Burst          int
	UserAgent      string
}

// DefaultSnapshotConfig returns reasonable defaults for a single venue's
// REST depth snapshot endpoint (spec §6: "Snapshot endpoint used only by
// the depth resync flow; called on demand when the delta chain is broken").
func DefaultSnapshotConfig(baseURL string) SnapshotConfig {
	return SnapshotConfig{
		BaseURL:        baseURL,
		MaxConcurrency: 4,
		RequestTimeout: 5 * time.Second,
		MaxRetries:     3,
		BackoffBase:    200 * time.Millisecond,
		BackoffMax:     5 * time.Second,
		RPS:            5,
		Burst:          5,
		UserAgent:      "mdingest-snapshot-client/1",
	}
}

// DepthSnapshot is a full order-book snapshot as returned by the venue's
// REST depth endpoint, the rebasing point for a broken delta chain.
type DepthSnapshot struct {
	SymbolID      int64
	LastUpdateID  int64
	Bids          []event.PriceLevel
	Asks          []event.PriceLevel
	FetchedAt     time.Time
}

type wireSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// SnapshotClient fetches depth snapshots with bounded concurrency, a
// per-host token-bucket limiter, and exponential backoff on retryable
// failures.
type SnapshotClient struct {
	cfg       SnapshotConfig
	client    *http.Client
	limiter   *ratelimit.Limiter
	semaphore chan struct{}

	mu    sync.Mutex
	stats ClientStats
}

// ClientStats tracks snapshot request outcomes, returned by Stats().
type ClientStats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	RetriedRequests int64
}

// NewSnapshotClient constructs a SnapshotClient against cfg.BaseURL.
func NewSnapshotClient(cfg SnapshotConfig) *SnapshotClient {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &SnapshotClient{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter:   ratelimit.NewLimiter(cfg.RPS, cfg.Burst),
		semaphore: make(chan struct{}, cfg.MaxConcurrency),
	}
}

// FetchDepthSnapshot retrieves the current order book snapshot for
// venueSymbol (the venue's own symbol spelling, e.g. "BTCUSDT"), used to
// re-base a symbol's DepthDelta chain after a gap (spec §4.2 "Depth
// resync policy").
func (c *SnapshotClient) FetchDepthSnapshot(ctx context.Context, symbolID int64, venueSymbol string, depth int) (DepthSnapshot, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return DepthSnapshot{}, ctx.Err()
	}

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return DepthSnapshot{}, fmt.Errorf("httpclient: parse base url: %w", err)
	}
	u.Path = u.Path + "/fapi/v1/depth"
	q := u.Query()
	q.Set("symbol", venueSymbol)
	if depth <= 0 {
		depth = 1000
	}
	q.Set("limit", strconv.Itoa(depth))
	u.RawQuery = q.Encode()

	host := u.Host
	if err := c.limiter.Wait(ctx, host); err != nil {
		return DepthSnapshot{}, fmt.Errorf("httpclient: rate limit wait: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incStat("retried")
			backoff := c.cfg.BackoffBase * time.Duration(1<<uint(attempt))
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
			log.Debug().Dur("backoff", backoff).Int("attempt", attempt).Str("symbol", venueSymbol).Msg("httpclient: retrying snapshot fetch")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return DepthSnapshot{}, ctx.Err()
			}
		}

		snap, err := c.doFetch(ctx, u.String(), host, symbolID)
		if err == nil {
			c.incStat("success")
			return snap, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	c.incStat("failed")
	return DepthSnapshot{}, fmt.Errorf("httpclient: fetch depth snapshot for %s: %w", venueSymbol, lastErr)
}

type retryableStatus struct {
	code int
}

func (e retryableStatus) Error() string { return fmt.Sprintf("HTTP %d", e.code) }

func isRetryable(err error) bool {
	if rs, ok := err.(retryableStatus); ok {
		switch rs.code {
		case 429, 502, 503, 504:
			return true
		}
		return false
	}
	return true // network/timeout errors are retryable
}

func (c *SnapshotClient) doFetch(ctx context.Context, reqURL, host string, symbolID int64) (DepthSnapshot, error) {
	c.incStat("total")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return DepthSnapshot{}, err
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return DepthSnapshot{}, err
	}
	defer resp.Body.Close()

	c.limiter.ReportStatus(host, resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return DepthSnapshot{}, retryableStatus{code: resp.StatusCode}
	}

	var w wireSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return DepthSnapshot{}, fmt.Errorf("decode snapshot body: %w", err)
	}

	return DepthSnapshot{
		SymbolID:     symbolID,
		LastUpdateID: w.LastUpdateID,
		Bids:         levelsFromWire(w.Bids),
		Asks:         levelsFromWire(w.Asks),
		FetchedAt:    time.Now().UTC(),
	}, nil
}

func levelsFromWire(raw [][2]string) []event.PriceLevel {
	out := make([]event.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err1 := strconv.ParseFloat(pair[0], 64)
		qty, err2 := strconv.ParseFloat(pair[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, event.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

// Stats returns a snapshot of the request counters.
func (c *SnapshotClient) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *SnapshotClient) incStat(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case "total":
		c.stats.TotalRequests++
	case "success":
		c.stats.SuccessRequests++
	case "failed":
		c.stats.FailedRequests++
	case "retried":
		c.stats.RetriedRequests++
	}
}
