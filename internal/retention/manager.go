// Package retention implements the Retention/Compression Manager (spec
// §4.7): per-table age-based compress/drop policies on a schedule, never
// run concurrently on the same table, reporting outcomes to telemetry.
// The periodic-job dispatch loop is grounded on the teacher's
// internal/scheduler.Scheduler; the policy table itself is new to this
// domain (the teacher's scheduler runs momentum-scan jobs, not table
// maintenance).
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// Policy is one table's age-based maintenance rule.
type Policy struct {
	Table          string
	CompressAfter  time.Duration
	DropAfter      time.Duration
}

// DefaultPolicies returns the spec §4.7 defaults: raw book/trade 30
// days, depth 7 days, aggregates 180 days, compression after 7 days
// (aggregates) / 1 day (depth).
func DefaultPolicies() []Policy {
	return []Policy{
		{Table: "book_ticker", DropAfter: 30 * 24 * time.Hour},
		{Table: "trades", DropAfter: 30 * 24 * time.Hour},
		{Table: "depth_deltas", CompressAfter: 24 * time.Hour, DropAfter: 7 * 24 * time.Hour},
		{Table: "bt_1s", CompressAfter: 7 * 24 * time.Hour, DropAfter: 180 * 24 * time.Hour},
		{Table: "trade_1s", CompressAfter: 7 * 24 * time.Hour, DropAfter: 180 * 24 * time.Hour},
		{Table: "core_1s_24h", CompressAfter: 7 * 24 * time.Hour, DropAfter: 180 * 24 * time.Hour},
	}
}

// Outcome reports the result of one policy execution.
type Outcome struct {
	Table       string
	Action      string // "compress" or "drop"
	ChunksOK    int
	Err         error
	RanAt       time.Time
	Duration    time.Duration
}

// Metrics is the telemetry sink for retention outcomes.
type Metrics interface {
	RecordRetentionOutcome(Outcome)
}

// Manager executes Policy rules against persistence.RetentionRepo on a
// fixed interval, serializing execution per table with a per-table
// mutex so compress and drop for the same table never overlap.
type Manager struct {
	repo     persistence.RetentionRepo
	policies []Policy
	interval time.Duration
	metrics  Metrics

	tableLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New constructs a Manager. interval is how often the full policy set
// is evaluated; a policy whose threshold has not been crossed since the
// last run is a cheap no-op query, not skipped entirely, so the
// implementation stays simple and idempotent.
func New(repo persistence.RetentionRepo, policies []Policy, interval time.Duration, metrics Metrics) *Manager {
	return &Manager{
		repo:       repo,
		policies:   policies,
		interval:   interval,
		metrics:    metrics,
		tableLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(table string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.tableLocks[table]
	if !ok {
		l = &sync.Mutex{}
		m.tableLocks[table] = l
	}
	return l
}

// Run executes the policy set on a ticker until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce evaluates every policy exactly once, one table at a time
// serialized by the table's lock but tables running concurrently with
// each other.
func (m *Manager) RunOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range m.policies {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.applyPolicy(ctx, p)
		}()
	}
	wg.Wait()
}

func (m *Manager) applyPolicy(ctx context.Context, p Policy) {
	lock := m.lockFor(p.Table)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	if p.CompressAfter > 0 {
		m.runOne(ctx, p.Table, "compress", now.Add(-p.CompressAfter), m.repo.CompressOlderThan)
	}
	if p.DropAfter > 0 {
		m.runOne(ctx, p.Table, "drop", now.Add(-p.DropAfter), m.repo.DropOlderThan)
	}
}

func (m *Manager) runOne(ctx context.Context, table, action string, cutoff time.Time, fn func(context.Context, string, time.Time) (int, error)) {
	start := time.Now()
	count, err := fn(ctx, table, cutoff)
	outcome := Outcome{
		Table:    table,
		Action:   action,
		ChunksOK: count,
		Err:      err,
		RanAt:    start,
		Duration: time.Since(start),
	}

	if err != nil {
		log.Warn().Err(err).Str("table", table).Str("action", action).Msg("retention: policy failed")
	} else {
		log.Info().Str("table", table).Str("action", action).Int("chunks", count).Msg("retention: policy applied")
	}

	if m.metrics != nil {
		m.metrics.RecordRetentionOutcome(outcome)
	}
}
