// Package control implements the Control Plane (spec §4.8): the single
// serialized surface for Start/Stop/Restart/Status/DBStats/Validate,
// plus the wiring that turns a validated Config into a running
// Symbol Registry + Shard Supervisor + Normalizer + Batch Writers +
// Aggregator + Retention Manager. The operation surface and its single
// control mutex are grounded on the teacher's cmd/cryptorun/main.go
// command dispatch and monitor_main.go's server lifecycle; the
// component wiring itself is new to this domain.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/aggregate"
	"github.com/sawpanic/mdingest/internal/config"
	"github.com/sawpanic/mdingest/internal/infrastructure/db"
	"github.com/sawpanic/mdingest/internal/infrastructure/httpclient"
	"github.com/sawpanic/mdingest/internal/normalize"
	"github.com/sawpanic/mdingest/internal/persistence"
	"github.com/sawpanic/mdingest/internal/retention"
	"github.com/sawpanic/mdingest/internal/stream"
	"github.com/sawpanic/mdingest/internal/symbol"
	"github.com/sawpanic/mdingest/internal/telemetry"
	"github.com/sawpanic/mdingest/internal/validate"
)

// StartOutcome is the three-way result of a Start call (spec §4.8).
type StartOutcome string

const (
	StartAccepted       StartOutcome = "accepted"
	StartAlreadyRunning StartOutcome = "already_running"
	StartInvalid        StartOutcome = "invalid"
)

// Venue is the single venue identity ingested this process, matching
// the spec's "single crypto futures venue" scope note.
const Venue = "binance-futures"

// Engine owns the control mutex and the lifecycle of every ingestion
// component. The zero value is not usable; construct with New.
type Engine struct {
	dbManager *db.Manager

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	lastErr   error
	cfg       config.Config

	cancel context.CancelFunc
	runWG  sync.WaitGroup

	registry   *symbol.Registry
	supervisor *stream.Supervisor
	writers    *writerSet
	counts     *channelCounts
	aggregator *aggregate.Aggregator
	retention  *retention.Manager
	validator  *validate.Validator

	bus     *telemetry.Bus
	metrics *telemetry.Registry
}

// New constructs an Engine bound to a database connection manager and
// the process-wide telemetry bus/registry. It does not start ingestion;
// call Start with a validated Config.
func New(dbManager *db.Manager, bus *telemetry.Bus, metrics *telemetry.Registry) *Engine {
	return &Engine{dbManager: dbManager, bus: bus, metrics: metrics}
}

// Start validates cfg and, if accepted, builds and launches every
// ingestion component. Calling Start while already running returns
// StartAlreadyRunning without disturbing the running instance (spec
// §4.8 idempotency).
func (e *Engine) Start(ctx context.Context, cfg config.Config) (StartOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return StartAlreadyRunning, nil
	}
	if err := cfg.Validate(); err != nil {
		return StartInvalid, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	repo := e.dbManager.Repository()

	registry := symbol.New(symbol.NewPersistenceStore(repo.Symbols))
	if err := registry.Warm(ctx); err != nil {
		cancel()
		return StartInvalid, fmt.Errorf("control: warm symbol registry: %w", err)
	}
	for _, code := range cfg.Symbols {
		if _, err := registry.Resolve(ctx, Venue, code); err != nil {
			cancel()
			return StartInvalid, fmt.Errorf("control: resolve configured symbol %q: %w", code, err)
		}
	}

	aggregator := aggregate.New(aggregate.DefaultConfig(), repo.Aggregates, repo.BookTicker, repo.Trades, registry, e.metrics)
	writers := newWriterSet(repo, e.metrics, cfg.BatchSize, cfg.BatchMaxAge)
	counts := &channelCounts{}

	snapshotClient := httpclient.NewSnapshotClient(httpclient.DefaultSnapshotConfig(cfg.VenueRESTBase))
	resync := NewDepthResync(snapshotClient, registry, e.metrics, e.bus)

	sink := &ingestSink{ctx: runCtx, writers: writers, aggregator: aggregator, counts: counts, resync: resync}

	guard := normalize.NewMADGuard(3.5, 200, 20)
	normalizer := normalize.New(Venue, registry, sink, normalize.WithAnomalyGuard(guard), normalize.WithMetrics(e.metrics))

	plans, err := resolveShardPlans(cfg)
	if err != nil {
		cancel()
		return StartInvalid, err
	}
	supervisor := stream.NewSupervisor(normalizer.Handler(runCtx))
	supervisor.Apply(runCtx, plans)

	retentionMgr := retention.New(repo.Retention, retention.DefaultPolicies(), time.Hour, e.metrics)

	validator := validate.New(validate.Deps{BookTicker: repo.BookTicker, Trades: repo.Trades}, registry, validate.DefaultConfig())

	writers.Start(runCtx)
	e.runWG.Add(2)
	go func() { defer e.runWG.Done(); _ = aggregator.Run(runCtx) }()
	go func() { defer e.runWG.Done(); _ = retentionMgr.Run(runCtx) }()

	e.cancel = cancel
	e.registry = registry
	e.supervisor = supervisor
	e.writers = writers
	e.counts = counts
	e.aggregator = aggregator
	e.retention = retentionMgr
	e.validator = validator
	e.cfg = cfg
	e.running = true
	e.startedAt = time.Now().UTC()
	e.lastErr = nil

	log.Info().Strs("symbols", cfg.Symbols).Int("shards", cfg.Shards).Msg("control: ingestion started")
	return StartAccepted, nil
}

// resolveShardPlans honors an operator-supplied shard plan override
// file if cfg.ShardPlanOverrides names one, falling back to the
// default round-robin partition otherwise (spec §4.8 "shard_plan_overrides").
func resolveShardPlans(cfg config.Config) ([]stream.ShardPlan, error) {
	overrides, err := config.LoadShardPlanOverrides(cfg.ShardPlanOverrides)
	if err != nil {
		return nil, err
	}
	if len(overrides.Shards) == 0 {
		return buildShardPlans(cfg), nil
	}

	channels := make([]string, 0, len(cfg.EnabledChannels()))
	for _, ch := range cfg.EnabledChannels() {
		channels = append(channels, string(ch))
	}

	plans := make([]stream.ShardPlan, 0, len(overrides.Shards))
	for _, o := range overrides.Shards {
		targetCount := o.TargetCount
		if targetCount <= 0 {
			targetCount = 1
		}
		plans = append(plans, stream.ShardPlan{
			Name:        o.Name,
			Channels:    channels,
			Symbols:     o.Symbols,
			TargetCount: targetCount,
			VenueWSBase: cfg.VenueWSBase,
		})
	}
	return plans, nil
}

// buildShardPlans partitions cfg.Symbols round-robin across cfg.Shards
// shard plans, each subscribing to the enabled channel set (spec §4.3).
func buildShardPlans(cfg config.Config) []stream.ShardPlan {
	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = 1
	}
	buckets := make([][]string, shardCount)
	for i, sym := range cfg.Symbols {
		idx := i % shardCount
		buckets[idx] = append(buckets[idx], sym)
	}

	channels := make([]string, 0, len(cfg.EnabledChannels()))
	for _, ch := range cfg.EnabledChannels() {
		channels = append(channels, string(ch))
	}

	plans := make([]stream.ShardPlan, 0, shardCount)
	for i, syms := range buckets {
		if len(syms) == 0 {
			continue
		}
		plans = append(plans, stream.ShardPlan{
			Name:        fmt.Sprintf("shard-%d", i),
			Channels:    channels,
			Symbols:     syms,
			TargetCount: 1,
			VenueWSBase: cfg.VenueWSBase,
		})
	}
	return plans
}

// Stop drains every client and flushes every writer, then tears the
// ingestion components down. Calling Stop when not running is a no-op
// (spec §4.8 idempotency).
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked(ctx)
}

func (e *Engine) stopLocked(ctx context.Context) error {
	if !e.running {
		return nil
	}

	e.supervisor.Shutdown(5 * time.Second)
	e.cancel()
	e.runWG.Wait()

	err := e.writers.Stop(ctx)
	if err != nil {
		e.lastErr = err
		log.Warn().Err(err).Msg("control: stop encountered flush errors")
	}

	e.running = false
	log.Info().Msg("control: ingestion stopped")
	return err
}

// Restart stops the running instance, if any, and starts it again with
// the previous Start call's configuration (spec §4.8: "Restart() = Stop
// + Start with previous config").
func (e *Engine) Restart(ctx context.Context) (StartOutcome, error) {
	e.mu.Lock()
	cfg := e.cfg
	hasPrior := !e.startedAt.IsZero()
	if e.running {
		if err := e.stopLocked(ctx); err != nil {
			e.mu.Unlock()
			return StartInvalid, err
		}
	}
	e.mu.Unlock()

	if !hasPrior {
		return StartInvalid, fmt.Errorf("control: restart: no prior configuration to restart with")
	}
	return e.Start(ctx, cfg)
}

// ConnState is one connection's state for the Status operation.
type ConnState struct {
	Shard string
	State string
}

// Status is the spec §4.8 Status() response.
type Status struct {
	Running        bool
	StartedAt      time.Time
	Shards         map[string][]string
	ChannelRates   map[string]int64
	ConnLatencyP99 float64
	Subscribers    int
	LastError      string
	UnhealthyConns map[string][]string
	DegradedShards map[string]bool
}

// Status returns a snapshot of the running instance, or, when nothing is
// running, a Running: false snapshot carrying only StartedAt and
// LastError.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{Running: e.running, StartedAt: e.startedAt}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	if !e.running {
		return st
	}

	shardStates := e.supervisor.States()
	st.Shards = make(map[string][]string, len(shardStates))
	for name, states := range shardStates {
		labels := make([]string, len(states))
		for i, s := range states {
			labels[i] = s.String()
		}
		st.Shards[name] = labels
	}
	st.ChannelRates = e.counts.snapshot()
	st.Subscribers = e.bus.SubscriberCount()
	st.UnhealthyConns = e.supervisor.UnhealthyConnections()
	st.DegradedShards = e.supervisor.DegradedShards()
	if e.metrics != nil {
		st.ConnLatencyP99 = e.metrics.ConnectionLatencyP99()
	}
	return st
}

// DBStats is the spec §4.8 DBStats() response.
type DBStats struct {
	Symbols []persistence.SymbolCounts
}

// DBStats queries per-symbol committed counts and last-seen timestamps.
func (e *Engine) DBStats(ctx context.Context) (DBStats, error) {
	repo := e.dbManager.Repository()
	counts, err := repo.Stats.SymbolCounts(ctx, time.Now().UTC())
	if err != nil {
		return DBStats{}, fmt.Errorf("control: db_stats: %w", err)
	}
	return DBStats{Symbols: counts}, nil
}

// Validate runs the Validator against the currently committed store
// state. It is available whether or not ingestion is currently running,
// since it only reads already-committed rows.
func (e *Engine) Validate(ctx context.Context) (validate.Result, error) {
	e.mu.Lock()
	validator := e.validator
	e.mu.Unlock()

	if validator == nil {
		repo := e.dbManager.Repository()
		registry := symbol.New(symbol.NewPersistenceStore(repo.Symbols))
		if err := registry.Warm(ctx); err != nil {
			return validate.Result{}, fmt.Errorf("control: validate: warm registry: %w", err)
		}
		validator = validate.New(validate.Deps{BookTicker: repo.BookTicker, Trades: repo.Trades}, registry, validate.DefaultConfig())
	}

	result, err := validator.Validate(ctx)
	if e.bus != nil {
		e.bus.Publish(telemetry.Event{Kind: telemetry.EventValidatorResult, Payload: result})
	}
	return result, err
}
