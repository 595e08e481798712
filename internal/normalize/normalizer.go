// Package normalize implements the Event Normalizer (spec §4.4): the
// stateless transform from a parsed wire frame into an internal record
// stamped with a resolved symbol id and ts_ingest; no provenance envelope
// is attached. It
// rejects invariant-violating frames rather than repairing them, and
// optionally screens for anomalous values the way the teacher's
// validation layer does (internal/data/validate/anomaly.go).
package normalize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/event"
	"github.com/sawpanic/mdingest/internal/stream"
	"github.com/sawpanic/mdingest/internal/symbol"
)

// Resolver resolves a venue+code pair to an internal symbol id, warming
// lazily. Satisfied by *symbol.Registry.
type Resolver interface {
	Resolve(ctx context.Context, venue, code string) (int64, error)
}

// Sink receives normalized records. Each method is called synchronously
// from the Normalizer's processing goroutine; implementations (the
// Batch Writer) must not block for long.
type Sink interface {
	BookTicker(event.BookTicker)
	Trade(event.Trade)
	Depth(event.DepthDelta)
	MarkPrice(event.MarkPrice)
	ForceOrder(event.ForceOrder)
}

// AnomalyGuard screens a normalized record for statistical outliers
// before it reaches the sink, grounded on the teacher's MAD z-score
// checker. It is optional; a nil guard disables the screen.
type AnomalyGuard interface {
	CheckPrice(symbolID int64, field string, value float64) (bool, float64)
}

// rejectLogLimiter rate-limits the "dropping invariant-violating frame"
// warning per symbol so a persistently bad feed does not flood the logs.
type rejectLogLimiter struct {
	mu       sync.Mutex
	lastWarn map[int64]time.Time
	every    time.Duration
}

func newRejectLogLimiter(every time.Duration) *rejectLogLimiter {
	return &rejectLogLimiter{lastWarn: make(map[int64]time.Time), every: every}
}

func (r *rejectLogLimiter) allow(symbolID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastWarn[symbolID]
	now := time.Now()
	if ok && now.Sub(last) < r.every {
		return false
	}
	r.lastWarn[symbolID] = now
	return true
}

// Metrics is the subset of the telemetry bus the Normalizer reports to.
type Metrics interface {
	IncRejected(venue, channel, reason string)
	IncAnomaly(venue, channel string)
}

// Normalizer turns ParsedFrame values from one or more stream.Conn
// instances into internal event records, rejecting anything that fails
// validation and forwarding everything else to Sink.
type Normalizer struct {
	venue    string
	resolver Resolver
	sink     Sink
	guard    AnomalyGuard
	metrics  Metrics

	rejects *rejectLogLimiter
}

// Option configures optional Normalizer behavior.
type Option func(*Normalizer)

// WithAnomalyGuard enables the MAD-based outlier screen.
func WithAnomalyGuard(g AnomalyGuard) Option {
	return func(n *Normalizer) { n.guard = g }
}

// WithMetrics wires the normalizer to report rejects and anomalies.
func WithMetrics(m Metrics) Option {
	return func(n *Normalizer) { n.metrics = m }
}

// New constructs a Normalizer for one venue.
func New(venue string, resolver Resolver, sink Sink, opts ...Option) *Normalizer {
	n := &Normalizer{
		venue:    venue,
		resolver: resolver,
		sink:     sink,
		rejects:  newRejectLogLimiter(10 * time.Second),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Handler adapts the Normalizer to stream.Handler, suitable for passing
// directly to stream.New / stream.NewSupervisor.
func (n *Normalizer) Handler(ctx context.Context) stream.Handler {
	return func(seq uint64, frame *stream.ParsedFrame) {
		n.Process(ctx, frame)
	}
}

// Process resolves the frame's symbol, validates the typed payload, and
// forwards a valid record to the sink. Invalid frames are dropped with a
// rate-limited warning rather than propagated, since a single malformed
// venue message must never stall the read loop behind it (spec §4.4).
func (n *Normalizer) Process(ctx context.Context, frame *stream.ParsedFrame) {
	if frame == nil {
		return
	}

	symbolID, err := n.resolver.Resolve(ctx, n.venue, frame.RawSymbol)
	if err != nil {
		log.Warn().Err(err).Str("venue", n.venue).Str("symbol", frame.RawSymbol).Msg("normalize: symbol resolution failed, dropping frame")
		return
	}

	switch {
	case frame.BookTicker != nil:
		n.processBookTicker(symbolID, *frame.BookTicker)
	case frame.Trade != nil:
		n.processTrade(symbolID, *frame.Trade)
	case frame.Depth != nil:
		n.processDepth(symbolID, *frame.Depth)
	case frame.MarkPrice != nil:
		n.processMarkPrice(symbolID, *frame.MarkPrice)
	case frame.ForceOrder != nil:
		n.processForceOrder(symbolID, *frame.ForceOrder)
	}
}

func (n *Normalizer) reject(channel, reason string, symbolID int64) {
	if n.metrics != nil {
		n.metrics.IncRejected(n.venue, channel, reason)
	}
	if n.rejects.allow(symbolID) {
		log.Warn().Str("venue", n.venue).Str("channel", channel).Int64("symbol_id", symbolID).Str("reason", reason).Msg("normalize: rejected invariant-violating frame")
	}
}

func (n *Normalizer) processBookTicker(symbolID int64, bt event.BookTicker) {
	bt.SymbolID = symbolID
	bt.TsIngest = time.Now().UTC()

	if err := bt.Valid(); err != nil {
		n.reject("bookTicker", err.Error(), symbolID)
		return
	}
	if n.checkAnomaly(symbolID, "bookTicker", "mid", bt.Mid()) {
		return
	}
	n.sink.BookTicker(bt)
}

func (n *Normalizer) processTrade(symbolID int64, tr event.Trade) {
	tr.SymbolID = symbolID
	tr.TsIngest = time.Now().UTC()

	if err := tr.Valid(); err != nil {
		n.reject("aggTrade", err.Error(), symbolID)
		return
	}
	if n.checkAnomaly(symbolID, "aggTrade", "price", tr.Price) {
		return
	}
	n.sink.Trade(tr)
}

func (n *Normalizer) processDepth(symbolID int64, d event.DepthDelta) {
	d.SymbolID = symbolID
	d.TsIngest = time.Now().UTC()

	if d.FirstUpdateID > d.FinalUpdateID {
		n.reject("depth", fmt.Sprintf("first_update_id %d > final_update_id %d", d.FirstUpdateID, d.FinalUpdateID), symbolID)
		return
	}
	n.sink.Depth(d)
}

func (n *Normalizer) processMarkPrice(symbolID int64, mp event.MarkPrice) {
	mp.SymbolID = symbolID
	mp.TsIngest = time.Now().UTC()

	if mp.MarkPrice <= 0 || mp.IndexPrice <= 0 {
		n.reject("markPrice", "non-positive mark or index price", symbolID)
		return
	}
	n.sink.MarkPrice(mp)
}

func (n *Normalizer) processForceOrder(symbolID int64, fo event.ForceOrder) {
	fo.SymbolID = symbolID
	fo.TsIngest = time.Now().UTC()

	if fo.Price <= 0 || fo.Qty <= 0 {
		n.reject("forceOrder", "non-positive price or qty", symbolID)
		return
	}
	n.sink.ForceOrder(fo)
}

// checkAnomaly runs the optional MAD guard; it reports but never drops
// on its own, since a statistical outlier is not necessarily wrong data
// (spec §4.4 distinguishes a structural reject from a quality flag
// surfaced to the Validator). Returning true here would drop the frame;
// currently the guard only emits telemetry, matching the teacher's
// "quarantine not discard" posture in anomaly.go.
func (n *Normalizer) checkAnomaly(symbolID int64, channel, field string, value float64) bool {
	if n.guard == nil {
		return false
	}
	isAnomaly, score := n.guard.CheckPrice(symbolID, field, value)
	if isAnomaly {
		if n.metrics != nil {
			n.metrics.IncAnomaly(n.venue, channel)
		}
		log.Debug().Str("venue", n.venue).Str("channel", channel).Int64("symbol_id", symbolID).Float64("mad_score", score).Msg("normalize: anomalous value flagged")
	}
	return false
}

// Resolver is implemented by *symbol.Registry; this assertion keeps the
// interface honest without importing symbol into tests that fake it.
var _ Resolver = (*symbol.Registry)(nil)
