// Package validate implements the Validator (spec §4.9): per-symbol
// freshness, structure, quality, and frequency checks against the
// configured SLO, aggregated into a pass/fail verdict the Control Plane
// exposes through Validate(). The per-tier staleness thresholds and the
// "worst feed wins" posture are grounded on the teacher's
// internal/data/validate/staleness.go and internal/metrics/freshness.go;
// the quality invariants mirror event.BookTicker.Valid() applied to
// committed book_ticker rows instead of in-flight ones; trade rows are
// not reviewed.
package validate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// Config controls the thresholds of spec §4.9.
type Config struct {
	FreshnessMax       time.Duration
	QualityWindow      time.Duration
	FrequencyWindow    time.Duration
	FrequencyBucket    time.Duration
	ReviewRowCap       int
}

// DefaultConfig returns the spec §4.9 defaults: 5 minute freshness
// bound, quality checked over the last hour, frequency checked over
// the last 10 minutes in 1-minute buckets.
func DefaultConfig() Config {
	return Config{
		FreshnessMax:    5 * time.Minute,
		QualityWindow:   time.Hour,
		FrequencyWindow: 10 * time.Minute,
		FrequencyBucket: time.Minute,
		ReviewRowCap:    50000,
	}
}

// SymbolRef is the minimal identity the Validator needs per active
// symbol; satisfied by symbol.Symbol.
type SymbolRef struct {
	ID    int64
	Venue string
	Code  string
}

// SymbolLister resolves the set of symbols to check, satisfied directly
// by *symbol.Registry through its ListActiveRefs method.
type SymbolLister interface {
	ListActiveRefs(ctx context.Context) ([]SymbolRef, error)
}

// SymbolVerdict is one symbol's per-check result.
type SymbolVerdict struct {
	SymbolID   int64
	Venue      string
	Code       string
	LastSeen   time.Time
	Freshness  bool
	Structure  bool
	Quality    bool
	Frequency  bool
	Pass       bool
	Failures   []string
}

func (v *SymbolVerdict) fail(reason string) {
	v.Failures = append(v.Failures, reason)
}

// Result is the aggregated output of one Validate() call.
type Result struct {
	CheckedAt time.Time
	Pass      bool
	Symbols   []SymbolVerdict
}

// Deps bundles the raw-table repositories the Validator reads from. It
// only reads committed rows; it never mutates store state (spec §4.9).
type Deps struct {
	BookTicker persistence.BookTickerRepo
	Trades     persistence.TradeRepo
}

// Validator computes the spec §4.9 checks on demand.
type Validator struct {
	deps    Deps
	symbols SymbolLister
	cfg     Config
}

// New constructs a Validator.
func New(deps Deps, symbols SymbolLister, cfg Config) *Validator {
	return &Validator{deps: deps, symbols: symbols, cfg: cfg}
}

// Validate runs every check for every active symbol and aggregates the
// result. A symbol with no observed data at all fails every check
// rather than being silently skipped.
func (v *Validator) Validate(ctx context.Context) (Result, error) {
	refs, err := v.symbols.ListActiveRefs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("validate: list active symbols: %w", err)
	}

	now := time.Now().UTC()
	result := Result{CheckedAt: now, Pass: true, Symbols: make([]SymbolVerdict, 0, len(refs))}

	for _, ref := range refs {
		verdict := v.checkSymbol(ctx, ref, now)
		if !verdict.Pass {
			result.Pass = false
			log.Debug().Int64("symbol_id", ref.ID).Strs("failures", verdict.Failures).Msg("validate: symbol failed verdict")
		}
		result.Symbols = append(result.Symbols, verdict)
	}

	return result, nil
}

func (v *Validator) checkSymbol(ctx context.Context, ref SymbolRef, now time.Time) SymbolVerdict {
	verdict := SymbolVerdict{SymbolID: ref.ID, Venue: ref.Venue, Code: ref.Code}

	lastSeen, ok, err := v.deps.BookTicker.LastSeen(ctx, ref.ID)
	if err != nil {
		verdict.fail(fmt.Sprintf("last_seen query failed: %v", err))
		return verdict
	}
	if !ok {
		verdict.fail("no book_ticker data observed")
		return verdict
	}
	verdict.LastSeen = lastSeen

	verdict.Freshness = now.Sub(lastSeen) <= v.cfg.FreshnessMax
	if !verdict.Freshness {
		verdict.fail(fmt.Sprintf("stale: last event %s ago exceeds %s", now.Sub(lastSeen), v.cfg.FreshnessMax))
	}

	window := persistence.TimeRange{From: now.Add(-v.cfg.QualityWindow), To: now}
	rows, err := v.deps.BookTicker.ListBySymbol(ctx, ref.ID, window, v.cfg.ReviewRowCap)
	if err != nil {
		verdict.fail(fmt.Sprintf("quality review query failed: %v", err))
		return verdict
	}

	verdict.Structure, verdict.Quality = checkStructureAndQuality(rows, &verdict)
	verdict.Frequency = v.checkFrequency(rows, now)
	if !verdict.Frequency {
		verdict.fail(fmt.Sprintf("fewer than one event per minute over the last %s", v.cfg.FrequencyWindow))
	}

	verdict.Pass = verdict.Freshness && verdict.Structure && verdict.Quality && verdict.Frequency
	return verdict
}

// checkStructureAndQuality re-applies the book-ticker invariants (spec
// §8) against committed rows: an inverted book or non-positive value
// here indicates corruption downstream of the Normalizer's own reject
// path, since that path should have already stopped it at ingest.
func checkStructureAndQuality(rows []persistence.BookTicker, verdict *SymbolVerdict) (structure, quality bool) {
	structure, quality = true, true
	for _, r := range rows {
		if r.BestBid <= 0 || r.BestAsk <= 0 {
			quality = false
			verdict.fail("non-positive price found in committed rows")
		}
		if r.BidQty < 0 || r.AskQty < 0 {
			quality = false
			verdict.fail("negative quantity found in committed rows")
		}
		if r.BestAsk < r.BestBid {
			quality = false
			verdict.fail("inverted book found in committed rows")
		}
		if r.TsExchange.IsZero() || r.UpdateID < 0 {
			structure = false
			verdict.fail("malformed structure in committed row")
		}
	}
	return structure, quality
}

// checkFrequency requires at least one row in every 1-minute bucket of
// the frequency window, matching spec §4.9 "≥ 1 event per minute in the
// last 10 minutes" read as a per-bucket floor rather than an average.
func (v *Validator) checkFrequency(rows []persistence.BookTicker, now time.Time) bool {
	start := now.Add(-v.cfg.FrequencyWindow)
	buckets := int(v.cfg.FrequencyWindow / v.cfg.FrequencyBucket)
	if buckets <= 0 {
		return true
	}
	seen := make([]bool, buckets)

	for _, r := range rows {
		if r.TsExchange.Before(start) {
			continue
		}
		idx := int(r.TsExchange.Sub(start) / v.cfg.FrequencyBucket)
		if idx >= 0 && idx < buckets {
			seen[idx] = true
		}
	}

	for _, ok := range seen {
		if !ok {
			return false
		}
	}
	return true
}
