// Package event defines the internal record shapes produced by the
// Normalizer from venue wire frames, and a Provenance envelope type for
// freshness/quality lineage. The Normalizer does not attach a Provenance
// to the records it emits.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// BookTicker is the top-of-book snapshot for a symbol at an instant.
type BookTicker struct {
	SymbolID   int64
	TsExchange time.Time
	TsIngest   time.Time
	UpdateID   int64 // 0 when the venue does not provide one
	BestBid    float64
	BestAsk    float64
	BidQty     float64
	AskQty     float64
}

// Spread returns ask - bid.
func (b BookTicker) Spread() float64 { return b.BestAsk - b.BestBid }

// Mid returns the arithmetic mean of bid and ask.
func (b BookTicker) Mid() float64 { return (b.BestAsk + b.BestBid) / 2 }

// Valid enforces the invariants of spec §3/§8 for a BookTicker row.
func (b BookTicker) Valid() error {
	if b.BestBid <= 0 {
		return fmt.Errorf("event: best_bid must be positive, got %v", b.BestBid)
	}
	if b.BestAsk < b.BestBid {
		return fmt.Errorf("event: best_ask %v below best_bid %v", b.BestAsk, b.BestBid)
	}
	if b.BidQty < 0 || b.AskQty < 0 {
		return fmt.Errorf("event: negative quantity in book ticker")
	}
	return nil
}

// Trade is a venue-side aggregate trade event.
type Trade struct {
	SymbolID      int64
	TsExchange    time.Time
	TsIngest      time.Time
	AggTradeID    int64
	Price         float64
	Qty           float64
	BuyerIsMaker  bool
}

// Valid enforces price > 0, qty > 0.
func (t Trade) Valid() error {
	if t.Price <= 0 {
		return fmt.Errorf("event: trade price must be positive, got %v", t.Price)
	}
	if t.Qty <= 0 {
		return fmt.Errorf("event: trade qty must be positive, got %v", t.Qty)
	}
	return nil
}

// PriceLevel is a single [price, qty] entry in a depth delta.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// DepthDelta is a raw incremental order book update, preserved verbatim
// (no top-N flattening at ingest time, per design notes).
type DepthDelta struct {
	SymbolID           int64
	TsExchange         time.Time
	TsIngest           time.Time
	FirstUpdateID      int64
	FinalUpdateID      int64
	PrevFinalUpdateID  *int64 // nil when the venue omits it or this is the first event after resync
	BidChanges         []PriceLevel
	AskChanges         []PriceLevel
}

// ContinuesFrom reports whether this delta chains directly off prev
// (first_update_id == prev.final_update_id + 1).
func (d DepthDelta) ContinuesFrom(prevFinalUpdateID int64) bool {
	return d.FirstUpdateID == prevFinalUpdateID+1
}

// MarkPrice is the optional mark/index price channel.
type MarkPrice struct {
	SymbolID        int64
	TsExchange      time.Time
	TsIngest        time.Time
	MarkPrice       float64
	IndexPrice      float64
	FundingRate     *float64
	NextFundingTime *time.Time
}

// ForceOrder is the optional liquidation channel.
type ForceOrder struct {
	SymbolID   int64
	TsExchange time.Time
	TsIngest   time.Time
	Side       string
	Price      float64
	Qty        float64
	RawPayload []byte
}

// SourceTier identifies which layer an event's provenance came from.
// Ingestion always originates Hot; Warm/Cold are reserved for the REST
// snapshot path used during depth resync.
type SourceTier string

const (
	TierHot  SourceTier = "hot"
	TierWarm SourceTier = "warm"
	TierCold SourceTier = "cold"
)

// Provenance tracks data lineage and quality for one normalized event.
// Nothing in this repository builds one outside NewProvenance or passes
// it to the Validator or the telemetry bus.
type Provenance struct {
	Venue           string
	SourceTier      SourceTier
	RetrievedAt     time.Time
	IngestLatencyMS int64
	RetryCount      int
	ConfidenceScore float64 // 0.0-1.0
	Checksum        string
}

// NewProvenance builds a Provenance stamped at the current instant,
// computing ingest latency relative to tsExchange.
func NewProvenance(venue string, tier SourceTier, tsExchange time.Time) Provenance {
	now := time.Now().UTC()
	return Provenance{
		Venue:           venue,
		SourceTier:      tier,
		RetrievedAt:     now,
		IngestLatencyMS: now.Sub(tsExchange).Milliseconds(),
		ConfidenceScore: 1.0,
	}
}

// Checksum computes a stable SHA256 over the fields that identify a
// record's content, for dedup diagnostics independent of the uniqueness
// key used by the store.
func Checksum(venue, symbol string, tsExchange time.Time, value interface{}) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%v", venue, symbol, tsExchange.UnixNano(), value)))
	return hex.EncodeToString(h[:])
}
