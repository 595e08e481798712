// Package persistence defines the storage-layer record shapes and
// repository interfaces for the ingestion engine's time-partitioned
// relational store (spec §3, §6). Concrete implementations live in
// internal/persistence/postgres.
package persistence

import (
	"context"
	"time"
)

// TimeRange is an inclusive-from, exclusive-to query window.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Symbol is the canonical venue+symbol-code identity row (spec §3).
type Symbol struct {
	ID              int64     `db:"id"`
	Venue           string    `db:"venue"`
	Code            string    `db:"code"`
	InstrumentClass string    `db:"instrument_class"`
	BaseAsset       string    `db:"base_asset"`
	QuoteAsset      string    `db:"quote_asset"`
	Active          bool      `db:"active"`
	TickSize        *float64  `db:"tick_size"`
	LotSize         *float64  `db:"lot_size"`
	CreatedAt       time.Time `db:"created_at"`
}

// BookTicker is a committed top-of-book row.
type BookTicker struct {
	SymbolID   int64     `db:"symbol_id"`
	TsExchange time.Time `db:"ts_exchange"`
	TsIngest   time.Time `db:"ts_ingest"`
	UpdateID   int64     `db:"update_id"`
	BestBid    float64   `db:"best_bid"`
	BestAsk    float64   `db:"best_ask"`
	BidQty     float64   `db:"bid_qty"`
	AskQty     float64   `db:"ask_qty"`
	Spread     float64   `db:"spread"`
	Mid        float64   `db:"mid"`
}

// Trade is a committed aggregate-trade row.
type Trade struct {
	SymbolID     int64     `db:"symbol_id"`
	TsExchange   time.Time `db:"ts_exchange"`
	TsIngest     time.Time `db:"ts_ingest"`
	AggTradeID   int64     `db:"agg_trade_id"`
	Price        float64   `db:"price"`
	Qty          float64   `db:"qty"`
	BuyerIsMaker bool      `db:"buyer_is_maker"`
}

// PriceLevel is one [price, qty] entry of a depth delta's change set.
type PriceLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// DepthDelta is a committed raw order-book update, preserved verbatim.
type DepthDelta struct {
	SymbolID          int64        `db:"symbol_id"`
	TsExchange        time.Time    `db:"ts_exchange"`
	TsIngest          time.Time    `db:"ts_ingest"`
	FirstUpdateID     int64        `db:"first_update_id"`
	FinalUpdateID     int64        `db:"final_update_id"`
	PrevFinalUpdateID *int64       `db:"prev_final_update_id"`
	BidChanges        []PriceLevel `db:"bid_changes"`
	AskChanges        []PriceLevel `db:"ask_changes"`
}

// MarkPrice is a committed mark/index price row.
type MarkPrice struct {
	SymbolID        int64      `db:"symbol_id"`
	TsExchange      time.Time  `db:"ts_exchange"`
	TsIngest        time.Time  `db:"ts_ingest"`
	MarkPrice       float64    `db:"mark_price"`
	IndexPrice      float64    `db:"index_price"`
	FundingRate     *float64   `db:"funding_rate"`
	NextFundingTime *time.Time `db:"next_funding_time"`
}

// ForceOrder is a committed liquidation row.
type ForceOrder struct {
	SymbolID   int64     `db:"symbol_id"`
	TsExchange time.Time `db:"ts_exchange"`
	TsIngest   time.Time `db:"ts_ingest"`
	Side       string    `db:"side"`
	Price      float64   `db:"price"`
	Qty        float64   `db:"qty"`
	RawPayload []byte    `db:"raw_payload"`
}

// BT1s is a per-second book-ticker rollup row.
type BT1s struct {
	SymbolID     int64     `db:"symbol_id"`
	TsSecond     time.Time `db:"ts_second"`
	OpenMid      float64   `db:"open_mid"`
	HighMid      float64   `db:"high_mid"`
	LowMid       float64   `db:"low_mid"`
	CloseMid     float64   `db:"close_mid"`
	SpreadMean   float64   `db:"spread_mean"`
	SpreadMax    float64   `db:"spread_max"`
	UpdateCount  int64     `db:"update_count"`
	VWMid        float64   `db:"vw_mid"` // vw_mid column; the Aggregator fills it with the second's close mid, not a volume- or update-weighted mean
}

// Trade1s is a per-second trade rollup row.
type Trade1s struct {
	SymbolID  int64     `db:"symbol_id"`
	TsSecond  time.Time `db:"ts_second"`
	Count     int64     `db:"count"`
	VolumeSum float64   `db:"volume_sum"`
	ValueSum  float64   `db:"value_sum"`
	VWAP      *float64  `db:"vwap"`
	BuyQty    float64   `db:"buy_qty"`
	SellQty   float64   `db:"sell_qty"`
	MinPrice  float64   `db:"min_price"`
	MaxPrice  float64   `db:"max_price"`
	Imbalance float64   `db:"imbalance"` // (buy_qty - sell_qty) / (buy_qty + sell_qty)
}

// Core1s24h is one row of the gap-filled flat grid.
type Core1s24h struct {
	SymbolID    int64     `db:"symbol_id"`
	TsSecond    time.Time `db:"ts_second"`
	MidFFill    *float64  `db:"mid_ffill"`
	SpreadFFill *float64  `db:"spread_ffill"`
	TradeCount  int64     `db:"trade_count"`
	VolumeSum   float64   `db:"volume_sum"`
	VWAP        *float64  `db:"vwap"`
	UpdateCount int64     `db:"update_count"`
}

// SymbolStore is the durable backing for internal/symbol.Registry.
type SymbolStore interface {
	GetOrCreate(ctx context.Context, venue, code string) (Symbol, error)
	ListActive(ctx context.Context) ([]Symbol, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// RawRepo is satisfied by each raw-table repository; the Batch Writer
// talks to these through this uniform shape so one flush loop
// implementation (internal/batch) serves every table (spec §4.5).
type RawRepo[T any] interface {
	// UpsertBatch bulk-inserts rows with on-conflict-do-nothing on the
	// table's uniqueness key, returning the number of rows actually
	// inserted (excluding conflicts).
	UpsertBatch(ctx context.Context, rows []T) (inserted int, err error)
}

// BookTickerRepo persists book_ticker rows and serves range queries.
type BookTickerRepo interface {
	RawRepo[BookTicker]
	ListBySymbol(ctx context.Context, symbolID int64, tr TimeRange, limit int) ([]BookTicker, error)
	LastSeen(ctx context.Context, symbolID int64) (time.Time, bool, error)
}

// TradeRepo persists trades rows.
type TradeRepo interface {
	RawRepo[Trade]
	ListBySymbol(ctx context.Context, symbolID int64, tr TimeRange, limit int) ([]Trade, error)
	LastSeen(ctx context.Context, symbolID int64) (time.Time, bool, error)
}

// DepthDeltaRepo persists depth_deltas rows.
type DepthDeltaRepo interface {
	RawRepo[DepthDelta]
	// LastFinalUpdateID returns the most recently committed
	// final_update_id for a symbol. No caller in this repository uses it.
	LastFinalUpdateID(ctx context.Context, symbolID int64) (int64, bool, error)
}

// MarkPriceRepo persists mark_price rows.
type MarkPriceRepo interface {
	RawRepo[MarkPrice]
}

// ForceOrderRepo persists force_orders rows.
type ForceOrderRepo interface {
	RawRepo[ForceOrder]
}

// AggregateRepo is written exclusively by the Aggregator (spec §3
// ownership rule: "the Aggregator exclusively writes aggregate/derived
// tables").
type AggregateRepo interface {
	UpsertBT1s(ctx context.Context, rows []BT1s) error
	UpsertTrade1s(ctx context.Context, rows []Trade1s) error
	UpsertCore1s24h(ctx context.Context, rows []Core1s24h) error

	// BT1sInWindow and Trade1sInWindow feed the flat-grid refresh with
	// the raw aggregate rows to LOCF over.
	BT1sInWindow(ctx context.Context, symbolID int64, tr TimeRange) ([]BT1s, error)
	Trade1sInWindow(ctx context.Context, symbolID int64, tr TimeRange) ([]Trade1s, error)

	// Core1s24hCoverage returns the committed row count for a symbol
	// within a window. No caller in this repository uses it; the
	// Validator does not check coverage.
	Core1s24hCoverage(ctx context.Context, symbolID int64, tr TimeRange) (int64, error)
}

// SymbolCounts is one DBStats row (spec §4.8 DBStats).
type SymbolCounts struct {
	SymbolID   int64     `db:"symbol_id"`
	LastMinute int64     `db:"last_minute"`
	LastHour   int64     `db:"last_hour"`
	LastSeen   time.Time `db:"last_seen"`
}

// StatsRepo answers the control plane's DBStats operation.
type StatsRepo interface {
	SymbolCounts(ctx context.Context, now time.Time) ([]SymbolCounts, error)
}

// RetentionRepo applies the age-based policies of the Retention Manager
// (spec §4.7) against one logical table.
type RetentionRepo interface {
	// CompressOlderThan transforms committed chunks older than cutoff
	// into a compressed form; returns the number of chunks affected.
	CompressOlderThan(ctx context.Context, table string, cutoff time.Time) (int, error)
	// DropOlderThan deletes rows/chunks older than cutoff.
	DropOlderThan(ctx context.Context, table string, cutoff time.Time) (int, error)
}

// HealthCheck reports store connectivity and pool stats.
type HealthCheck struct {
	Healthy        bool
	Errors         []string
	ConnectionPool map[string]int
	LastCheck      time.Time
	ResponseTimeMS int64
}

// Health is implemented by the DB connection manager.
type Health interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}

// Repository aggregates every repo the rest of the system depends on,
// mirroring the teacher's Repository bundle shape.
type Repository struct {
	Symbols     SymbolStore
	BookTicker  BookTickerRepo
	Trades      TradeRepo
	DepthDeltas DepthDeltaRepo
	MarkPrice   MarkPriceRepo
	ForceOrders ForceOrderRepo
	Aggregates  AggregateRepo
	Stats       StatsRepo
	Retention   RetentionRepo
}
