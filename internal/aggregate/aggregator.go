// Package aggregate implements the Aggregator (spec §4.6): per-second
// bt_1s/trade_1s rollups from raw events, and the continuously
// materialized 24h flat grid with last-observation-carried-forward
// gap-fill. The periodic-refresh shape is grounded on the teacher's
// job-dispatch loop (internal/scheduler/scheduler.go); the actual
// rollup math is new to this domain.
package aggregate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/event"
	"github.com/sawpanic/mdingest/internal/persistence"
)

// secondKey identifies one (symbol, closed-second) cohort.
type secondKey struct {
	symbolID int64
	tsSecond time.Time
}

// btAccumulator tracks the running OHLC-of-mid state for one open
// second, applying the tie-break rules of spec §4.6: open is earliest
// ts_exchange, close is latest (ties broken by larger update id, then
// insertion order).
type btAccumulator struct {
	openMid, highMid, lowMid, closeMid float64
	earliestTs, latestTs               time.Time
	latestUpdateID                     int64
	insertSeq, latestInsertSeq         int64
	spreadSum, spreadMax               float64
	updateCount                        int64
}

func (a *btAccumulator) observe(bt event.BookTicker, seq int64) {
	mid := bt.Mid()
	spread := bt.Spread()

	if a.updateCount == 0 {
		a.openMid = mid
		a.highMid = mid
		a.lowMid = mid
		a.closeMid = mid
		a.earliestTs = bt.TsExchange
		a.latestTs = bt.TsExchange
		a.latestUpdateID = bt.UpdateID
		a.insertSeq = seq
		a.latestInsertSeq = seq
	} else {
		if bt.TsExchange.Before(a.earliestTs) {
			a.openMid = mid
			a.earliestTs = bt.TsExchange
		}
		if isCloseWinner(bt.TsExchange, bt.UpdateID, seq, a.latestTs, a.latestUpdateID, a.latestInsertSeq) {
			a.closeMid = mid
			a.latestTs = bt.TsExchange
			a.latestUpdateID = bt.UpdateID
			a.latestInsertSeq = seq
		}
		if mid > a.highMid {
			a.highMid = mid
		}
		if mid < a.lowMid {
			a.lowMid = mid
		}
	}

	a.spreadSum += spread
	if spread > a.spreadMax {
		a.spreadMax = spread
	}
	a.updateCount++
}

// isCloseWinner reports whether a candidate event should replace the
// current "close" value: strictly later ts_exchange wins outright; on
// an exact tie, the larger update id wins; if neither has an update id,
// later insertion order wins.
func isCloseWinner(ts time.Time, updateID, seq int64, curTs time.Time, curUpdateID, curSeq int64) bool {
	if ts.After(curTs) {
		return true
	}
	if ts.Before(curTs) {
		return false
	}
	if updateID != curUpdateID {
		return updateID > curUpdateID
	}
	return seq > curSeq
}

func (a *btAccumulator) row(symbolID int64, tsSecond time.Time) persistence.BT1s {
	mean := 0.0
	if a.updateCount > 0 {
		mean = a.spreadSum / float64(a.updateCount)
	}
	return persistence.BT1s{
		SymbolID:    symbolID,
		TsSecond:    tsSecond,
		OpenMid:     a.openMid,
		HighMid:     a.highMid,
		LowMid:      a.lowMid,
		CloseMid:    a.closeMid,
		SpreadMean:  mean,
		SpreadMax:   a.spreadMax,
		UpdateCount: a.updateCount,
		VWMid:       a.closeMid, // proxied by latest mid; no per-update size series available
	}
}

// tradeAccumulator tracks running trade stats for one open second.
type tradeAccumulator struct {
	count               int64
	volumeSum, valueSum float64
	buyQty, sellQty     float64
	minPrice, maxPrice  float64
}

func (a *tradeAccumulator) observe(tr event.Trade) {
	if a.count == 0 {
		a.minPrice = tr.Price
		a.maxPrice = tr.Price
	} else {
		if tr.Price < a.minPrice {
			a.minPrice = tr.Price
		}
		if tr.Price > a.maxPrice {
			a.maxPrice = tr.Price
		}
	}
	a.count++
	a.volumeSum += tr.Qty
	a.valueSum += tr.Price * tr.Qty
	if tr.BuyerIsMaker {
		// buyer-is-maker means the trade was taker-sell initiated
		a.sellQty += tr.Qty
	} else {
		a.buyQty += tr.Qty
	}
}

func (a *tradeAccumulator) row(symbolID int64, tsSecond time.Time) persistence.Trade1s {
	var vwap *float64
	if a.volumeSum > 0 {
		v := a.valueSum / a.volumeSum
		vwap = &v
	}
	imbalance := 0.0
	if total := a.buyQty + a.sellQty; total > 0 {
		imbalance = (a.buyQty - a.sellQty) / total
	}
	return persistence.Trade1s{
		SymbolID:  symbolID,
		TsSecond:  tsSecond,
		Count:     a.count,
		VolumeSum: a.volumeSum,
		ValueSum:  a.valueSum,
		VWAP:      vwap,
		BuyQty:    a.buyQty,
		SellQty:   a.sellQty,
		MinPrice:  a.minPrice,
		MaxPrice:  a.maxPrice,
		Imbalance: imbalance,
	}
}

// ActiveSymbolLister resolves the set of symbol ids the flat-grid
// refresh loop must cover.
type ActiveSymbolLister interface {
	ListActiveSymbolIDs(ctx context.Context) ([]int64, error)
}

// Metrics is the telemetry sink for aggregator outcomes.
type Metrics interface {
	RecordRollupFlush(symbolID int64, table string)
	RecordFlatGridRefresh(symbolCount int, duration time.Duration, err error)
}

// Config controls the closed-second grace window, maximum lateness
// before a late event is dropped instead of triggering a recompute, and
// the flat-grid refresh cadence.
type Config struct {
	Grace             time.Duration
	MaxLateness       time.Duration
	FlatGridInterval  time.Duration
	FlatGridWindow    time.Duration
	FlushConcurrency  int
}

// DefaultConfig matches spec §4.6/§4.7 defaults: refresh at most every
// 60s, over a rolling 24h window.
func DefaultConfig() Config {
	return Config{
		Grace:            2 * time.Second,
		MaxLateness:      5 * time.Minute,
		FlatGridInterval: 60 * time.Second,
		FlatGridWindow:   24 * time.Hour,
		FlushConcurrency: 8,
	}
}

// Aggregator consumes normalized events and produces the bt_1s/trade_1s
// rollups plus the gap-filled 24h grid.
type Aggregator struct {
	cfg     Config
	repo    persistence.AggregateRepo
	btRepo  persistence.BookTickerRepo
	trRepo  persistence.TradeRepo
	symbols ActiveSymbolLister
	metrics Metrics

	mu       sync.Mutex
	btAcc    map[secondKey]*btAccumulator
	trAcc    map[secondKey]*tradeAccumulator
	closed   map[secondKey]time.Time // flush time, for late-arrival pruning
	insertSeq int64

	pool *flushPool
}

// New constructs an Aggregator.
func New(cfg Config, repo persistence.AggregateRepo, btRepo persistence.BookTickerRepo, trRepo persistence.TradeRepo, symbols ActiveSymbolLister, metrics Metrics) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		repo:    repo,
		btRepo:  btRepo,
		trRepo:  trRepo,
		symbols: symbols,
		metrics: metrics,
		btAcc:   make(map[secondKey]*btAccumulator),
		trAcc:   make(map[secondKey]*tradeAccumulator),
		closed:  make(map[secondKey]time.Time),
	}
}

// IngestBookTicker folds a normalized BookTicker into its second's
// accumulator, triggering an idempotent recompute-from-raw if the
// second was already closed and flushed (late arrival).
func (a *Aggregator) IngestBookTicker(ctx context.Context, bt event.BookTicker) {
	key := secondKey{symbolID: bt.SymbolID, tsSecond: bt.TsExchange.Truncate(time.Second)}

	a.mu.Lock()
	if flushedAt, ok := a.closed[key]; ok {
		a.mu.Unlock()
		if time.Since(flushedAt) <= a.cfg.MaxLateness {
			a.recomputeBT1s(ctx, key)
		} else {
			log.Debug().Int64("symbol_id", bt.SymbolID).Time("ts_second", key.tsSecond).Msg("aggregate: dropping bt_1s event beyond max lateness")
		}
		return
	}

	acc, ok := a.btAcc[key]
	if !ok {
		acc = &btAccumulator{}
		a.btAcc[key] = acc
	}
	a.insertSeq++
	seq := a.insertSeq
	a.mu.Unlock()

	acc.observe(bt, seq)
}

// IngestTrade folds a normalized Trade into its second's accumulator,
// with the same late-arrival handling as IngestBookTicker.
func (a *Aggregator) IngestTrade(ctx context.Context, tr event.Trade) {
	key := secondKey{symbolID: tr.SymbolID, tsSecond: tr.TsExchange.Truncate(time.Second)}

	a.mu.Lock()
	if flushedAt, ok := a.closed[key]; ok {
		a.mu.Unlock()
		if time.Since(flushedAt) <= a.cfg.MaxLateness {
			a.recomputeTrade1s(ctx, key)
		}
		return
	}

	acc, ok := a.trAcc[key]
	if !ok {
		acc = &tradeAccumulator{}
		a.trAcc[key] = acc
	}
	a.mu.Unlock()

	acc.observe(tr)
}

// Run drives the closed-second sweep and the flat-grid refresh loop
// until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	a.pool = newFlushPool(ctx, a.cfg.FlushConcurrency)
	defer a.pool.close()

	sweepTicker := time.NewTicker(time.Second)
	defer sweepTicker.Stop()
	gridTicker := time.NewTicker(a.cfg.FlatGridInterval)
	defer gridTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			a.sweepClosedSeconds(ctx)
		case <-gridTicker.C:
			if err := a.RefreshFlatGrid(ctx); err != nil {
				log.Warn().Err(err).Msg("aggregate: flat grid refresh failed")
			}
		}
	}
}

// sweepClosedSeconds flushes every accumulator whose second has closed
// by wall clock: now has advanced past tsSecond+1+grace. Closure is
// decided by the clock alone; observing a later event for the same
// symbol does not close an earlier second ahead of that deadline.
func (a *Aggregator) sweepClosedSeconds(ctx context.Context) {
	now := time.Now().UTC()

	a.mu.Lock()
	var toFlushBT []secondKey
	for key, acc := range a.btAcc {
		if now.After(key.tsSecond.Add(time.Second + a.cfg.Grace)) {
			toFlushBT = append(toFlushBT, key)
			_ = acc
		}
	}
	var toFlushTr []secondKey
	for key := range a.trAcc {
		if now.After(key.tsSecond.Add(time.Second + a.cfg.Grace)) {
			toFlushTr = append(toFlushTr, key)
		}
	}
	a.mu.Unlock()

	// Each closed cohort flushes on the bounded pool rather than its own
	// goroutine, so a sweep spanning hundreds of symbols never opens
	// hundreds of concurrent writes against the store at once.
	for _, key := range toFlushBT {
		key := key
		a.submitFlush(ctx, func(ctx context.Context) { a.flushBT1s(ctx, key) })
	}
	for _, key := range toFlushTr {
		key := key
		a.submitFlush(ctx, func(ctx context.Context) { a.flushTrade1s(ctx, key) })
	}
}

// submitFlush runs fn on the bounded flush pool when one is running
// (i.e. sweepClosedSeconds is being driven by Run), or inline when
// sweepClosedSeconds is called directly, such as from a test.
func (a *Aggregator) submitFlush(ctx context.Context, fn func(context.Context)) {
	if a.pool != nil {
		a.pool.submit(ctx, fn)
		return
	}
	fn(ctx)
}

func (a *Aggregator) flushBT1s(ctx context.Context, key secondKey) {
	a.mu.Lock()
	acc, ok := a.btAcc[key]
	if ok {
		delete(a.btAcc, key)
		a.closed[key] = time.Now().UTC()
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	row := acc.row(key.symbolID, key.tsSecond)
	if err := a.repo.UpsertBT1s(ctx, []persistence.BT1s{row}); err != nil {
		log.Warn().Err(err).Int64("symbol_id", key.symbolID).Msg("aggregate: bt_1s upsert failed")
		return
	}
	if a.metrics != nil {
		a.metrics.RecordRollupFlush(key.symbolID, "bt_1s")
	}
}

func (a *Aggregator) flushTrade1s(ctx context.Context, key secondKey) {
	a.mu.Lock()
	acc, ok := a.trAcc[key]
	if ok {
		delete(a.trAcc, key)
		a.closed[key] = time.Now().UTC()
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	row := acc.row(key.symbolID, key.tsSecond)
	if err := a.repo.UpsertTrade1s(ctx, []persistence.Trade1s{row}); err != nil {
		log.Warn().Err(err).Int64("symbol_id", key.symbolID).Msg("aggregate: trade_1s upsert failed")
		return
	}
	if a.metrics != nil {
		a.metrics.RecordRollupFlush(key.symbolID, "trade_1s")
	}
}

// recomputeBT1s rebuilds a bt_1s row entirely from committed raw rows,
// the spec §4.6 late-arrival policy ("recompute from raw").
func (a *Aggregator) recomputeBT1s(ctx context.Context, key secondKey) {
	tr := persistence.TimeRange{From: key.tsSecond, To: key.tsSecond.Add(time.Second)}
	rows, err := a.btRepo.ListBySymbol(ctx, key.symbolID, tr, 0)
	if err != nil || len(rows) == 0 {
		return
	}

	acc := &btAccumulator{}
	for i, r := range rows {
		acc.observe(event.BookTicker{
			TsExchange: r.TsExchange,
			UpdateID:   r.UpdateID,
			BestBid:    r.BestBid,
			BestAsk:    r.BestAsk,
		}, int64(i))
	}

	row := acc.row(key.symbolID, key.tsSecond)
	if err := a.repo.UpsertBT1s(ctx, []persistence.BT1s{row}); err != nil {
		log.Warn().Err(err).Int64("symbol_id", key.symbolID).Msg("aggregate: late bt_1s recompute failed")
	}
}

func (a *Aggregator) recomputeTrade1s(ctx context.Context, key secondKey) {
	tr := persistence.TimeRange{From: key.tsSecond, To: key.tsSecond.Add(time.Second)}
	rows, err := a.trRepo.ListBySymbol(ctx, key.symbolID, tr, 0)
	if err != nil || len(rows) == 0 {
		return
	}

	acc := &tradeAccumulator{}
	for _, r := range rows {
		acc.observe(event.Trade{Price: r.Price, Qty: r.Qty, BuyerIsMaker: r.BuyerIsMaker})
	}

	row := acc.row(key.symbolID, key.tsSecond)
	if err := a.repo.UpsertTrade1s(ctx, []persistence.Trade1s{row}); err != nil {
		log.Warn().Err(err).Int64("symbol_id", key.symbolID).Msg("aggregate: late trade_1s recompute failed")
	}
}

// RefreshFlatGrid rebuilds Core_1s_24h for every active symbol over the
// rolling window, LOCF-filling mid/spread from the last observed bt_1s
// row and zeroing trade counters on empty seconds (spec §4.6.2).
func (a *Aggregator) RefreshFlatGrid(ctx context.Context) error {
	start := time.Now()
	symbolIDs, err := a.symbols.ListActiveSymbolIDs(ctx)
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordFlatGridRefresh(0, time.Since(start), err)
		}
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	window := persistence.TimeRange{From: now.Add(-a.cfg.FlatGridWindow), To: now}

	var firstErr error
	for _, symbolID := range symbolIDs {
		if err := a.refreshSymbolGrid(ctx, symbolID, window); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.metrics != nil {
		a.metrics.RecordFlatGridRefresh(len(symbolIDs), time.Since(start), firstErr)
	}
	return firstErr
}

func (a *Aggregator) refreshSymbolGrid(ctx context.Context, symbolID int64, window persistence.TimeRange) error {
	btRows, err := a.repo.BT1sInWindow(ctx, symbolID, window)
	if err != nil {
		return err
	}
	trRows, err := a.repo.Trade1sInWindow(ctx, symbolID, window)
	if err != nil {
		return err
	}

	btBySecond := make(map[time.Time]persistence.BT1s, len(btRows))
	for _, r := range btRows {
		btBySecond[r.TsSecond] = r
	}
	trBySecond := make(map[time.Time]persistence.Trade1s, len(trRows))
	for _, r := range trRows {
		trBySecond[r.TsSecond] = r
	}

	totalSeconds := int(window.To.Sub(window.From) / time.Second)
	out := make([]persistence.Core1s24h, 0, totalSeconds)

	var lastMid, lastSpread *float64
	for i := 0; i < totalSeconds; i++ {
		ts := window.From.Add(time.Duration(i) * time.Second)

		if bt, ok := btBySecond[ts]; ok {
			mid := bt.CloseMid
			spread := bt.SpreadMean
			lastMid = &mid
			lastSpread = &spread
		}

		row := persistence.Core1s24h{
			SymbolID:    symbolID,
			TsSecond:    ts,
			MidFFill:    lastMid,
			SpreadFFill: lastSpread,
		}
		if tr, ok := trBySecond[ts]; ok {
			row.TradeCount = tr.Count
			row.VolumeSum = tr.VolumeSum
			row.VWAP = tr.VWAP
			row.UpdateCount = 0
		}
		if bt, ok := btBySecond[ts]; ok {
			row.UpdateCount = bt.UpdateCount
		}
		out = append(out, row)
	}

	return a.repo.UpsertCore1s24h(ctx, out)
}
