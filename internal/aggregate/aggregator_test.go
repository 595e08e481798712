package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/mdingest/internal/event"
	"github.com/sawpanic/mdingest/internal/persistence"
)

type fakeAggRepo struct {
	bt1s        []persistence.BT1s
	trade1s     []persistence.Trade1s
	core1s24h   []persistence.Core1s24h
	btWindow    []persistence.BT1s
	tradeWindow []persistence.Trade1s
}

func (f *fakeAggRepo) UpsertBT1s(ctx context.Context, rows []persistence.BT1s) error {
	f.bt1s = append(f.bt1s, rows...)
	return nil
}
func (f *fakeAggRepo) UpsertTrade1s(ctx context.Context, rows []persistence.Trade1s) error {
	f.trade1s = append(f.trade1s, rows...)
	return nil
}
func (f *fakeAggRepo) UpsertCore1s24h(ctx context.Context, rows []persistence.Core1s24h) error {
	f.core1s24h = append(f.core1s24h, rows...)
	return nil
}
func (f *fakeAggRepo) BT1sInWindow(ctx context.Context, symbolID int64, tr persistence.TimeRange) ([]persistence.BT1s, error) {
	return f.btWindow, nil
}
func (f *fakeAggRepo) Trade1sInWindow(ctx context.Context, symbolID int64, tr persistence.TimeRange) ([]persistence.Trade1s, error) {
	return f.tradeWindow, nil
}
func (f *fakeAggRepo) Core1s24hCoverage(ctx context.Context, symbolID int64, tr persistence.TimeRange) (int64, error) {
	return int64(len(f.core1s24h)), nil
}

type fakeBTRepo struct{ rows []persistence.BookTicker }

func (f *fakeBTRepo) UpsertBatch(ctx context.Context, rows []persistence.BookTicker) (int, error) {
	f.rows = append(f.rows, rows...)
	return len(rows), nil
}
func (f *fakeBTRepo) ListBySymbol(ctx context.Context, symbolID int64, tr persistence.TimeRange, limit int) ([]persistence.BookTicker, error) {
	if limit > 0 && limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}
func (f *fakeBTRepo) LastSeen(ctx context.Context, symbolID int64) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

type fakeTradeRepo struct{ rows []persistence.Trade }

func (f *fakeTradeRepo) UpsertBatch(ctx context.Context, rows []persistence.Trade) (int, error) {
	f.rows = append(f.rows, rows...)
	return len(rows), nil
}
func (f *fakeTradeRepo) ListBySymbol(ctx context.Context, symbolID int64, tr persistence.TimeRange, limit int) ([]persistence.Trade, error) {
	if limit > 0 && limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}
func (f *fakeTradeRepo) LastSeen(ctx context.Context, symbolID int64) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

type fakeSymbolLister struct{ ids []int64 }

func (f *fakeSymbolLister) ListActiveSymbolIDs(ctx context.Context) ([]int64, error) {
	return f.ids, nil
}

func TestBTAccumulatorOHLCAndTieBreak(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	acc := &btAccumulator{}
	acc.observe(event.BookTicker{TsExchange: base, BestBid: 100, BestAsk: 101}, 1) // mid 100.5, open
	acc.observe(event.BookTicker{TsExchange: base.Add(200 * time.Millisecond), BestBid: 99, BestAsk: 100}, 2)  // mid 99.5, low
	acc.observe(event.BookTicker{TsExchange: base.Add(400 * time.Millisecond), BestBid: 102, BestAsk: 103}, 3) // mid 102.5

	// tie on ts_exchange: larger update id should win for close
	tieTs := base.Add(600 * time.Millisecond)
	acc.observe(event.BookTicker{TsExchange: tieTs, UpdateID: 5, BestBid: 110, BestAsk: 111}, 4)
	acc.observe(event.BookTicker{TsExchange: tieTs, UpdateID: 9, BestBid: 120, BestAsk: 121}, 5) // mid 120.5, high

	row := acc.row(1, base)
	assert.Equal(t, 100.5, row.OpenMid)
	assert.Equal(t, 99.5, row.LowMid)
	assert.Equal(t, 120.5, row.CloseMid, "larger update id at the same ts_exchange should win the close slot")
	assert.Equal(t, 120.5, row.HighMid)
	assert.Equal(t, int64(5), row.UpdateCount)
}

func TestTradeAccumulatorImbalanceAndVWAP(t *testing.T) {
	acc := &tradeAccumulator{}
	acc.observe(event.Trade{Price: 100, Qty: 2, BuyerIsMaker: false}) // buy 2
	acc.observe(event.Trade{Price: 110, Qty: 1, BuyerIsMaker: true})  // sell 1

	row := acc.row(1, time.Now())
	require.NotNil(t, row.VWAP)
	assert.InDelta(t, (100*2.0+110*1.0)/3.0, *row.VWAP, 0.0001)
	assert.InDelta(t, (2.0-1.0)/3.0, row.Imbalance, 0.0001)
	assert.Equal(t, 100.0, row.MinPrice)
	assert.Equal(t, 110.0, row.MaxPrice)
}

func TestIngestBookTickerFlushesOnSweep(t *testing.T) {
	repo := &fakeAggRepo{}
	a := New(Config{Grace: 0, MaxLateness: time.Minute, FlatGridInterval: time.Minute, FlatGridWindow: 24 * time.Hour},
		repo, &fakeBTRepo{}, &fakeTradeRepo{}, &fakeSymbolLister{}, nil)

	past := time.Now().UTC().Add(-5 * time.Second).Truncate(time.Second)
	a.IngestBookTicker(context.Background(), event.BookTicker{SymbolID: 1, TsExchange: past, BestBid: 100, BestAsk: 101})

	a.sweepClosedSeconds(context.Background())

	require.Len(t, repo.bt1s, 1)
	assert.Equal(t, int64(1), repo.bt1s[0].SymbolID)
}

func TestLateBookTickerTriggersRecomputeFromRaw(t *testing.T) {
	repo := &fakeAggRepo{}
	btRepo := &fakeBTRepo{}
	a := New(Config{Grace: 0, MaxLateness: time.Minute, FlatGridInterval: time.Minute, FlatGridWindow: 24 * time.Hour},
		repo, btRepo, &fakeTradeRepo{}, &fakeSymbolLister{}, nil)

	ts := time.Now().UTC().Add(-10 * time.Second).Truncate(time.Second)
	key := secondKey{symbolID: 1, tsSecond: ts}
	a.closed[key] = time.Now().UTC()
	btRepo.rows = []persistence.BookTicker{{TsExchange: ts, BestBid: 100, BestAsk: 102}}

	a.IngestBookTicker(context.Background(), event.BookTicker{SymbolID: 1, TsExchange: ts, BestBid: 100, BestAsk: 102})

	require.Len(t, repo.bt1s, 1)
}

func TestLateBookTickerAfterFlushUpdatesCommittedRow(t *testing.T) {
	repo := &fakeAggRepo{}
	btRepo := &fakeBTRepo{}
	a := New(Config{Grace: 0, MaxLateness: time.Minute, FlatGridInterval: time.Minute, FlatGridWindow: 24 * time.Hour},
		repo, btRepo, &fakeTradeRepo{}, &fakeSymbolLister{}, nil)

	ts := time.Now().UTC().Add(-5 * time.Second).Truncate(time.Second)

	// First update closes and flushes the second normally.
	btRepo.rows = []persistence.BookTicker{{TsExchange: ts, UpdateID: 1, BestBid: 100, BestAsk: 101}}
	a.IngestBookTicker(context.Background(), event.BookTicker{SymbolID: 1, TsExchange: ts, BestBid: 100, BestAsk: 101})
	a.sweepClosedSeconds(context.Background())

	require.Len(t, repo.bt1s, 1)
	firstClose := repo.bt1s[0].CloseMid

	// A late update for the same already-closed second arrives. The
	// committed raw store now has an extra row (as if it had just been
	// persisted by the Batch Writer), so the idempotent recompute must
	// rebuild the row from every raw row in the window, not silently
	// no-op.
	btRepo.rows = append(btRepo.rows, persistence.BookTicker{TsExchange: ts.Add(500 * time.Millisecond), UpdateID: 2, BestBid: 200, BestAsk: 201})
	a.IngestBookTicker(context.Background(), event.BookTicker{SymbolID: 1, TsExchange: ts.Add(500 * time.Millisecond), UpdateID: 2, BestBid: 200, BestAsk: 201})

	require.Len(t, repo.bt1s, 2, "late recompute must commit an updated row rather than no-op")
	secondClose := repo.bt1s[1].CloseMid
	assert.NotEqual(t, firstClose, secondClose, "recomputed row must reflect the late event, not repeat the original flush")
	assert.Equal(t, 200.5, secondClose)
}

func TestRefreshFlatGridLOCFAndZeroFill(t *testing.T) {
	repo := &fakeAggRepo{}
	window := persistence.TimeRange{
		From: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 1, 1, 0, 0, 3, 0, time.UTC),
	}
	repo.btWindow = []persistence.BT1s{
		{SymbolID: 1, TsSecond: window.From, CloseMid: 100, SpreadMean: 0.5, UpdateCount: 3},
	}

	a := New(DefaultConfig(), repo, &fakeBTRepo{}, &fakeTradeRepo{}, &fakeSymbolLister{ids: []int64{1}}, nil)
	a.cfg.FlatGridWindow = window.To.Sub(window.From)

	// directly exercise refreshSymbolGrid with a fixed window for determinism
	err := a.refreshSymbolGrid(context.Background(), 1, window)
	require.NoError(t, err)

	require.Len(t, repo.core1s24h, 3)
	assert.Equal(t, 100.0, *repo.core1s24h[0].MidFFill)
	assert.Equal(t, 100.0, *repo.core1s24h[1].MidFFill, "second with no bt_1s row should LOCF from the prior second")
	assert.Nil(t, repo.core1s24h[0].VWAP)
	assert.Equal(t, int64(0), repo.core1s24h[1].TradeCount)
}
