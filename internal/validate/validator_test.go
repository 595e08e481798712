package validate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/mdingest/internal/persistence"
)

type fakeBTRepo struct {
	rows     []persistence.BookTicker
	lastSeen time.Time
	seenOK   bool
	err      error
}

func (f *fakeBTRepo) UpsertBatch(ctx context.Context, rows []persistence.BookTicker) (int, error) {
	return 0, nil
}
func (f *fakeBTRepo) ListBySymbol(ctx context.Context, symbolID int64, tr persistence.TimeRange, limit int) ([]persistence.BookTicker, error) {
	return f.rows, f.err
}
func (f *fakeBTRepo) LastSeen(ctx context.Context, symbolID int64) (time.Time, bool, error) {
	return f.lastSeen, f.seenOK, f.err
}

type fakeTradeRepo struct{}

func (f *fakeTradeRepo) UpsertBatch(ctx context.Context, rows []persistence.Trade) (int, error) {
	return 0, nil
}
func (f *fakeTradeRepo) ListBySymbol(ctx context.Context, symbolID int64, tr persistence.TimeRange, limit int) ([]persistence.Trade, error) {
	return nil, nil
}
func (f *fakeTradeRepo) LastSeen(ctx context.Context, symbolID int64) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

type fakeSymbolLister struct{ refs []SymbolRef }

func (f *fakeSymbolLister) ListActiveRefs(ctx context.Context) ([]SymbolRef, error) {
	return f.refs, nil
}

func TestValidateFreshSymbolPasses(t *testing.T) {
	now := time.Now().UTC()
	rows := make([]persistence.BookTicker, 0, 10)
	for i := 0; i < 10; i++ {
		rows = append(rows, persistence.BookTicker{
			TsExchange: now.Add(-time.Duration(9-i) * time.Minute),
			UpdateID:   int64(i + 1),
			BestBid:    100, BestAsk: 101,
		})
	}

	bt := &fakeBTRepo{lastSeen: now.Add(-time.Second), seenOK: true, rows: rows}
	symbols := &fakeSymbolLister{refs: []SymbolRef{{ID: 1, Venue: "binance-futures", Code: "BTCUSDT"}}}

	v := New(Deps{BookTicker: bt, Trades: &fakeTradeRepo{}}, symbols, DefaultConfig())
	result, err := v.Validate(context.Background())

	require.NoError(t, err)
	require.Len(t, result.Symbols, 1)
	assert.True(t, result.Pass)
	assert.True(t, result.Symbols[0].Freshness)
	assert.True(t, result.Symbols[0].Frequency)
	assert.Empty(t, result.Symbols[0].Failures)
}

func TestValidateNoDataFailsEveryCheck(t *testing.T) {
	bt := &fakeBTRepo{seenOK: false}
	symbols := &fakeSymbolLister{refs: []SymbolRef{{ID: 2, Venue: "binance-futures", Code: "ETHUSDT"}}}

	v := New(Deps{BookTicker: bt, Trades: &fakeTradeRepo{}}, symbols, DefaultConfig())
	result, err := v.Validate(context.Background())

	require.NoError(t, err)
	require.Len(t, result.Symbols, 1)
	assert.False(t, result.Pass)
	assert.False(t, result.Symbols[0].Pass)
	assert.Contains(t, result.Symbols[0].Failures, "no book_ticker data observed")
}

func TestValidateStaleSymbolFailsFreshness(t *testing.T) {
	now := time.Now().UTC()
	bt := &fakeBTRepo{lastSeen: now.Add(-10 * time.Minute), seenOK: true}
	symbols := &fakeSymbolLister{refs: []SymbolRef{{ID: 3, Venue: "binance-futures", Code: "SOLUSDT"}}}

	v := New(Deps{BookTicker: bt, Trades: &fakeTradeRepo{}}, symbols, DefaultConfig())
	result, err := v.Validate(context.Background())

	require.NoError(t, err)
	assert.False(t, result.Symbols[0].Freshness)
	assert.False(t, result.Symbols[0].Pass)
}

func TestValidateInvertedBookFailsQuality(t *testing.T) {
	now := time.Now().UTC()
	bt := &fakeBTRepo{
		lastSeen: now.Add(-time.Second),
		seenOK:   true,
		rows: []persistence.BookTicker{
			{TsExchange: now.Add(-time.Minute), UpdateID: 1, BestBid: 101, BestAsk: 100}, // inverted
		},
	}
	symbols := &fakeSymbolLister{refs: []SymbolRef{{ID: 4, Venue: "binance-futures", Code: "XRPUSDT"}}}

	v := New(Deps{BookTicker: bt, Trades: &fakeTradeRepo{}}, symbols, DefaultConfig())
	result, err := v.Validate(context.Background())

	require.NoError(t, err)
	assert.False(t, result.Symbols[0].Quality)
	assert.Contains(t, result.Symbols[0].Failures, "inverted book found in committed rows")
}

func TestCheckFrequencyRequiresEveryBucket(t *testing.T) {
	v := New(Deps{}, nil, Config{FrequencyWindow: 3 * time.Minute, FrequencyBucket: time.Minute})
	now := time.Now().UTC()

	rows := []persistence.BookTicker{
		{TsExchange: now.Add(-150 * time.Second)}, // bucket 0
		{TsExchange: now.Add(-30 * time.Second)},  // bucket 2
		// bucket 1 left empty
	}

	assert.False(t, v.checkFrequency(rows, now))
}
