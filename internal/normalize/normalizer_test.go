package normalize

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/mdingest/internal/event"
	"github.com/sawpanic/mdingest/internal/stream"
)

type fakeResolver struct {
	id  int64
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, venue, code string) (int64, error) {
	return f.id, f.err
}

type capturingSink struct {
	bookTickers []event.BookTicker
	trades      []event.Trade
	depths      []event.DepthDelta
	markPrices  []event.MarkPrice
	forceOrders []event.ForceOrder
}

func (s *capturingSink) BookTicker(b event.BookTicker) { s.bookTickers = append(s.bookTickers, b) }
func (s *capturingSink) Trade(t event.Trade)           { s.trades = append(s.trades, t) }
func (s *capturingSink) Depth(d event.DepthDelta)      { s.depths = append(s.depths, d) }
func (s *capturingSink) MarkPrice(m event.MarkPrice)   { s.markPrices = append(s.markPrices, m) }
func (s *capturingSink) ForceOrder(f event.ForceOrder) { s.forceOrders = append(s.forceOrders, f) }

func TestProcessBookTickerValidForwards(t *testing.T) {
	sink := &capturingSink{}
	n := New("testvenue", &fakeResolver{id: 1}, sink)

	n.Process(context.Background(), &stream.ParsedFrame{
		RawSymbol: "BTCUSDT",
		BookTicker: &event.BookTicker{
			BestBid: 100, BestAsk: 100.5, BidQty: 1, AskQty: 2,
		},
	})

	require.Len(t, sink.bookTickers, 1)
	assert.Equal(t, int64(1), sink.bookTickers[0].SymbolID)
	assert.False(t, sink.bookTickers[0].TsIngest.IsZero())
}

func TestProcessBookTickerInvalidDropped(t *testing.T) {
	sink := &capturingSink{}
	n := New("testvenue", &fakeResolver{id: 1}, sink)

	n.Process(context.Background(), &stream.ParsedFrame{
		RawSymbol: "BTCUSDT",
		BookTicker: &event.BookTicker{
			BestBid: 100, BestAsk: 50, // crossed book, invalid
		},
	})

	assert.Empty(t, sink.bookTickers)
}

func TestProcessDepthFirstAfterFinalRejected(t *testing.T) {
	sink := &capturingSink{}
	n := New("testvenue", &fakeResolver{id: 1}, sink)

	n.Process(context.Background(), &stream.ParsedFrame{
		RawSymbol: "BTCUSDT",
		Depth: &event.DepthDelta{
			FirstUpdateID: 10,
			FinalUpdateID: 5,
		},
	})

	assert.Empty(t, sink.depths)
}

func TestProcessResolveErrorDrops(t *testing.T) {
	sink := &capturingSink{}
	n := New("testvenue", &fakeResolver{err: errors.New("store unavailable")}, sink)

	n.Process(context.Background(), &stream.ParsedFrame{
		RawSymbol:  "BTCUSDT",
		BookTicker: &event.BookTicker{BestBid: 100, BestAsk: 101, BidQty: 1, AskQty: 1},
	})

	assert.Empty(t, sink.bookTickers)
}

func TestProcessTradeInvalidQtyDropped(t *testing.T) {
	sink := &capturingSink{}
	n := New("testvenue", &fakeResolver{id: 2}, sink)

	n.Process(context.Background(), &stream.ParsedFrame{
		RawSymbol: "ETHUSDT",
		Trade:     &event.Trade{Price: 100, Qty: 0},
	})

	assert.Empty(t, sink.trades)
}

func TestProcessNilFrameIsNoop(t *testing.T) {
	sink := &capturingSink{}
	n := New("testvenue", &fakeResolver{id: 1}, sink)
	n.Process(context.Background(), nil)
	assert.Empty(t, sink.bookTickers)
}
