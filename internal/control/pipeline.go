package control

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/aggregate"
	"github.com/sawpanic/mdingest/internal/batch"
	"github.com/sawpanic/mdingest/internal/event"
	"github.com/sawpanic/mdingest/internal/persistence"
	"github.com/sawpanic/mdingest/internal/telemetry"
)

// writerSet owns one Batch Writer per raw table (spec §4.5), each
// backed directly by the matching persistence repository's UpsertBatch
// method value.
type writerSet struct {
	bookTicker  *batch.Writer[persistence.BookTicker]
	trades      *batch.Writer[persistence.Trade]
	depth       *batch.Writer[persistence.DepthDelta]
	markPrice   *batch.Writer[persistence.MarkPrice]
	forceOrders *batch.Writer[persistence.ForceOrder]
}

// tableConfig derives one table's batch.Config from the operator-supplied
// size/age thresholds (spec §4.8/§6: BATCH_SIZE, BATCH_MAX_AGE), falling
// back to batch.DefaultConfig's retry/table defaults for everything else.
func tableConfig(table string, batchSize int, batchMaxAge time.Duration) batch.Config {
	cfg := batch.DefaultConfig(table)
	if batchSize > 0 {
		cfg.MaxSize = batchSize
	}
	if batchMaxAge > 0 {
		cfg.MaxAge = batchMaxAge
	}
	return cfg
}

func newWriterSet(repo *persistence.Repository, metrics *telemetry.Registry, batchSize int, batchMaxAge time.Duration) *writerSet {
	return &writerSet{
		bookTicker:  batch.New(tableConfig("book_ticker", batchSize, batchMaxAge), repo.BookTicker.UpsertBatch, metrics),
		trades:      batch.New(tableConfig("trades", batchSize, batchMaxAge), repo.Trades.UpsertBatch, metrics),
		depth:       batch.New(tableConfig("depth_deltas", batchSize, batchMaxAge), repo.DepthDeltas.UpsertBatch, metrics),
		markPrice:   batch.New(tableConfig("mark_price", batchSize, batchMaxAge), repo.MarkPrice.UpsertBatch, metrics),
		forceOrders: batch.New(tableConfig("force_orders", batchSize, batchMaxAge), repo.ForceOrders.UpsertBatch, metrics),
	}
}

func (w *writerSet) Start(ctx context.Context) {
	w.bookTicker.Start(ctx)
	w.trades.Start(ctx)
	w.depth.Start(ctx)
	w.markPrice.Start(ctx)
	w.forceOrders.Start(ctx)
}

// Stop flushes every writer's buffer, collecting but not stopping early
// on individual flush errors so a stuck table never prevents the others
// from draining.
func (w *writerSet) Stop(ctx context.Context) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	note(w.bookTicker.Stop(ctx))
	note(w.trades.Stop(ctx))
	note(w.depth.Stop(ctx))
	note(w.markPrice.Stop(ctx))
	note(w.forceOrders.Stop(ctx))
	return firstErr
}

// channelCounts tracks accepted-event counts per channel for the
// Status() operation's "per-channel event rates" field (spec §4.8).
type channelCounts struct {
	bookTicker  int64
	trade       int64
	depth       int64
	markPrice   int64
	forceOrder  int64
}

func (c *channelCounts) snapshot() map[string]int64 {
	return map[string]int64{
		"bookTicker": atomic.LoadInt64(&c.bookTicker),
		"aggTrade":   atomic.LoadInt64(&c.trade),
		"depth":      atomic.LoadInt64(&c.depth),
		"markPrice":  atomic.LoadInt64(&c.markPrice),
		"forceOrder": atomic.LoadInt64(&c.forceOrder),
	}
}

// ingestSink fans normalized records out to their table's Batch Writer
// and, for the two rolled-up channels, into the Aggregator. It
// satisfies internal/normalize.Sink.
type ingestSink struct {
	ctx        context.Context
	writers    *writerSet
	aggregator *aggregate.Aggregator
	counts     *channelCounts
	resync     *DepthResync
}

func (s *ingestSink) BookTicker(bt event.BookTicker) {
	atomic.AddInt64(&s.counts.bookTicker, 1)
	row := persistence.BookTicker{
		SymbolID: bt.SymbolID, TsExchange: bt.TsExchange, TsIngest: bt.TsIngest,
		UpdateID: bt.UpdateID, BestBid: bt.BestBid, BestAsk: bt.BestAsk,
		BidQty: bt.BidQty, AskQty: bt.AskQty, Spread: bt.Spread(), Mid: bt.Mid(),
	}
	if err := s.writers.bookTicker.Submit(s.ctx, row); err != nil {
		log.Warn().Err(err).Msg("control: book_ticker submit failed")
	}
	s.aggregator.IngestBookTicker(s.ctx, bt)
}

func (s *ingestSink) Trade(tr event.Trade) {
	atomic.AddInt64(&s.counts.trade, 1)
	row := persistence.Trade{
		SymbolID: tr.SymbolID, TsExchange: tr.TsExchange, TsIngest: tr.TsIngest,
		AggTradeID: tr.AggTradeID, Price: tr.Price, Qty: tr.Qty, BuyerIsMaker: tr.BuyerIsMaker,
	}
	if err := s.writers.trades.Submit(s.ctx, row); err != nil {
		log.Warn().Err(err).Msg("control: trades submit failed")
	}
	s.aggregator.IngestTrade(s.ctx, tr)
}

func (s *ingestSink) Depth(d event.DepthDelta) {
	atomic.AddInt64(&s.counts.depth, 1)

	if s.resync != nil && !s.resync.Accept(s.ctx, d) {
		return
	}

	levels := func(ls []event.PriceLevel) []persistence.PriceLevel {
		out := make([]persistence.PriceLevel, len(ls))
		for i, l := range ls {
			out[i] = persistence.PriceLevel{Price: l.Price, Qty: l.Qty}
		}
		return out
	}
	row := persistence.DepthDelta{
		SymbolID: d.SymbolID, TsExchange: d.TsExchange, TsIngest: d.TsIngest,
		FirstUpdateID: d.FirstUpdateID, FinalUpdateID: d.FinalUpdateID,
		PrevFinalUpdateID: d.PrevFinalUpdateID,
		BidChanges:        levels(d.BidChanges),
		AskChanges:        levels(d.AskChanges),
	}
	if err := s.writers.depth.Submit(s.ctx, row); err != nil {
		log.Warn().Err(err).Msg("control: depth_deltas submit failed")
	}
}

func (s *ingestSink) MarkPrice(mp event.MarkPrice) {
	atomic.AddInt64(&s.counts.markPrice, 1)
	row := persistence.MarkPrice{
		SymbolID: mp.SymbolID, TsExchange: mp.TsExchange, TsIngest: mp.TsIngest,
		MarkPrice: mp.MarkPrice, IndexPrice: mp.IndexPrice,
		FundingRate: mp.FundingRate, NextFundingTime: mp.NextFundingTime,
	}
	if err := s.writers.markPrice.Submit(s.ctx, row); err != nil {
		log.Warn().Err(err).Msg("control: mark_price submit failed")
	}
}

func (s *ingestSink) ForceOrder(fo event.ForceOrder) {
	atomic.AddInt64(&s.counts.forceOrder, 1)
	row := persistence.ForceOrder{
		SymbolID: fo.SymbolID, TsExchange: fo.TsExchange, TsIngest: fo.TsIngest,
		Side: fo.Side, Price: fo.Price, Qty: fo.Qty, RawPayload: fo.RawPayload,
	}
	if err := s.writers.forceOrders.Submit(s.ctx, row); err != nil {
		log.Warn().Err(err).Msg("control: force_orders submit failed")
	}
}
