package control

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/event"
	"github.com/sawpanic/mdingest/internal/infrastructure/httpclient"
	"github.com/sawpanic/mdingest/internal/symbol"
	"github.com/sawpanic/mdingest/internal/telemetry"
)

// depthChainState tracks one symbol's DepthDelta chain continuity (spec
// §3 "chain invariant") and the in-flight resync window, if any.
type depthChainState struct {
	mu sync.Mutex

	hasBaseline bool
	lastFinal   int64

	resyncPending bool
	baselineSet   bool
	baseline      int64
}

// DepthResync enforces the chain invariant across every symbol's depth
// stream and drives the resync flow (spec §4.2/§6): on a broken chain it
// fetches a fresh snapshot and discards events until the chain resumes
// above the snapshot's last_update_id.
type DepthResync struct {
	client   *httpclient.SnapshotClient
	registry *symbol.Registry
	metrics  *telemetry.Registry
	bus      *telemetry.Bus

	mu     sync.Mutex
	states map[int64]*depthChainState
}

// NewDepthResync constructs a DepthResync bound to a snapshot client and
// the running symbol registry.
func NewDepthResync(client *httpclient.SnapshotClient, registry *symbol.Registry, metrics *telemetry.Registry, bus *telemetry.Bus) *DepthResync {
	return &DepthResync{
		client:   client,
		registry: registry,
		metrics:  metrics,
		bus:      bus,
		states:   make(map[int64]*depthChainState),
	}
}

func (d *DepthResync) stateFor(symbolID int64) *depthChainState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[symbolID]
	if !ok {
		s = &depthChainState{}
		d.states[symbolID] = s
	}
	return s
}

// Accept reports whether delta should be persisted. A false return means
// the event falls inside a resync discard window and must be dropped
// (spec §4.2: "events with final_update_id <= snapshot last_update_id
// are discarded"). The first event ever observed for a symbol always
// establishes the initial baseline, since there is nothing yet to chain
// against.
func (d *DepthResync) Accept(ctx context.Context, delta event.DepthDelta) bool {
	s := d.stateFor(delta.SymbolID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resyncPending {
		if !s.baselineSet {
			d.countDiscard("awaiting_snapshot")
			return false
		}
		if delta.FinalUpdateID <= s.baseline {
			d.countDiscard("below_snapshot")
			return false
		}
		s.resyncPending = false
		s.baselineSet = false
		s.hasBaseline = true
		s.lastFinal = delta.FinalUpdateID
		return true
	}

	if !s.hasBaseline {
		s.hasBaseline = true
		s.lastFinal = delta.FinalUpdateID
		return true
	}

	if delta.ContinuesFrom(s.lastFinal) {
		s.lastFinal = delta.FinalUpdateID
		return true
	}

	s.resyncPending = true
	s.baselineSet = false
	log.Warn().Int64("symbol_id", delta.SymbolID).Int64("expected_first_update_id", s.lastFinal+1).
		Int64("got_first_update_id", delta.FirstUpdateID).Msg("control: depth chain break, requesting resync")
	go d.triggerResync(ctx, delta.SymbolID, s)
	d.countDiscard("chain_break")
	return false
}

func (d *DepthResync) countDiscard(reason string) {
	if d.metrics != nil {
		d.metrics.IncRejected(Venue, "depth", reason)
	}
}

func (d *DepthResync) triggerResync(ctx context.Context, symbolID int64, s *depthChainState) {
	sym, ok := d.registry.Lookup(symbolID)
	if !ok {
		log.Error().Int64("symbol_id", symbolID).Msg("control: resync: unknown symbol id, abandoning resync")
		s.mu.Lock()
		s.resyncPending = false
		s.hasBaseline = false
		s.mu.Unlock()
		return
	}

	snap, err := d.client.FetchDepthSnapshot(ctx, symbolID, sym.Code, 1000)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Int64("symbol_id", symbolID).Msg("control: resync: snapshot fetch failed, will re-baseline on next event")
		s.resyncPending = false
		s.hasBaseline = false
		return
	}

	s.baseline = snap.LastUpdateID
	s.baselineSet = true
	log.Info().Int64("symbol_id", symbolID).Int64("last_update_id", snap.LastUpdateID).Msg("control: resync: snapshot applied")

	if d.bus != nil {
		d.bus.Publish(telemetry.Event{Kind: telemetry.EventDepthResync, Payload: map[string]interface{}{
			"symbol_id":      symbolID,
			"last_update_id": snap.LastUpdateID,
		}})
	}
}
