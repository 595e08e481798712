package control

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/mdingest/internal/event"
	"github.com/sawpanic/mdingest/internal/infrastructure/httpclient"
	"github.com/sawpanic/mdingest/internal/symbol"
)

type fakeSymbolStore struct {
	sym symbol.Symbol
}

func (f *fakeSymbolStore) GetOrCreate(ctx context.Context, venue, code string) (symbol.Symbol, error) {
	return f.sym, nil
}
func (f *fakeSymbolStore) ListActive(ctx context.Context) ([]symbol.Symbol, error) {
	return []symbol.Symbol{f.sym}, nil
}
func (f *fakeSymbolStore) SetActive(ctx context.Context, id int64, active bool) error {
	return nil
}

func newTestResync(t *testing.T, snapshotLastUpdateID int64) (*DepthResync, *symbol.Registry) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"lastUpdateId": %d, "bids": [], "asks": []}`, snapshotLastUpdateID)
	}))
	t.Cleanup(server.Close)

	store := &fakeSymbolStore{sym: symbol.Symbol{ID: 1, Venue: Venue, Code: "BTCUSDT", Active: true}}
	registry := symbol.New(store)
	require.NoError(t, registry.Warm(context.Background()))

	client := httpclient.NewSnapshotClient(httpclient.DefaultSnapshotConfig(server.URL))
	return NewDepthResync(client, registry, nil, nil), registry
}

func TestDepthResyncFirstEventEstablishesBaseline(t *testing.T) {
	d, _ := newTestResync(t, 500)
	accepted := d.Accept(context.Background(), event.DepthDelta{SymbolID: 1, FirstUpdateID: 1, FinalUpdateID: 10})
	assert.True(t, accepted)
}

func TestDepthResyncContiguousChainAccepted(t *testing.T) {
	d, _ := newTestResync(t, 500)
	require.True(t, d.Accept(context.Background(), event.DepthDelta{SymbolID: 1, FirstUpdateID: 1, FinalUpdateID: 10}))
	accepted := d.Accept(context.Background(), event.DepthDelta{SymbolID: 1, FirstUpdateID: 11, FinalUpdateID: 20})
	assert.True(t, accepted, "first_update_id == prev final_update_id + 1 must chain without a resync")
}

func TestDepthResyncBrokenChainTriggersResyncAndRebases(t *testing.T) {
	d, _ := newTestResync(t, 500)
	ctx := context.Background()

	require.True(t, d.Accept(ctx, event.DepthDelta{SymbolID: 1, FirstUpdateID: 1, FinalUpdateID: 10}))

	// deliberate gap: expected first_update_id is 11
	rejected := d.Accept(ctx, event.DepthDelta{SymbolID: 1, FirstUpdateID: 50, FinalUpdateID: 60})
	assert.False(t, rejected, "a broken chain must be discarded while resync is in flight")

	s := d.stateFor(1)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.baselineSet
	}, time.Second, 5*time.Millisecond, "snapshot fetch should complete and set a baseline")

	// an event entirely below the snapshot's last_update_id is discarded
	assert.False(t, d.Accept(ctx, event.DepthDelta{SymbolID: 1, FirstUpdateID: 100, FinalUpdateID: 500}))

	// the first event above the snapshot baseline resumes the chain
	resumed := d.Accept(ctx, event.DepthDelta{SymbolID: 1, FirstUpdateID: 501, FinalUpdateID: 510})
	assert.True(t, resumed)

	// and the chain is contiguous again from here
	assert.True(t, d.Accept(ctx, event.DepthDelta{SymbolID: 1, FirstUpdateID: 511, FinalUpdateID: 520}))
}
