package symbol

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	next    int64
	rows    map[key]Symbol
	getErr  error
	calls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[key]Symbol)}
}

func (f *fakeStore) GetOrCreate(ctx context.Context, venue, code string) (Symbol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.getErr != nil {
		return Symbol{}, f.getErr
	}
	k := key{venue: venue, code: code}
	if s, ok := f.rows[k]; ok {
		return s, nil
	}
	f.next++
	s := Symbol{ID: f.next, Venue: venue, Code: code, Active: true}
	f.rows[k] = s
	return s, nil
}

func (f *fakeStore) ListActive(ctx context.Context) ([]Symbol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Symbol
	for _, s := range f.rows {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) SetActive(ctx context.Context, id int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, s := range f.rows {
		if s.ID == id {
			s.Active = active
			f.rows[k] = s
			return nil
		}
	}
	return errors.New("not found")
}

func TestResolveCreatesStableID(t *testing.T) {
	store := newFakeStore()
	reg := New(store)

	id1, err := reg.Resolve(context.Background(), "venue", "BTCUSDT")
	require.NoError(t, err)

	id2, err := reg.Resolve(context.Background(), "venue", "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, store.calls, "second resolve should hit the cache, not the store")
}

func TestResolveDistinctSymbolsGetDistinctIDs(t *testing.T) {
	store := newFakeStore()
	reg := New(store)

	id1, err := reg.Resolve(context.Background(), "venue", "BTCUSDT")
	require.NoError(t, err)
	id2, err := reg.Resolve(context.Background(), "venue", "ETHUSDT")
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestResolveFailsFastOnStoreError(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")
	reg := New(store)

	_, err := reg.Resolve(context.Background(), "venue", "BTCUSDT")
	assert.Error(t, err)
}

func TestDeactivateNeverDeletes(t *testing.T) {
	store := newFakeStore()
	reg := New(store)

	id, err := reg.Resolve(context.Background(), "venue", "BTCUSDT")
	require.NoError(t, err)

	require.NoError(t, reg.Deactivate(context.Background(), id))

	sym, ok := reg.Lookup(id)
	require.True(t, ok, "symbol row must still exist after deactivation")
	assert.False(t, sym.Active)
}

func TestWarmPrePopulatesCache(t *testing.T) {
	store := newFakeStore()
	_, err := store.GetOrCreate(context.Background(), "venue", "BTCUSDT")
	require.NoError(t, err)

	reg := New(store)
	require.NoError(t, reg.Warm(context.Background()))

	id, err := reg.Resolve(context.Background(), "venue", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, 1, store.calls, "warm should have satisfied the resolve from cache")
}
