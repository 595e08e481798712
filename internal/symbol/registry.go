// Package symbol implements the canonical venue+symbol -> internal id
// mapping described in spec §4.1: a warm in-memory cache backed by a
// durable store, single-writer behind a mutex, many readers.
package symbol

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mdingest/internal/validate"
)

// Symbol is one row of the registry.
type Symbol struct {
	ID             int64
	Venue          string
	Code           string
	InstrumentClass string // "perpetual", "spot", ...
	BaseAsset      string
	QuoteAsset     string
	Active         bool
	TickSize       *float64
	LotSize        *float64
}

type key struct {
	venue string
	code  string
}

// Store is the durable persistence boundary the Registry resolves
// against on a cache miss. Implemented by internal/persistence/postgres.
type Store interface {
	// GetOrCreate returns the existing symbol row for (venue, code), or
	// creates one with the next stable id if it does not yet exist.
	GetOrCreate(ctx context.Context, venue, code string) (Symbol, error)
	// ListActive returns all rows with active = true.
	ListActive(ctx context.Context) ([]Symbol, error)
	// SetActive flips the active flag for an id; rows are never deleted.
	SetActive(ctx context.Context, id int64, active bool) error
}

// Registry resolves (venue, code) pairs to stable ids with an in-memory
// cache, per spec §4.1 and the ownership note in §5 ("Symbol Registry
// cache: many readers, single writer behind a mutex").
type Registry struct {
	store Store

	mu    sync.RWMutex
	byKey map[key]Symbol
	byID  map[int64]Symbol
}

// New constructs a Registry backed by store. The cache starts empty and
// warms lazily; Warm can be called to pre-warm it eagerly.
func New(store Store) *Registry {
	return &Registry{
		store: store,
		byKey: make(map[key]Symbol),
		byID:  make(map[int64]Symbol),
	}
}

// Resolve returns the internal id for (venue, code), creating the row in
// the store if it has never been observed before. Resolution is O(1)
// after warm-up (cache hit); on a miss it falls through to the store and
// fails fast if the store is unavailable (spec §4.1 failure mode) —
// callers (the Normalizer) are expected to buffer upstream during the
// pause rather than retry synchronously in the hot path.
func (r *Registry) Resolve(ctx context.Context, venue, code string) (int64, error) {
	k := key{venue: venue, code: code}

	r.mu.RLock()
	if s, ok := r.byKey[k]; ok {
		r.mu.RUnlock()
		return s.ID, nil
	}
	r.mu.RUnlock()

	sym, err := r.store.GetOrCreate(ctx, venue, code)
	if err != nil {
		return 0, fmt.Errorf("symbol: resolve %s/%s: %w", venue, code, err)
	}

	r.mu.Lock()
	r.byKey[k] = sym
	r.byID[sym.ID] = sym
	r.mu.Unlock()

	return sym.ID, nil
}

// Warm loads all active symbols from the store into the cache up front,
// avoiding a cold-cache stall on the first frame of each stream.
func (r *Registry) Warm(ctx context.Context) error {
	syms, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("symbol: warm: %w", err)
	}

	r.mu.Lock()
	for _, s := range syms {
		k := key{venue: s.Venue, code: s.Code}
		r.byKey[k] = s
		r.byID[s.ID] = s
	}
	r.mu.Unlock()

	log.Info().Int("count", len(syms)).Msg("symbol registry warmed")
	return nil
}

// ListActive returns the active symbols currently known to the store.
func (r *Registry) ListActive(ctx context.Context) ([]Symbol, error) {
	syms, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("symbol: list_active: %w", err)
	}
	return syms, nil
}

// Deactivate marks a symbol inactive in both the store and the cache.
// Symbols are never deleted (spec §3).
func (r *Registry) Deactivate(ctx context.Context, id int64) error {
	if err := r.store.SetActive(ctx, id, false); err != nil {
		return fmt.Errorf("symbol: deactivate %d: %w", id, err)
	}

	r.mu.Lock()
	if s, ok := r.byID[id]; ok {
		s.Active = false
		r.byID[id] = s
		r.byKey[key{venue: s.Venue, code: s.Code}] = s
	}
	r.mu.Unlock()

	return nil
}

// ListActiveSymbolIDs satisfies internal/aggregate.ActiveSymbolLister,
// resolving the symbol universe the flat-grid refresh loop must cover.
func (r *Registry) ListActiveSymbolIDs(ctx context.Context) ([]int64, error) {
	syms, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(syms))
	for i, s := range syms {
		ids[i] = s.ID
	}
	return ids, nil
}

// ListActiveRefs satisfies internal/validate.SymbolLister.
func (r *Registry) ListActiveRefs(ctx context.Context) ([]validate.SymbolRef, error) {
	syms, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]validate.SymbolRef, len(syms))
	for i, s := range syms {
		refs[i] = validate.SymbolRef{ID: s.ID, Venue: s.Venue, Code: s.Code}
	}
	return refs, nil
}

// Lookup returns the cached symbol for an id without touching the store.
func (r *Registry) Lookup(id int64) (Symbol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}
