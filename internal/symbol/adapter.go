package symbol

import (
	"context"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// persistenceStoreAdapter adapts a persistence.SymbolStore (whose Symbol
// rows carry a CreatedAt column that the registry doesn't need) to the
// Store interface this package expects.
type persistenceStoreAdapter struct {
	store persistence.SymbolStore
}

// NewPersistenceStore wraps a persistence.SymbolStore as a Store.
func NewPersistenceStore(store persistence.SymbolStore) Store {
	return &persistenceStoreAdapter{store: store}
}

func fromPersistenceSymbol(s persistence.Symbol) Symbol {
	return Symbol{
		ID:              s.ID,
		Venue:           s.Venue,
		Code:            s.Code,
		InstrumentClass: s.InstrumentClass,
		BaseAsset:       s.BaseAsset,
		QuoteAsset:      s.QuoteAsset,
		Active:          s.Active,
		TickSize:        s.TickSize,
		LotSize:         s.LotSize,
	}
}

func (a *persistenceStoreAdapter) GetOrCreate(ctx context.Context, venue, code string) (Symbol, error) {
	s, err := a.store.GetOrCreate(ctx, venue, code)
	if err != nil {
		return Symbol{}, err
	}
	return fromPersistenceSymbol(s), nil
}

func (a *persistenceStoreAdapter) ListActive(ctx context.Context) ([]Symbol, error) {
	syms, err := a.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Symbol, len(syms))
	for i, s := range syms {
		out[i] = fromPersistenceSymbol(s)
	}
	return out, nil
}

func (a *persistenceStoreAdapter) SetActive(ctx context.Context, id int64, active bool) error {
	return a.store.SetActive(ctx, id, active)
}
