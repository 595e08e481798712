package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// symbolsRepo implements persistence.SymbolStore against Postgres.
type symbolsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSymbolsRepo builds the backing store for the Symbol Registry.
func NewSymbolsRepo(db *sqlx.DB, timeout time.Duration) persistence.SymbolStore {
	return &symbolsRepo{db: db, timeout: timeout}
}

// GetOrCreate resolves (venue, code) to a stable id, inserting a row on
// first observation (spec §4.1/§3: "Rows are created lazily... never
// deleted, only deactivated").
func (r *symbolsRepo) GetOrCreate(ctx context.Context, venue, code string) (persistence.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s persistence.Symbol
	err := r.db.GetContext(ctx, &s, `
		SELECT id, venue, code, instrument_class, base_asset, quote_asset, active, tick_size, lot_size, created_at
		FROM symbols WHERE venue = $1 AND code = $2`, venue, code)
	if err == nil {
		return s, nil
	}
	if err != sql.ErrNoRows {
		return persistence.Symbol{}, fmt.Errorf("symbols: lookup: %w", err)
	}

	err = r.db.GetContext(ctx, &s, `
		INSERT INTO symbols (venue, code, instrument_class, base_asset, quote_asset, active)
		VALUES ($1, $2, '', '', '', true)
		ON CONFLICT (venue, code) DO UPDATE SET venue = EXCLUDED.venue
		RETURNING id, venue, code, instrument_class, base_asset, quote_asset, active, tick_size, lot_size, created_at`,
		venue, code)
	if err != nil {
		return persistence.Symbol{}, fmt.Errorf("symbols: create %s/%s: %w", venue, code, err)
	}
	return s, nil
}

// ListActive returns all rows with active = true.
func (r *symbolsRepo) ListActive(ctx context.Context) ([]persistence.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []persistence.Symbol
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, venue, code, instrument_class, base_asset, quote_asset, active, tick_size, lot_size, created_at
		FROM symbols WHERE active = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("symbols: list_active: %w", err)
	}
	return rows, nil
}

// SetActive flips the active flag; rows are never deleted.
func (r *symbolsRepo) SetActive(ctx context.Context, id int64, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `UPDATE symbols SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("symbols: set_active %d: %w", id, err)
	}
	return nil
}
