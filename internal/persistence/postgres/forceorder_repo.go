package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// forceOrderRepo persists the optional force_orders (liquidation) channel,
// keyed by (symbol_id, ts_exchange, side, price, qty).
type forceOrderRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewForceOrderRepo builds the force_orders raw-table repository.
func NewForceOrderRepo(db *sqlx.DB, timeout time.Duration) persistence.ForceOrderRepo {
	return &forceOrderRepo{db: db, timeout: timeout}
}

func (r *forceOrderRepo) UpsertBatch(ctx context.Context, rows []persistence.ForceOrder) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("force_orders: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO force_orders (symbol_id, ts_exchange, ts_ingest, side, price, qty, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol_id, ts_exchange, side, price, qty) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("force_orders: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, f := range rows {
		res, err := stmt.ExecContext(ctx, f.SymbolID, f.TsExchange, f.TsIngest, f.Side, f.Price, f.Qty, f.RawPayload)
		if err != nil {
			if isDuplicateKey(err) {
				continue
			}
			return inserted, fmt.Errorf("force_orders: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("force_orders: commit: %w", err)
	}
	return inserted, nil
}
