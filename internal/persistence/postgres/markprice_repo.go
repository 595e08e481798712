package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// markPriceRepo persists the optional mark_price channel, keyed by
// (symbol_id, ts_exchange).
type markPriceRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMarkPriceRepo builds the mark_price raw-table repository.
func NewMarkPriceRepo(db *sqlx.DB, timeout time.Duration) persistence.MarkPriceRepo {
	return &markPriceRepo{db: db, timeout: timeout}
}

// UpsertBatch inserts rows one at a time inside a single transaction.
// Funding rate and next-funding-time are nullable so this channel uses a
// prepared-statement loop rather than the unnest path the fixed-shape
// tables use.
func (r *markPriceRepo) UpsertBatch(ctx context.Context, rows []persistence.MarkPrice) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mark_price: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO mark_price (symbol_id, ts_exchange, ts_ingest, mark_price, index_price, funding_rate, next_funding_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol_id, ts_exchange) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("mark_price: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range rows {
		res, err := stmt.ExecContext(ctx, m.SymbolID, m.TsExchange, m.TsIngest,
			m.MarkPrice, m.IndexPrice, m.FundingRate, m.NextFundingTime)
		if err != nil {
			if isDuplicateKey(err) {
				continue
			}
			return inserted, fmt.Errorf("mark_price: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("mark_price: commit: %w", err)
	}
	return inserted, nil
}
