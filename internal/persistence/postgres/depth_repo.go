package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// depthDeltaRepo persists depth_deltas, preserving the raw [price, qty]
// change arrays verbatim as JSONB (design notes: "do not attempt to
// flatten into fixed top-N columns at ingest time").
type depthDeltaRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDepthDeltaRepo builds the depth_deltas raw-table repository.
func NewDepthDeltaRepo(db *sqlx.DB, timeout time.Duration) persistence.DepthDeltaRepo {
	return &depthDeltaRepo{db: db, timeout: timeout}
}

func (r *depthDeltaRepo) UpsertBatch(ctx context.Context, rows []persistence.DepthDelta) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("depth_deltas: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO depth_deltas (symbol_id, ts_exchange, ts_ingest, first_update_id, final_update_id, prev_final_update_id, bid_changes, ask_changes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol_id, ts_exchange, final_update_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("depth_deltas: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, d := range rows {
		bidJSON, err := json.Marshal(d.BidChanges)
		if err != nil {
			return inserted, fmt.Errorf("depth_deltas: marshal bid_changes: %w", err)
		}
		askJSON, err := json.Marshal(d.AskChanges)
		if err != nil {
			return inserted, fmt.Errorf("depth_deltas: marshal ask_changes: %w", err)
		}

		res, err := stmt.ExecContext(ctx, d.SymbolID, d.TsExchange, d.TsIngest,
			d.FirstUpdateID, d.FinalUpdateID, d.PrevFinalUpdateID, bidJSON, askJSON)
		if err != nil {
			if isDuplicateKey(err) {
				continue
			}
			return inserted, fmt.Errorf("depth_deltas: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("depth_deltas: commit: %w", err)
	}
	return inserted, nil
}

// LastFinalUpdateID returns the most recently committed final_update_id
// for a symbol. No caller in this repository uses it.
func (r *depthDeltaRepo) LastFinalUpdateID(ctx context.Context, symbolID int64) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id int64
	err := r.db.GetContext(ctx, &id, `
		SELECT final_update_id FROM depth_deltas
		WHERE symbol_id = $1
		ORDER BY ts_exchange DESC, final_update_id DESC
		LIMIT 1`, symbolID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("depth_deltas: last_final_update_id: %w", err)
	}
	return id, true, nil
}
