package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// timeColumn maps each logical table to the column the Retention Manager
// ages rows against. Aggregate tables key on ts_second; raw tables key
// on ts_exchange.
var timeColumn = map[string]string{
	"book_ticker":  "ts_exchange",
	"trades":       "ts_exchange",
	"depth_deltas": "ts_exchange",
	"mark_price":   "ts_exchange",
	"force_orders": "ts_exchange",
	"bt_1s":        "ts_second",
	"trade_1s":     "ts_second",
	"core_1s_24h":  "ts_second",
}

// retentionRepo applies the Retention/Compression Manager's age-based
// policies (spec §4.7). "Compression" here means moving committed rows
// into a sibling _compressed table with the same shape; the logical
// store contract (spec §6) leaves the concrete compression mechanism to
// the storage engine, so this is the portable baseline every Postgres
// deployment supports without an extension.
type retentionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRetentionRepo builds the retention repository.
func NewRetentionRepo(db *sqlx.DB, timeout time.Duration) persistence.RetentionRepo {
	return &retentionRepo{db: db, timeout: timeout}
}

func (r *retentionRepo) CompressOlderThan(ctx context.Context, table string, cutoff time.Time) (int, error) {
	col, ok := timeColumn[table]
	if !ok {
		return 0, fmt.Errorf("retention: unknown table %q", table)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("retention: compress %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	insertSQL := fmt.Sprintf(`INSERT INTO %s_compressed SELECT * FROM %s WHERE %s < $1 ON CONFLICT DO NOTHING`, table, table, col)
	res, err := tx.ExecContext(ctx, insertSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention: compress %s: copy: %w", table, err)
	}
	affected, _ := res.RowsAffected()

	deleteSQL := fmt.Sprintf(`DELETE FROM %s WHERE %s < $1`, table, col)
	if _, err := tx.ExecContext(ctx, deleteSQL, cutoff); err != nil {
		return 0, fmt.Errorf("retention: compress %s: delete original: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("retention: compress %s: commit: %w", table, err)
	}
	return int(affected), nil
}

func (r *retentionRepo) DropOlderThan(ctx context.Context, table string, cutoff time.Time) (int, error) {
	col, ok := timeColumn[table]
	if !ok {
		return 0, fmt.Errorf("retention: unknown table %q", table)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	deleteSQL := fmt.Sprintf(`DELETE FROM %s WHERE %s < $1`, table, col)
	res, err := r.db.ExecContext(ctx, deleteSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention: drop %s: %w", table, err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
