package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// statsRepo answers the control plane's DBStats operation (spec §4.8):
// per-symbol counts and last-seen timestamps over 1-minute and 1-hour
// windows, read from the book_ticker raw table only; trades rows are not
// counted.
type statsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStatsRepo builds the DBStats repository.
func NewStatsRepo(db *sqlx.DB, timeout time.Duration) persistence.StatsRepo {
	return &statsRepo{db: db, timeout: timeout}
}

func (r *statsRepo) SymbolCounts(ctx context.Context, now time.Time) ([]persistence.SymbolCounts, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	minuteAgo := now.Add(-time.Minute)
	hourAgo := now.Add(-time.Hour)

	var rows []persistence.SymbolCounts
	err := r.db.SelectContext(ctx, &rows, `
		SELECT
			symbol_id,
			count(*) FILTER (WHERE ts_exchange >= $1) AS last_minute,
			count(*) FILTER (WHERE ts_exchange >= $2) AS last_hour,
			max(ts_exchange) AS last_seen
		FROM book_ticker
		WHERE ts_exchange >= $2
		GROUP BY symbol_id`, minuteAgo, hourAgo)
	if err != nil {
		return nil, fmt.Errorf("stats: symbol_counts: %w", err)
	}
	return rows, nil
}
