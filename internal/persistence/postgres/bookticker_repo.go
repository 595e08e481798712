package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/mdingest/internal/persistence"
)

type bookTickerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBookTickerRepo builds the book_ticker raw-table repository.
func NewBookTickerRepo(db *sqlx.DB, timeout time.Duration) persistence.BookTickerRepo {
	return &bookTickerRepo{db: db, timeout: timeout}
}

// UpsertBatch bulk-inserts rows in one statement using unnest over
// column arrays, on-conflict-do-nothing on the table's uniqueness key
// (symbol_id, ts_exchange, update_id), per spec §4.5.
func (r *bookTickerRepo) UpsertBatch(ctx context.Context, rows []persistence.BookTicker) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	symbolIDs := make([]int64, len(rows))
	tsExchange := make([]time.Time, len(rows))
	tsIngest := make([]time.Time, len(rows))
	updateIDs := make([]int64, len(rows))
	bestBid := make([]float64, len(rows))
	bestAsk := make([]float64, len(rows))
	bidQty := make([]float64, len(rows))
	askQty := make([]float64, len(rows))
	spread := make([]float64, len(rows))
	mid := make([]float64, len(rows))

	for i, b := range rows {
		symbolIDs[i] = b.SymbolID
		tsExchange[i] = b.TsExchange
		tsIngest[i] = b.TsIngest
		updateIDs[i] = b.UpdateID
		bestBid[i] = b.BestBid
		bestAsk[i] = b.BestAsk
		bidQty[i] = b.BidQty
		askQty[i] = b.AskQty
		spread[i] = b.Spread
		mid[i] = b.Mid
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO book_ticker (symbol_id, ts_exchange, ts_ingest, update_id, best_bid, best_ask, bid_qty, ask_qty, spread, mid)
		SELECT * FROM unnest($1::bigint[], $2::timestamptz[], $3::timestamptz[], $4::bigint[], $5::float8[], $6::float8[], $7::float8[], $8::float8[], $9::float8[], $10::float8[])
		ON CONFLICT (symbol_id, ts_exchange, update_id) DO NOTHING`,
		pq.Array(symbolIDs), pq.Array(tsExchange), pq.Array(tsIngest), pq.Array(updateIDs),
		pq.Array(bestBid), pq.Array(bestAsk), pq.Array(bidQty), pq.Array(askQty), pq.Array(spread), pq.Array(mid))
	if err != nil {
		return 0, fmt.Errorf("book_ticker: upsert_batch: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ListBySymbol returns rows for one symbol in a time window. limit <= 0
// means no cap: Postgres treats "LIMIT 0" as "return zero rows", not
// "unlimited", so that clause is only appended when a positive limit is
// given.
func (r *bookTickerRepo) ListBySymbol(ctx context.Context, symbolID int64, tr persistence.TimeRange, limit int) ([]persistence.BookTicker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol_id, ts_exchange, ts_ingest, update_id, best_bid, best_ask, bid_qty, ask_qty, spread, mid
		FROM book_ticker
		WHERE symbol_id = $1 AND ts_exchange >= $2 AND ts_exchange < $3
		ORDER BY ts_exchange`
	args := []interface{}{symbolID, tr.From, tr.To}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	var rows []persistence.BookTicker
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("book_ticker: list_by_symbol: %w", err)
	}
	return rows, nil
}

// LastSeen returns the most recent ts_exchange committed for a symbol.
func (r *bookTickerRepo) LastSeen(ctx context.Context, symbolID int64) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ts time.Time
	err := r.db.GetContext(ctx, &ts, `SELECT max(ts_exchange) FROM book_ticker WHERE symbol_id = $1`, symbolID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("book_ticker: last_seen: %w", err)
	}
	if ts.IsZero() {
		return time.Time{}, false, nil
	}
	return ts, true, nil
}
