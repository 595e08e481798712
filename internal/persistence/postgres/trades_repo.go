package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// tradesRepo persists the trades raw table, keyed by (symbol_id, agg_trade_id).
type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo builds the trades raw-table repository.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.TradeRepo {
	return &tradesRepo{db: db, timeout: timeout}
}

func (r *tradesRepo) UpsertBatch(ctx context.Context, rows []persistence.Trade) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	symbolIDs := make([]int64, len(rows))
	tsExchange := make([]time.Time, len(rows))
	tsIngest := make([]time.Time, len(rows))
	aggTradeIDs := make([]int64, len(rows))
	prices := make([]float64, len(rows))
	qtys := make([]float64, len(rows))
	buyerIsMaker := make([]bool, len(rows))

	for i, t := range rows {
		symbolIDs[i] = t.SymbolID
		tsExchange[i] = t.TsExchange
		tsIngest[i] = t.TsIngest
		aggTradeIDs[i] = t.AggTradeID
		prices[i] = t.Price
		qtys[i] = t.Qty
		buyerIsMaker[i] = t.BuyerIsMaker
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO trades (symbol_id, ts_exchange, ts_ingest, agg_trade_id, price, qty, buyer_is_maker)
		SELECT * FROM unnest($1::bigint[], $2::timestamptz[], $3::timestamptz[], $4::bigint[], $5::float8[], $6::float8[], $7::bool[])
		ON CONFLICT (symbol_id, agg_trade_id) DO NOTHING`,
		pq.Array(symbolIDs), pq.Array(tsExchange), pq.Array(tsIngest), pq.Array(aggTradeIDs),
		pq.Array(prices), pq.Array(qtys), pq.Array(buyerIsMaker))
	if err != nil {
		if isDuplicateKey(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("trades: upsert_batch: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ListBySymbol returns rows for one symbol in a time window. limit <= 0
// means no cap: Postgres treats "LIMIT 0" as "return zero rows", not
// "unlimited", so that clause is only appended when a positive limit is
// given.
func (r *tradesRepo) ListBySymbol(ctx context.Context, symbolID int64, tr persistence.TimeRange, limit int) ([]persistence.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol_id, ts_exchange, ts_ingest, agg_trade_id, price, qty, buyer_is_maker
		FROM trades
		WHERE symbol_id = $1 AND ts_exchange >= $2 AND ts_exchange < $3
		ORDER BY ts_exchange`
	args := []interface{}{symbolID, tr.From, tr.To}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	var rows []persistence.Trade
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("trades: list_by_symbol: %w", err)
	}
	return rows, nil
}

func (r *tradesRepo) LastSeen(ctx context.Context, symbolID int64) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ts time.Time
	err := r.db.GetContext(ctx, &ts, `SELECT max(ts_exchange) FROM trades WHERE symbol_id = $1`, symbolID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("trades: last_seen: %w", err)
	}
	if ts.IsZero() {
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

// isDuplicateKey recognizes Postgres' unique_violation code, matching the
// pq.Error inspection pattern used throughout this package.
func isDuplicateKey(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
