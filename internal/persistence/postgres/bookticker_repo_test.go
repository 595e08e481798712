package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// TestListBySymbolZeroLimitOmitsLimitClause is a regression test for the
// late-arrival recompute path (internal/aggregate.recomputeBT1s), which
// calls ListBySymbol with limit=0 meaning "no cap". Postgres treats
// "LIMIT 0" as "return zero rows", not "unlimited", so the query must
// omit the LIMIT clause entirely rather than bind 0 into it.
func TestListBySymbolZeroLimitOmitsLimitClause(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewBookTickerRepo(sqlx.NewDb(db, "postgres"), time.Second)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Second)

	rows := sqlmock.NewRows([]string{"symbol_id", "ts_exchange", "ts_ingest", "update_id", "best_bid", "best_ask", "bid_qty", "ask_qty", "spread", "mid"}).
		AddRow(int64(1), from, from, int64(1), 100.0, 101.0, 1.0, 1.0, 1.0, 100.5).
		AddRow(int64(1), from.Add(200*time.Millisecond), from, int64(2), 102.0, 103.0, 1.0, 1.0, 1.0, 102.5)

	// No LIMIT clause, and no fourth bound argument, when limit <= 0.
	mock.ExpectQuery(`SELECT symbol_id, ts_exchange, ts_ingest, update_id, best_bid, best_ask, bid_qty, ask_qty, spread, mid\s+FROM book_ticker\s+WHERE symbol_id = \$1 AND ts_exchange >= \$2 AND ts_exchange < \$3\s+ORDER BY ts_exchange$`).
		WithArgs(int64(1), from, to).
		WillReturnRows(rows)

	got, err := repo.ListBySymbol(context.Background(), 1, persistence.TimeRange{From: from, To: to}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2, "limit<=0 must return every row in the window, not zero rows")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBySymbolPositiveLimitAppendsLimitClause(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewBookTickerRepo(sqlx.NewDb(db, "postgres"), time.Second)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Second)

	rows := sqlmock.NewRows([]string{"symbol_id", "ts_exchange", "ts_ingest", "update_id", "best_bid", "best_ask", "bid_qty", "ask_qty", "spread", "mid"}).
		AddRow(int64(1), from, from, int64(1), 100.0, 101.0, 1.0, 1.0, 1.0, 100.5)

	mock.ExpectQuery(`SELECT symbol_id, ts_exchange, ts_ingest, update_id, best_bid, best_ask, bid_qty, ask_qty, spread, mid\s+FROM book_ticker\s+WHERE symbol_id = \$1 AND ts_exchange >= \$2 AND ts_exchange < \$3\s+ORDER BY ts_exchange\s+LIMIT \$4$`).
		WithArgs(int64(1), from, to, 10).
		WillReturnRows(rows)

	got, err := repo.ListBySymbol(context.Background(), 1, persistence.TimeRange{From: from, To: to}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, mock.ExpectationsWereMet())
}
