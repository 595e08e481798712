package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/mdingest/internal/persistence"
)

// aggregatesRepo is written exclusively by internal/aggregate.Aggregator,
// matching the ownership rule in spec §3: "the Aggregator exclusively
// writes aggregate/derived tables".
type aggregatesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAggregatesRepo builds the bt_1s/trade_1s/core_1s_24h repository.
func NewAggregatesRepo(db *sqlx.DB, timeout time.Duration) persistence.AggregateRepo {
	return &aggregatesRepo{db: db, timeout: timeout}
}

func (r *aggregatesRepo) UpsertBT1s(ctx context.Context, rows []persistence.BT1s) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	symbolIDs := make([]int64, len(rows))
	tsSecond := make([]time.Time, len(rows))
	openMid := make([]float64, len(rows))
	highMid := make([]float64, len(rows))
	lowMid := make([]float64, len(rows))
	closeMid := make([]float64, len(rows))
	spreadMean := make([]float64, len(rows))
	spreadMax := make([]float64, len(rows))
	updateCount := make([]int64, len(rows))
	vwMid := make([]float64, len(rows))

	for i, b := range rows {
		symbolIDs[i] = b.SymbolID
		tsSecond[i] = b.TsSecond
		openMid[i] = b.OpenMid
		highMid[i] = b.HighMid
		lowMid[i] = b.LowMid
		closeMid[i] = b.CloseMid
		spreadMean[i] = b.SpreadMean
		spreadMax[i] = b.SpreadMax
		updateCount[i] = b.UpdateCount
		vwMid[i] = b.VWMid
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bt_1s (symbol_id, ts_second, open_mid, high_mid, low_mid, close_mid, spread_mean, spread_max, update_count, vw_mid)
		SELECT * FROM unnest($1::bigint[], $2::timestamptz[], $3::float8[], $4::float8[], $5::float8[], $6::float8[], $7::float8[], $8::float8[], $9::bigint[], $10::float8[])
		ON CONFLICT (symbol_id, ts_second) DO UPDATE SET
			open_mid = EXCLUDED.open_mid, high_mid = EXCLUDED.high_mid, low_mid = EXCLUDED.low_mid,
			close_mid = EXCLUDED.close_mid, spread_mean = EXCLUDED.spread_mean, spread_max = EXCLUDED.spread_max,
			update_count = EXCLUDED.update_count, vw_mid = EXCLUDED.vw_mid`,
		pq.Array(symbolIDs), pq.Array(tsSecond), pq.Array(openMid), pq.Array(highMid), pq.Array(lowMid),
		pq.Array(closeMid), pq.Array(spreadMean), pq.Array(spreadMax), pq.Array(updateCount), pq.Array(vwMid))
	if err != nil {
		return fmt.Errorf("bt_1s: upsert: %w", err)
	}
	return nil
}

func (r *aggregatesRepo) UpsertTrade1s(ctx context.Context, rows []persistence.Trade1s) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("trade_1s: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO trade_1s (symbol_id, ts_second, count, volume_sum, value_sum, vwap, buy_qty, sell_qty, min_price, max_price, imbalance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (symbol_id, ts_second) DO UPDATE SET
			count = EXCLUDED.count, volume_sum = EXCLUDED.volume_sum, value_sum = EXCLUDED.value_sum,
			vwap = EXCLUDED.vwap, buy_qty = EXCLUDED.buy_qty, sell_qty = EXCLUDED.sell_qty,
			min_price = EXCLUDED.min_price, max_price = EXCLUDED.max_price, imbalance = EXCLUDED.imbalance`)
	if err != nil {
		return fmt.Errorf("trade_1s: prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range rows {
		if _, err := stmt.ExecContext(ctx, t.SymbolID, t.TsSecond, t.Count, t.VolumeSum, t.ValueSum,
			t.VWAP, t.BuyQty, t.SellQty, t.MinPrice, t.MaxPrice, t.Imbalance); err != nil {
			return fmt.Errorf("trade_1s: upsert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("trade_1s: commit: %w", err)
	}
	return nil
}

func (r *aggregatesRepo) UpsertCore1s24h(ctx context.Context, rows []persistence.Core1s24h) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("core_1s_24h: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO core_1s_24h (symbol_id, ts_second, mid_ffill, spread_ffill, trade_count, volume_sum, vwap, update_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol_id, ts_second) DO UPDATE SET
			mid_ffill = EXCLUDED.mid_ffill, spread_ffill = EXCLUDED.spread_ffill, trade_count = EXCLUDED.trade_count,
			volume_sum = EXCLUDED.volume_sum, vwap = EXCLUDED.vwap, update_count = EXCLUDED.update_count`)
	if err != nil {
		return fmt.Errorf("core_1s_24h: prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range rows {
		if _, err := stmt.ExecContext(ctx, c.SymbolID, c.TsSecond, c.MidFFill, c.SpreadFFill,
			c.TradeCount, c.VolumeSum, c.VWAP, c.UpdateCount); err != nil {
			return fmt.Errorf("core_1s_24h: upsert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("core_1s_24h: commit: %w", err)
	}
	return nil
}

func (r *aggregatesRepo) BT1sInWindow(ctx context.Context, symbolID int64, tr persistence.TimeRange) ([]persistence.BT1s, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []persistence.BT1s
	err := r.db.SelectContext(ctx, &rows, `
		SELECT symbol_id, ts_second, open_mid, high_mid, low_mid, close_mid, spread_mean, spread_max, update_count, vw_mid
		FROM bt_1s WHERE symbol_id = $1 AND ts_second >= $2 AND ts_second < $3 ORDER BY ts_second`,
		symbolID, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("bt_1s: in_window: %w", err)
	}
	return rows, nil
}

func (r *aggregatesRepo) Trade1sInWindow(ctx context.Context, symbolID int64, tr persistence.TimeRange) ([]persistence.Trade1s, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []persistence.Trade1s
	err := r.db.SelectContext(ctx, &rows, `
		SELECT symbol_id, ts_second, count, volume_sum, value_sum, vwap, buy_qty, sell_qty, min_price, max_price, imbalance
		FROM trade_1s WHERE symbol_id = $1 AND ts_second >= $2 AND ts_second < $3 ORDER BY ts_second`,
		symbolID, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("trade_1s: in_window: %w", err)
	}
	return rows, nil
}

func (r *aggregatesRepo) Core1s24hCoverage(ctx context.Context, symbolID int64, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.GetContext(ctx, &count, `
		SELECT count(*) FROM core_1s_24h WHERE symbol_id = $1 AND ts_second >= $2 AND ts_second < $3`,
		symbolID, tr.From, tr.To)
	if err != nil {
		return 0, fmt.Errorf("core_1s_24h: coverage: %w", err)
	}
	return count, nil
}
