// Package db manages the Postgres connection pool and wires up the
// repository collection every other component depends on, grounded on
// the teacher's own connection-manager shape.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sawpanic/mdingest/internal/persistence"
	"github.com/sawpanic/mdingest/internal/persistence/postgres"
)

// Config holds database connection parameters.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns reasonable pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    10 * time.Second,
	}
}

// Manager owns the pooled *sqlx.DB and the repository collection built
// on top of it.
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
}

// NewManager opens the pool, verifies connectivity, and wires every
// repository implementation in internal/persistence/postgres.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("db: DSN is required")
	}

	sqlxDB, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	sqlxDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlxDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlxDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlxDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlxDB.PingContext(ctx); err != nil {
		sqlxDB.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	repos := &persistence.Repository{
		Symbols:     postgres.NewSymbolsRepo(sqlxDB, config.QueryTimeout),
		BookTicker:  postgres.NewBookTickerRepo(sqlxDB, config.QueryTimeout),
		Trades:      postgres.NewTradesRepo(sqlxDB, config.QueryTimeout),
		DepthDeltas: postgres.NewDepthDeltaRepo(sqlxDB, config.QueryTimeout),
		MarkPrice:   postgres.NewMarkPriceRepo(sqlxDB, config.QueryTimeout),
		ForceOrders: postgres.NewForceOrderRepo(sqlxDB, config.QueryTimeout),
		Aggregates:  postgres.NewAggregatesRepo(sqlxDB, config.QueryTimeout),
		Stats:       postgres.NewStatsRepo(sqlxDB, config.QueryTimeout),
		Retention:   postgres.NewRetentionRepo(sqlxDB, config.QueryTimeout),
	}

	return &Manager{db: sqlxDB, config: config, repos: repos}, nil
}

// Repository returns the wired repository collection.
func (m *Manager) Repository() *persistence.Repository { return m.repos }

// DB returns the underlying pooled connection, for migrations or ad-hoc
// diagnostics.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Close closes the pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// Health reports connectivity and pool statistics, satisfying
// persistence.Health.
func (m *Manager) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()

	pingCtx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()

	var errs []string
	healthy := true
	if err := m.db.PingContext(pingCtx); err != nil {
		errs = append(errs, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := m.db.Stats()
	return persistence.HealthCheck{
		Healthy: healthy,
		Errors:  errs,
		ConnectionPool: map[string]int{
			"max_open":      stats.MaxOpenConnections,
			"open":          stats.OpenConnections,
			"in_use":        stats.InUse,
			"idle":          stats.Idle,
			"wait_count":    int(stats.WaitCount),
			"wait_duration": int(stats.WaitDuration.Milliseconds()),
		},
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// Ping tests basic connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	return m.db.PingContext(pingCtx)
}
