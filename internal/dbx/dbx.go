// Package dbx owns the Postgres connection pool backing the kline
// store, including the schema this service expects to find.
package dbx

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config mirrors the reference connection manager's pool tunables.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    10 * time.Second,
	}
}

// schema is applied idempotently at startup. A single table holds the
// mirrored series; the unique index on (symbol, interval, market_type,
// open_time) is what the store's upsert conflicts against.
const schema = `
CREATE TABLE IF NOT EXISTS kline_audit (
	id          BIGSERIAL PRIMARY KEY,
	symbol      TEXT NOT NULL,
	interval    TEXT NOT NULL,
	market_type TEXT NOT NULL,
	open_time   BIGINT NOT NULL,
	open_time_dt TIMESTAMPTZ,
	open        DOUBLE PRECISION NOT NULL,
	high        DOUBLE PRECISION NOT NULL,
	low         DOUBLE PRECISION NOT NULL,
	close       DOUBLE PRECISION NOT NULL,
	volume      DOUBLE PRECISION NOT NULL,
	turnover    DOUBLE PRECISION,
	raw_json    JSONB,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS kline_audit_key
	ON kline_audit (symbol, interval, market_type, open_time);
CREATE INDEX IF NOT EXISTS kline_audit_range
	ON kline_audit (symbol, interval, market_type, open_time DESC);
`

// Manager owns the *sqlx.DB and applies the schema on connect.
type Manager struct {
	db     *sqlx.DB
	config Config
}

func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dbx: DSN is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("dbx: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbx: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbx: schema: %w", err)
	}

	return &Manager{db: db, config: cfg}, nil
}

func (m *Manager) DB() *sqlx.DB { return m.db }

func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// Stats reports connection-pool counters for the ops surface.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.db.Stats()
	return map[string]interface{}{
		"max_open":      stats.MaxOpenConnections,
		"open":          stats.OpenConnections,
		"in_use":        stats.InUse,
		"idle":          stats.Idle,
		"wait_count":    stats.WaitCount,
		"wait_duration": stats.WaitDuration.Milliseconds(),
	}
}

// Ping checks connectivity within QueryTimeout.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	return m.db.PingContext(ctx)
}
