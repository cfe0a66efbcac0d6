// Package database persists wallet records and the order journal in PostgreSQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool and implements wallet.Store and wallet.Journal.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgx pool using the provided DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate ensures that all required tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}
	_, err := s.pool.Exec(ctx, migrationSQL)
	return err
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS wallets (
  user_id TEXT PRIMARY KEY,
  address TEXT NOT NULL,
  encrypted_key TEXT NOT NULL,
  auto_buy BOOLEAN NOT NULL DEFAULT FALSE,
  slippage INT NOT NULL,
  default_buy_amount TEXT NOT NULL,
  auto_sell_enabled BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS positions (
  user_id TEXT NOT NULL REFERENCES wallets(user_id) ON DELETE CASCADE,
  ord INT NOT NULL,
  token_address TEXT NOT NULL,
  buy_price TEXT NOT NULL,
  buy_time TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_user_token ON positions(user_id, lower(token_address));

CREATE TABLE IF NOT EXISTS auto_sell_triggers (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES wallets(user_id) ON DELETE CASCADE,
  ord INT NOT NULL,
  type TEXT NOT NULL CHECK (type IN ('marketcap','profit','loss','time')),
  value NUMERIC NOT NULL,
  percentage INT NOT NULL CHECK (percentage BETWEEN 1 AND 100)
);
CREATE INDEX IF NOT EXISTS idx_triggers_user ON auto_sell_triggers(user_id);

CREATE TABLE IF NOT EXISTS dca_campaigns (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES wallets(user_id) ON DELETE CASCADE,
  ord INT NOT NULL,
  token_address TEXT NOT NULL,
  amount_per_buy TEXT NOT NULL,
  interval_minutes INT NOT NULL,
  max_executions INT NOT NULL,
  executed_count INT NOT NULL DEFAULT 0,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  next_execution_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_campaigns_user ON dca_campaigns(user_id);

CREATE TABLE IF NOT EXISTS orders (
  id BIGSERIAL PRIMARY KEY,
  user_id TEXT NOT NULL,
  token_address TEXT NOT NULL,
  side TEXT NOT NULL CHECK (side IN ('buy','sell')),
  venue TEXT NOT NULL DEFAULT '',
  amount_in TEXT NOT NULL DEFAULT '',
  min_out TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  stage TEXT,
  error TEXT,
  tx_hash TEXT,
  source TEXT NOT NULL DEFAULT 'manual',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, id DESC);
`
