package sqlstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id          BIGSERIAL PRIMARY KEY,
		client_id   VARCHAR(50) NOT NULL,
		symbol      VARCHAR(10) NOT NULL,
		quantity    BIGINT NOT NULL CHECK (quantity >= 0),
		cost_basis  NUMERIC(24, 8) NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (client_id, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS margins (
		id                      BIGSERIAL PRIMARY KEY,
		client_id               VARCHAR(50) NOT NULL UNIQUE,
		loan_amount             NUMERIC(24, 8) NOT NULL CHECK (loan_amount >= 0),
		maintenance_margin_rate NUMERIC(5, 4) NOT NULL DEFAULT 0.25,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS market_data (
		id             BIGSERIAL PRIMARY KEY,
		symbol         VARCHAR(10) NOT NULL,
		current_price  NUMERIC(24, 8) NOT NULL,
		ts             TIMESTAMPTZ NOT NULL,
		source         VARCHAR(50) NOT NULL DEFAULT 'api',
		UNIQUE (symbol, source, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_client ON positions (client_id)`,
	`CREATE INDEX IF NOT EXISTS idx_market_data_symbol_ts ON market_data (symbol, ts DESC)`,
}

// SQLite keeps decimals as TEXT so values round-trip exactly.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id   TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		quantity    INTEGER NOT NULL CHECK (quantity >= 0),
		cost_basis  TEXT NOT NULL,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL,
		UNIQUE (client_id, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS margins (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id               TEXT NOT NULL UNIQUE,
		loan_amount             TEXT NOT NULL,
		maintenance_margin_rate TEXT NOT NULL DEFAULT '0.25',
		created_at              DATETIME NOT NULL,
		updated_at              DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS market_data (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol         TEXT NOT NULL,
		current_price  TEXT NOT NULL,
		ts             DATETIME NOT NULL,
		source         TEXT NOT NULL DEFAULT 'api',
		UNIQUE (symbol, source, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_client ON positions (client_id)`,
	`CREATE INDEX IF NOT EXISTS idx_market_data_symbol_ts ON market_data (symbol, ts DESC)`,
}

// Migrate creates the schema for the connection's driver. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	var statements []string
	switch s.db.DriverName() {
	case DriverPostgres:
		statements = postgresSchema
	case DriverSQLite:
		statements = sqliteSchema
	default:
		return fmt.Errorf("unsupported database driver: %s", s.db.DriverName())
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for i, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}

	log.Info().
		Str("driver", s.db.DriverName()).
		Int("statements", len(statements)).
		Msg("Database schema up to date")
	return nil
}
