// Package sqlstore implements persistence.Storage on sqlx for PostgreSQL and SQLite.
package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/sawpanic/marginwatch/internal/persistence"
)

// Supported driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Store implements persistence.Storage. Queries are written with ? placeholders
// and rebound for the connection's driver.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	now     func() time.Time
}

var _ persistence.Storage = (*Store)(nil)

// New creates a store over an open connection
func New(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{
		db:      db,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying connection
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) isPostgres() bool {
	return s.db.DriverName() == DriverPostgres
}

// lockClause row-locks selected rows inside a transaction where the driver supports it.
func (s *Store) lockClause() string {
	if s.isPostgres() {
		return " FOR UPDATE"
	}
	return ""
}

// isUniqueViolation reports a unique constraint failure from either driver
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return true
	}
	return false
}
