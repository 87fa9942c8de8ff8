package sqlstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, DriverPostgres), time.Second), mock
}

func TestPostgres_AddToPositionLocksRow(t *testing.T) {
	s, mock := newMockStore(t)
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE client_id = $1 AND symbol = $2 FOR UPDATE`)).
		WithArgs("C1", "AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "symbol", "quantity", "cost_basis", "created_at", "updated_at"}))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO positions`)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	_, err := s.AddToPosition(context.Background(), "C1", "aapl", 5, dec("190"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "created concurrently")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListAllAccountsError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM margins`)).WillReturnError(errors.New("connection refused"))

	_, err := s.ListAllAccounts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteQuotesOlderThan(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM market_data WHERE ts < $1`)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := s.DeleteQuotesOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LatestQuotesForExpandsSymbols(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2024, 4, 1, 15, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE q.symbol IN ($1, $2)`)).
		WithArgs("AAPL", "MSFT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "symbol", "current_price", "ts", "source"}).
			AddRow(int64(9), "AAPL", "190.10", ts, "twelvedata").
			AddRow(int64(7), "AAPL", "190.00", ts, "alphavantage").
			AddRow(int64(8), "MSFT", "410.00", ts, "alphavantage"))

	quotes, err := s.LatestQuotesFor(context.Background(), []string{"aapl", "MSFT", "AAPL"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "twelvedata", quotes[0].Source)
	assert.Equal(t, "MSFT", quotes[1].Symbol)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_UnsupportedDriver(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(sqlx.NewDb(db, "mysql"), time.Second)
	assert.Error(t, s.Migrate(context.Background()))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}
