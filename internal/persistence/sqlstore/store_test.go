package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marginwatch/internal/models"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	// every pooled connection would get its own in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := New(db, 5*time.Second)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestMigrate_Idempotent(t *testing.T) {
	s := newSQLiteStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestAddToPosition_CreateThenMerge(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	created, err := s.AddToPosition(ctx, "C1", "sym", 10, dec("100"))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "SYM", created.Symbol)

	merged, err := s.AddToPosition(ctx, "C1", "SYM", 10, dec("200"))
	require.NoError(t, err)
	assert.Equal(t, created.ID, merged.ID)
	assert.Equal(t, int64(20), merged.Quantity)
	assert.True(t, merged.CostBasis.Equal(dec("150")), "got %s", merged.CostBasis)

	positions, err := s.ListPositionsByClient(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(20), positions[0].Quantity)
	assert.True(t, positions[0].CostBasis.Equal(dec("150")))
}

func TestReducePosition(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.AddToPosition(ctx, "C1", "MSFT", 20, dec("310.5"))
	require.NoError(t, err)

	left, err := s.ReducePosition(ctx, "C1", "msft", 5)
	require.NoError(t, err)
	require.NotNil(t, left)
	assert.Equal(t, int64(15), left.Quantity)

	_, err = s.ReducePosition(ctx, "C1", "MSFT", 16)
	assert.Error(t, err)

	closed, err := s.ReducePosition(ctx, "C1", "MSFT", 15)
	require.NoError(t, err)
	assert.Nil(t, closed)

	positions, err := s.ListPositionsByClient(ctx, "C1")
	require.NoError(t, err)
	assert.Empty(t, positions)

	_, err = s.ReducePosition(ctx, "C1", "MSFT", 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAccounts(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	missing, err := s.GetAccount(ctx, "C1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	acct, err := s.UpsertAccount(ctx, models.MarginAccount{ClientID: "C1", LoanAmount: dec("3000")})
	require.NoError(t, err)
	assert.NotZero(t, acct.ID)
	assert.True(t, acct.MaintenanceMarginRate.Equal(dec("0.25")), "zero rate stored as default")

	updated, err := s.UpsertAccount(ctx, models.MarginAccount{ClientID: "C1", LoanAmount: dec("4500.50"), MaintenanceMarginRate: dec("0.3")})
	require.NoError(t, err)
	assert.Equal(t, acct.ID, updated.ID)
	assert.True(t, updated.LoanAmount.Equal(dec("4500.50")))

	_, err = s.UpsertAccount(ctx, models.MarginAccount{ClientID: "C2", LoanAmount: dec("-1")})
	assert.Error(t, err)

	_, err = s.UpsertAccount(ctx, models.MarginAccount{ClientID: "A0", LoanAmount: dec("1")})
	require.NoError(t, err)

	all, err := s.ListAllAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A0", all[0].ClientID)
	assert.Equal(t, "C1", all[1].ClientID)
}

func TestQuotes_LatestWriteAndRetention(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)

	require.NoError(t, s.WriteQuotes(ctx, []models.PriceQuote{
		{Symbol: "AAPL", Price: dec("180"), Timestamp: t0.Add(-40 * 24 * time.Hour), Source: "alphavantage"},
		{Symbol: "AAPL", Price: dec("190"), Timestamp: t0.Add(-time.Hour), Source: "alphavantage"},
		{Symbol: "aapl", Price: dec("191.5"), Timestamp: t0, Source: "twelvedata"},
		{Symbol: "MSFT", Price: dec("410"), Timestamp: t0, Source: "alphavantage"},
	}))

	// same key again merges into the existing row
	require.NoError(t, s.WriteQuotes(ctx, []models.PriceQuote{
		{Symbol: "MSFT", Price: dec("411.25"), Timestamp: t0, Source: "alphavantage"},
	}))

	latest, err := s.LatestQuotesFor(ctx, []string{"aapl", "MSFT", "GOOG"})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "AAPL", latest[0].Symbol)
	assert.True(t, latest[0].Price.Equal(dec("191.5")))
	assert.Equal(t, "twelvedata", latest[0].Source)
	assert.True(t, latest[0].Timestamp.Equal(t0))
	assert.Equal(t, "MSFT", latest[1].Symbol)
	assert.True(t, latest[1].Price.Equal(dec("411.25")))

	history, err := s.QuoteHistory(ctx, "AAPL", t0.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, history, 2)

	deleted, err := s.DeleteQuotesOlderThan(ctx, t0.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	empty, err := s.LatestQuotesFor(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestWriteQuotes_RejectsNonPositivePrice(t *testing.T) {
	s := newSQLiteStore(t)
	err := s.WriteQuotes(context.Background(), []models.PriceQuote{{Symbol: "BAD", Price: decimal.Zero, Timestamp: time.Now()}})
	assert.Error(t, err)
}

func TestListDistinctSymbolsHeld(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for _, p := range []struct {
		client, sym string
	}{{"C1", "MSFT"}, {"C2", "AAPL"}, {"C1", "AAPL"}} {
		_, err := s.AddToPosition(ctx, p.client, p.sym, 1, dec("10"))
		require.NoError(t, err)
	}

	symbols, err := s.ListDistinctSymbolsHeld(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
}

func TestSeed(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx))

	accounts, err := s.ListAllAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, len(sampleAccounts))

	symbols, err := s.ListDistinctSymbolsHeld(ctx)
	require.NoError(t, err)
	assert.Len(t, symbols, len(sampleQuotes))

	quotes, err := s.LatestQuotesFor(ctx, symbols)
	require.NoError(t, err)
	assert.Len(t, quotes, len(sampleQuotes))
}
