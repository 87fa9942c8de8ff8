package margin

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marginwatch/internal/models"
)

var asOf = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "%s: want %s, got %s", field, want, got)
}

func singlePosition() ([]models.Position, *models.MarginAccount) {
	positions := []models.Position{{ID: 1, ClientID: "C1", Symbol: "XYZ", Quantity: 100, CostBasis: dec("50")}}
	account := &models.MarginAccount{ClientID: "C1", LoanAmount: dec("3000"), MaintenanceMarginRate: dec("0.25")}
	return positions, account
}

func TestEvaluate_AtThreshold(t *testing.T) {
	positions, account := singlePosition()
	quotes := []models.PriceQuote{{Symbol: "XYZ", Price: dec("40"), Timestamp: asOf, Source: "alphavantage"}}

	status, err := Evaluate("C1", positions, account, quotes, asOf)
	require.NoError(t, err)

	assertDec(t, "4000", status.PortfolioValue, "portfolioValue")
	assertDec(t, "1000", status.NetEquity, "netEquity")
	assertDec(t, "1000", status.TotalMarginRequirement, "requirement")
	assertDec(t, "0", status.MarginShortfall, "shortfall")
	assert.False(t, status.MarginCallTriggered, "shortfall of exactly zero does not trigger")
	assert.Equal(t, asOf, status.CalculatedAt)
}

func TestEvaluate_Triggered(t *testing.T) {
	positions, account := singlePosition()
	quotes := []models.PriceQuote{{Symbol: "XYZ", Price: dec("30"), Timestamp: asOf, Source: "alphavantage"}}

	status, err := Evaluate("C1", positions, account, quotes, asOf)
	require.NoError(t, err)

	assertDec(t, "3000", status.PortfolioValue, "portfolioValue")
	assertDec(t, "0", status.NetEquity, "netEquity")
	assertDec(t, "750", status.TotalMarginRequirement, "requirement")
	assertDec(t, "750", status.MarginShortfall, "shortfall")
	assert.True(t, status.MarginCallTriggered)

	require.Len(t, status.Positions, 1)
	row := status.Positions[0]
	assertDec(t, "3000", row.MarketValue, "marketValue")
	assertDec(t, "-2000", row.UnrealizedPnL, "pnl")
	assertDec(t, "-40", row.UnrealizedPnLPercent, "pnlPercent")
	require.NotNil(t, row.PriceTimestamp)
	assert.Equal(t, "alphavantage", row.PriceSource)
}

func TestEvaluate_UsesLatestQuote(t *testing.T) {
	positions, account := singlePosition()
	quotes := []models.PriceQuote{
		{Symbol: "XYZ", Price: dec("45"), Timestamp: asOf.Add(-2 * time.Minute), Source: "twelvedata"},
		{Symbol: "XYZ", Price: dec("30"), Timestamp: asOf, Source: "alphavantage"},
		{Symbol: "XYZ", Price: dec("60"), Timestamp: asOf.Add(-time.Hour), Source: "twelvedata"},
	}

	status, err := Evaluate("C1", positions, account, quotes, asOf)
	require.NoError(t, err)
	assertDec(t, "30", status.Positions[0].CurrentPrice, "currentPrice")
	assert.True(t, status.MarginCallTriggered)
}

func TestEvaluate_CostBasisFallback(t *testing.T) {
	positions, account := singlePosition()

	status, err := Evaluate("C1", positions, account, nil, asOf)
	require.NoError(t, err)

	row := status.Positions[0]
	assertDec(t, "50", row.CurrentPrice, "currentPrice")
	assertDec(t, "0", row.UnrealizedPnL, "pnl")
	assert.Nil(t, row.PriceTimestamp)
	assert.Empty(t, row.PriceSource)
	assertDec(t, "5000", status.PortfolioValue, "portfolioValue")
}

func TestEvaluate_ZeroCostBasisPnLPercent(t *testing.T) {
	positions := []models.Position{{ClientID: "C1", Symbol: "GIFT", Quantity: 10, CostBasis: decimal.Zero}}
	account := &models.MarginAccount{ClientID: "C1", LoanAmount: decimal.Zero}
	quotes := []models.PriceQuote{{Symbol: "GIFT", Price: dec("5"), Timestamp: asOf}}

	status, err := Evaluate("C1", positions, account, quotes, asOf)
	require.NoError(t, err)
	assertDec(t, "0", status.Positions[0].UnrealizedPnLPercent, "pnlPercent")
	assertDec(t, "50", status.Positions[0].UnrealizedPnL, "pnl")
}

func TestEvaluate_DefaultRate(t *testing.T) {
	positions, account := singlePosition()
	account.MaintenanceMarginRate = decimal.Zero

	status, err := Evaluate("C1", positions, account, nil, asOf)
	require.NoError(t, err)
	assertDec(t, "0.25", status.MaintenanceMarginRate, "rate")
}

func TestEvaluate_SymbolMatchingIsCaseInsensitive(t *testing.T) {
	positions, account := singlePosition()
	positions[0].Symbol = "xyz"
	quotes := []models.PriceQuote{{Symbol: "XYZ", Price: dec("40"), Timestamp: asOf}}

	status, err := Evaluate("C1", positions, account, quotes, asOf)
	require.NoError(t, err)
	assertDec(t, "40", status.Positions[0].CurrentPrice, "currentPrice")
}

func TestEvaluate_AccountingIdentities(t *testing.T) {
	positions := []models.Position{
		{ID: 1, Symbol: "AAPL", Quantity: 30, CostBasis: dec("150")},
		{ID: 2, Symbol: "MSFT", Quantity: 12, CostBasis: dec("310.5")},
		{ID: 3, Symbol: "GOOG", Quantity: 7, CostBasis: dec("2800")},
	}
	quotes := []models.PriceQuote{
		{Symbol: "AAPL", Price: dec("171.33"), Timestamp: asOf},
		{Symbol: "MSFT", Price: dec("299.87"), Timestamp: asOf},
	}

	for _, loan := range []string{"0", "10000", "24000", "40000"} {
		account := &models.MarginAccount{LoanAmount: dec(loan), MaintenanceMarginRate: dec("0.3")}
		status, err := Evaluate("C9", positions, account, quotes, asOf)
		require.NoError(t, err)

		sum := decimal.Zero
		for _, row := range status.Positions {
			sum = sum.Add(row.MarketValue)
		}
		assert.True(t, status.PortfolioValue.Equal(sum), "portfolio value is the sum of market values")
		assert.True(t, status.NetEquity.Equal(status.PortfolioValue.Sub(status.LoanAmount)))
		assert.True(t, status.TotalMarginRequirement.Equal(status.MaintenanceMarginRate.Mul(status.PortfolioValue)))
		assert.True(t, status.MarginShortfall.Equal(status.TotalMarginRequirement.Sub(status.NetEquity)))
		assert.Equal(t, status.MarginShortfall.IsPositive(), status.MarginCallTriggered, "loan %s", loan)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	positions, account := singlePosition()
	quotes := []models.PriceQuote{{Symbol: "XYZ", Price: dec("33.3"), Timestamp: asOf}}

	first, err := Evaluate("C1", positions, account, quotes, asOf)
	require.NoError(t, err)
	second, err := Evaluate("C1", positions, account, quotes, asOf)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEvaluate_MissingInputs(t *testing.T) {
	_, account := singlePosition()
	_, err := Evaluate("C1", nil, account, nil, asOf)
	assert.ErrorIs(t, err, models.ErrNoPositions)

	positions, _ := singlePosition()
	_, err = Evaluate("C1", positions, nil, nil, asOf)
	assert.ErrorIs(t, err, models.ErrNoAccount)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
