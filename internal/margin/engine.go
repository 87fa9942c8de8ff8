// Package margin computes maintenance-margin status for leveraged accounts.
package margin

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/marginwatch/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Evaluate computes the margin status of one client from its positions, account
// and the quotes available for the positions' symbols. It performs no I/O and the
// same inputs always yield the same status; asOf is stamped as CalculatedAt.
//
// For each position the current price is the price of the quote with the greatest
// timestamp for its symbol, or the position's cost basis when no quote exists.
func Evaluate(clientID string, positions []models.Position, account *models.MarginAccount, quotes []models.PriceQuote, asOf time.Time) (*models.MarginStatus, error) {
	if len(positions) == 0 {
		return nil, models.ErrNoPositions
	}
	if account == nil {
		return nil, models.ErrNoAccount
	}

	latest := latestBySymbol(quotes)

	portfolioValue := decimal.Zero
	breakdown := make([]models.PositionBreakdown, 0, len(positions))
	for _, p := range positions {
		row := models.PositionBreakdown{
			PositionID:   p.ID,
			Symbol:       p.Symbol,
			Quantity:     p.Quantity,
			CostBasis:    p.CostBasis,
			CurrentPrice: p.CostBasis,
		}
		if q, ok := latest[models.NormalizeSymbol(p.Symbol)]; ok {
			ts := q.Timestamp
			row.CurrentPrice = q.Price
			row.PriceTimestamp = &ts
			row.PriceSource = q.Source
		}

		qty := decimal.NewFromInt(p.Quantity)
		costValue := qty.Mul(p.CostBasis)
		row.MarketValue = qty.Mul(row.CurrentPrice)
		row.UnrealizedPnL = row.MarketValue.Sub(costValue)
		row.UnrealizedPnLPercent = pnlPercent(row.UnrealizedPnL, costValue)

		portfolioValue = portfolioValue.Add(row.MarketValue)
		breakdown = append(breakdown, row)
	}

	rate := account.EffectiveRate()
	netEquity := portfolioValue.Sub(account.LoanAmount)
	requirement := rate.Mul(portfolioValue)
	shortfall := requirement.Sub(netEquity)

	return &models.MarginStatus{
		ClientID:               clientID,
		PortfolioValue:         portfolioValue,
		LoanAmount:             account.LoanAmount,
		NetEquity:              netEquity,
		TotalMarginRequirement: requirement,
		MarginShortfall:        shortfall,
		MarginCallTriggered:    shortfall.IsPositive(),
		MaintenanceMarginRate:  rate,
		Positions:              breakdown,
		CalculatedAt:           asOf,
	}, nil
}

// pnlPercent is zero when the cost value is zero.
func pnlPercent(pnl, costValue decimal.Decimal) decimal.Decimal {
	if costValue.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(costValue).Mul(hundred)
}

// latestBySymbol keeps the quote with the greatest timestamp per symbol. Ties keep
// the first quote seen so that evaluation stays deterministic for a given input.
func latestBySymbol(quotes []models.PriceQuote) map[string]models.PriceQuote {
	latest := make(map[string]models.PriceQuote, len(quotes))
	for _, q := range quotes {
		sym := models.NormalizeSymbol(q.Symbol)
		if cur, ok := latest[sym]; ok && !q.Timestamp.After(cur.Timestamp) {
			continue
		}
		latest[sym] = q
	}
	return latest
}
