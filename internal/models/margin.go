package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaintenanceMarginRate applies to accounts stored without an explicit rate.
var DefaultMaintenanceMarginRate = decimal.RequireFromString("0.25")

// Position is a client's holding in a single symbol
type Position struct {
	ID        int64           `json:"id" db:"id"`
	ClientID  string          `json:"clientId" db:"client_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	CostBasis decimal.Decimal `json:"costBasis" db:"cost_basis"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// MarginAccount holds the loan and maintenance rate for one client
type MarginAccount struct {
	ID                    int64           `json:"id" db:"id"`
	ClientID              string          `json:"clientId" db:"client_id"`
	LoanAmount            decimal.Decimal `json:"loanAmount" db:"loan_amount"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenanceMarginRate" db:"maintenance_margin_rate"`
	CreatedAt             time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time       `json:"updatedAt" db:"updated_at"`
}

// EffectiveRate returns the account's maintenance margin rate, falling back to the default.
func (a MarginAccount) EffectiveRate() decimal.Decimal {
	if a.MaintenanceMarginRate.IsZero() {
		return DefaultMaintenanceMarginRate
	}
	return a.MaintenanceMarginRate
}

// PriceQuote is a timestamped price observation for a symbol from a named source
type PriceQuote struct {
	ID        int64           `json:"-" db:"id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Price     decimal.Decimal `json:"price" db:"current_price"`
	Timestamp time.Time       `json:"timestamp" db:"ts"`
	Source    string          `json:"source" db:"source"`
}

// PositionBreakdown is the per-position slice of a MarginStatus
type PositionBreakdown struct {
	PositionID           int64           `json:"id"`
	Symbol               string          `json:"symbol"`
	Quantity             int64           `json:"quantity"`
	CostBasis            decimal.Decimal `json:"costBasis"`
	CurrentPrice         decimal.Decimal `json:"currentPrice"`
	MarketValue          decimal.Decimal `json:"marketValue"`
	UnrealizedPnL        decimal.Decimal `json:"unrealizedPnL"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealizedPnLPercent"`
	PriceTimestamp       *time.Time      `json:"priceTimestamp"`
	PriceSource          string          `json:"priceSource,omitempty"`
}

// MarginStatus is the computed margin state of one client. It is recomputed on
// every evaluation and never mutated after construction.
type MarginStatus struct {
	ClientID               string              `json:"clientId"`
	PortfolioValue         decimal.Decimal     `json:"portfolioValue"`
	LoanAmount             decimal.Decimal     `json:"loanAmount"`
	NetEquity              decimal.Decimal     `json:"netEquity"`
	TotalMarginRequirement decimal.Decimal     `json:"totalMarginRequirement"`
	MarginShortfall        decimal.Decimal     `json:"marginShortfall"`
	MarginCallTriggered    bool                `json:"marginCallTriggered"`
	MaintenanceMarginRate  decimal.Decimal     `json:"maintenanceMarginRate"`
	Positions              []PositionBreakdown `json:"positions"`
	CalculatedAt           time.Time           `json:"calculatedAt"`
}

// MarginCallAlert is the payload of a margin_call_alert event
type MarginCallAlert struct {
	ClientID        string          `json:"clientId"`
	MarginShortfall decimal.Decimal `json:"marginShortfall"`
	PortfolioValue  decimal.Decimal `json:"portfolioValue"`
	NetEquity       decimal.Decimal `json:"netEquity"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Alert derives the margin call alert payload from a status.
func (s *MarginStatus) Alert() MarginCallAlert {
	return MarginCallAlert{
		ClientID:        s.ClientID,
		MarginShortfall: s.MarginShortfall,
		PortfolioValue:  s.PortfolioValue,
		NetEquity:       s.NetEquity,
		Timestamp:       s.CalculatedAt,
	}
}

// NormalizeSymbol upper-cases and trims a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeSymbols normalizes and de-duplicates symbols, dropping empty entries.
// Order of first appearance is kept.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := NormalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
