package sqlstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/marginwatch/internal/models"
)

type seedPosition struct {
	clientID string
	symbol   string
	qty      int64
	cost     string
}

var samplePositions = []seedPosition{
	{"CLIENT001", "AAPL", 100, "150.00"},
	{"CLIENT001", "MSFT", 50, "300.00"},
	{"CLIENT001", "GOOGL", 25, "140.00"},
	{"CLIENT002", "TSLA", 200, "250.00"},
	{"CLIENT002", "NVDA", 40, "450.00"},
	{"CLIENT003", "AMZN", 150, "130.00"},
	{"CLIENT003", "AAPL", 60, "175.00"},
}

var sampleAccounts = []struct {
	clientID string
	loan     string
	rate     string
}{
	{"CLIENT001", "15000.00", "0.25"},
	{"CLIENT002", "55000.00", "0.30"},
	{"CLIENT003", "12000.00", "0.25"},
}

var sampleQuotes = map[string]string{
	"AAPL":  "178.25",
	"MSFT":  "335.10",
	"GOOGL": "138.40",
	"TSLA":  "212.75",
	"NVDA":  "468.30",
	"AMZN":  "127.90",
}

// Seed loads a small demo book of three clients. Running it twice merges the
// positions a second time, so it is meant for empty databases.
func (s *Store) Seed(ctx context.Context) error {
	for _, a := range sampleAccounts {
		account := models.MarginAccount{
			ClientID:              a.clientID,
			LoanAmount:            decimal.RequireFromString(a.loan),
			MaintenanceMarginRate: decimal.RequireFromString(a.rate),
		}
		if _, err := s.UpsertAccount(ctx, account); err != nil {
			return fmt.Errorf("seed account %s: %w", a.clientID, err)
		}
	}

	for _, p := range samplePositions {
		if _, err := s.AddToPosition(ctx, p.clientID, p.symbol, p.qty, decimal.RequireFromString(p.cost)); err != nil {
			return fmt.Errorf("seed position %s/%s: %w", p.clientID, p.symbol, err)
		}
	}

	now := s.now()
	quotes := make([]models.PriceQuote, 0, len(sampleQuotes))
	for sym, price := range sampleQuotes {
		quotes = append(quotes, models.PriceQuote{
			Symbol:    sym,
			Price:     decimal.RequireFromString(price),
			Timestamp: now,
			Source:    "seed",
		})
	}
	if err := s.WriteQuotes(ctx, quotes); err != nil {
		return fmt.Errorf("seed quotes: %w", err)
	}

	log.Info().
		Int("accounts", len(sampleAccounts)).
		Int("positions", len(samplePositions)).
		Int("quotes", len(quotes)).
		Msg("Seeded sample data")
	return nil
}
