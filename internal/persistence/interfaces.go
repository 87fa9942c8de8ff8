package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/marginwatch/internal/models"
)

// PositionsRepo provides client position persistence
type PositionsRepo interface {
	// ListPositionsByClient returns the open positions of a client ordered by symbol
	ListPositionsByClient(ctx context.Context, clientID string) ([]models.Position, error)

	// ListDistinctSymbolsHeld returns every symbol with an open position, deduplicated
	ListDistinctSymbolsHeld(ctx context.Context) ([]string, error)

	// AddToPosition creates the position or merges the fill at weighted-average cost
	AddToPosition(ctx context.Context, clientID, symbol string, qty int64, cost decimal.Decimal) (*models.Position, error)

	// ReducePosition closes qty of a position; the row is deleted when nothing remains.
	// The returned position is nil when fully closed.
	ReducePosition(ctx context.Context, clientID, symbol string, qty int64) (*models.Position, error)
}

// AccountsRepo provides margin account persistence
type AccountsRepo interface {
	// GetAccount returns nil, nil when the client has no account
	GetAccount(ctx context.Context, clientID string) (*models.MarginAccount, error)

	ListAllAccounts(ctx context.Context) ([]models.MarginAccount, error)

	// UpsertAccount creates the account or updates its loan amount and rate
	UpsertAccount(ctx context.Context, account models.MarginAccount) (*models.MarginAccount, error)
}

// QuotesRepo provides price quote history
type QuotesRepo interface {
	// LatestQuotesFor returns at most one quote per symbol, the one with the greatest timestamp
	LatestQuotesFor(ctx context.Context, symbols []string) ([]models.PriceQuote, error)

	// WriteQuotes upserts quotes keyed by symbol, source and timestamp. Duplicate
	// symbols from the same source within one call are merged, latest timestamp wins.
	WriteQuotes(ctx context.Context, quotes []models.PriceQuote) error

	// DeleteQuotesOlderThan prunes quote history and reports the rows removed
	DeleteQuotesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// QuoteHistory returns the quotes of a symbol since a point in time, newest first
	QuoteHistory(ctx context.Context, symbol string, since time.Time) ([]models.PriceQuote, error)
}

// Storage aggregates the persistence used by margin surveillance
type Storage interface {
	PositionsRepo
	AccountsRepo
	QuotesRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error

	// Stats returns connection pool statistics
	Stats(ctx context.Context) map[string]interface{}
}

// MergeQuotes collapses quotes sharing symbol and source, keeping the latest
// timestamp. Symbols are normalized. Input order of first appearance is kept.
func MergeQuotes(quotes []models.PriceQuote) []models.PriceQuote {
	type key struct{ symbol, source string }
	index := make(map[key]int, len(quotes))
	out := make([]models.PriceQuote, 0, len(quotes))
	for _, q := range quotes {
		q.Symbol = models.NormalizeSymbol(q.Symbol)
		if q.Symbol == "" {
			continue
		}
		k := key{q.Symbol, q.Source}
		if i, ok := index[k]; ok {
			if !q.Timestamp.Before(out[i].Timestamp) {
				out[i] = q
			}
			continue
		}
		index[k] = len(out)
		out = append(out, q)
	}
	return out
}
