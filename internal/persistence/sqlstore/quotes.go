package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/marginwatch/internal/models"
	"github.com/sawpanic/marginwatch/internal/persistence"
)

const quoteColumns = `id, symbol, current_price, ts, source`

// LatestQuotesFor returns the quote with the greatest timestamp for each requested
// symbol that has any quote. Symbols without quotes are absent from the result.
func (s *Store) LatestQuotesFor(ctx context.Context, symbols []string) ([]models.PriceQuote, error) {
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return []models.PriceQuote{}, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query, args, err := sqlx.In(`
		SELECT q.id, q.symbol, q.current_price, q.ts, q.source
		FROM market_data q
		WHERE q.symbol IN (?)
		  AND q.ts = (SELECT MAX(m.ts) FROM market_data m WHERE m.symbol = q.symbol)
		ORDER BY q.symbol, q.id DESC`, symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to build latest quotes query: %w", err)
	}

	var rows []models.PriceQuote
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query latest quotes: %w", err)
	}

	// two sources can share the newest timestamp; keep the most recently written
	quotes := make([]models.PriceQuote, 0, len(rows))
	for _, q := range rows {
		if n := len(quotes); n > 0 && quotes[n-1].Symbol == q.Symbol {
			continue
		}
		q.Timestamp = q.Timestamp.UTC()
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// WriteQuotes upserts a batch of quotes in one transaction
func (s *Store) WriteQuotes(ctx context.Context, quotes []models.PriceQuote) error {
	quotes = persistence.MergeQuotes(quotes)
	if len(quotes) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(quotes)/100+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.db.Rebind(`
		INSERT INTO market_data (symbol, current_price, ts, source)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (symbol, source, ts) DO UPDATE SET
			current_price = excluded.current_price`))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, q := range quotes {
		if !q.Price.IsPositive() {
			return fmt.Errorf("invalid price %s for %s", q.Price, q.Symbol)
		}
		source := q.Source
		if source == "" {
			source = "api"
		}
		ts := q.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		if _, err := stmt.ExecContext(ctx, q.Symbol, q.Price, ts.UTC(), source); err != nil {
			return fmt.Errorf("failed to write quote for %s: %w", q.Symbol, err)
		}
	}

	return tx.Commit()
}

// DeleteQuotesOlderThan prunes quotes with a timestamp before cutoff
func (s *Store) DeleteQuotesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM market_data WHERE ts < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old quotes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted row count: %w", err)
	}
	return n, nil
}

// QuoteHistory returns a symbol's quotes since a point in time, newest first
func (s *Store) QuoteHistory(ctx context.Context, symbol string, since time.Time) ([]models.PriceQuote, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	quotes := []models.PriceQuote{}
	if err := s.db.SelectContext(ctx, &quotes, s.db.Rebind(`
		SELECT `+quoteColumns+`
		FROM market_data
		WHERE symbol = ? AND ts >= ?
		ORDER BY ts DESC, id DESC`), models.NormalizeSymbol(symbol), since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to query quote history for %s: %w", symbol, err)
	}
	return quotes, nil
}
