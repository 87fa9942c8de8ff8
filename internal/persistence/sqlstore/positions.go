package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/marginwatch/internal/models"
)

const positionColumns = `id, client_id, symbol, quantity, cost_basis, created_at, updated_at`

// ListPositionsByClient returns the open positions of a client ordered by symbol
func (s *Store) ListPositionsByClient(ctx context.Context, clientID string) ([]models.Position, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`
		SELECT ` + positionColumns + `
		FROM positions
		WHERE client_id = ? AND quantity > 0
		ORDER BY symbol`)

	positions := []models.Position{}
	if err := s.db.SelectContext(ctx, &positions, query, clientID); err != nil {
		return nil, fmt.Errorf("failed to query positions for %s: %w", clientID, err)
	}
	return positions, nil
}

// ListDistinctSymbolsHeld returns every symbol with an open position
func (s *Store) ListDistinctSymbolsHeld(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	symbols := []string{}
	if err := s.db.SelectContext(ctx, &symbols, `
		SELECT DISTINCT symbol
		FROM positions
		WHERE quantity > 0
		ORDER BY symbol`); err != nil {
		return nil, fmt.Errorf("failed to query held symbols: %w", err)
	}
	return symbols, nil
}

// AddToPosition creates the position or merges the fill at weighted-average cost
// inside one transaction.
func (s *Store) AddToPosition(ctx context.Context, clientID, symbol string, qty int64, cost decimal.Decimal) (*models.Position, error) {
	symbol = models.NormalizeSymbol(symbol)
	if clientID == "" || symbol == "" {
		return nil, fmt.Errorf("client id and symbol are required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing models.Position
	err = tx.GetContext(ctx, &existing, s.db.Rebind(`
		SELECT `+positionColumns+`
		FROM positions
		WHERE client_id = ? AND symbol = ?`+s.lockClause()), clientID, symbol)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing = models.Position{ClientID: clientID, Symbol: symbol}
	case err != nil:
		return nil, fmt.Errorf("failed to load position: %w", err)
	}

	merged, err := existing.Merge(qty, cost)
	if err != nil {
		return nil, err
	}
	now := s.now()
	merged.UpdatedAt = now

	if existing.ID == 0 {
		merged.CreatedAt = now
		err = tx.QueryRowxContext(ctx, s.db.Rebind(`
			INSERT INTO positions (client_id, symbol, quantity, cost_basis, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id`),
			merged.ClientID, merged.Symbol, merged.Quantity, merged.CostBasis, merged.CreatedAt, merged.UpdatedAt).
			Scan(&merged.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("position %s/%s was created concurrently: %w", clientID, symbol, err)
			}
			return nil, fmt.Errorf("failed to insert position: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx, s.db.Rebind(`
			UPDATE positions SET quantity = ?, cost_basis = ?, updated_at = ?
			WHERE id = ?`),
			merged.Quantity, merged.CostBasis, merged.UpdatedAt, merged.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit position: %w", err)
	}
	return &merged, nil
}

// ReducePosition closes part of a position. A fully closed position is deleted
// and nil is returned.
func (s *Store) ReducePosition(ctx context.Context, clientID, symbol string, qty int64) (*models.Position, error) {
	symbol = models.NormalizeSymbol(symbol)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing models.Position
	err = tx.GetContext(ctx, &existing, s.db.Rebind(`
		SELECT `+positionColumns+`
		FROM positions
		WHERE client_id = ? AND symbol = ?`+s.lockClause()), clientID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no %s position for client %s: %w", symbol, clientID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}

	reduced, closed, err := existing.Reduce(qty)
	if err != nil {
		return nil, err
	}

	if closed {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM positions WHERE id = ?`), existing.ID); err != nil {
			return nil, fmt.Errorf("failed to delete position: %w", err)
		}
	} else {
		reduced.UpdatedAt = s.now()
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			UPDATE positions SET quantity = ?, updated_at = ?
			WHERE id = ?`), reduced.Quantity, reduced.UpdatedAt, reduced.ID); err != nil {
			return nil, fmt.Errorf("failed to update position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit position: %w", err)
	}
	if closed {
		return nil, nil
	}
	return &reduced, nil
}
