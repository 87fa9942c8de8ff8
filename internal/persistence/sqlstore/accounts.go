package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sawpanic/marginwatch/internal/models"
)

const accountColumns = `id, client_id, loan_amount, maintenance_margin_rate, created_at, updated_at`

// GetAccount returns nil, nil when the client has no margin account
func (s *Store) GetAccount(ctx context.Context, clientID string) (*models.MarginAccount, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var account models.MarginAccount
	err := s.db.GetContext(ctx, &account, s.db.Rebind(`
		SELECT `+accountColumns+`
		FROM margins
		WHERE client_id = ?`), clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get margin account for %s: %w", clientID, err)
	}
	return &account, nil
}

// ListAllAccounts returns every margin account ordered by client id
func (s *Store) ListAllAccounts(ctx context.Context) ([]models.MarginAccount, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	accounts := []models.MarginAccount{}
	if err := s.db.SelectContext(ctx, &accounts, `
		SELECT `+accountColumns+`
		FROM margins
		ORDER BY client_id`); err != nil {
		return nil, fmt.Errorf("failed to list margin accounts: %w", err)
	}
	return accounts, nil
}

// UpsertAccount creates the account or updates its loan amount and rate. A zero
// rate is stored as the default maintenance rate.
func (s *Store) UpsertAccount(ctx context.Context, account models.MarginAccount) (*models.MarginAccount, error) {
	if account.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if account.LoanAmount.IsNegative() {
		return nil, fmt.Errorf("loan amount must not be negative, got %s", account.LoanAmount)
	}
	account.MaintenanceMarginRate = account.EffectiveRate()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO margins (client_id, loan_amount, maintenance_margin_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			loan_amount = excluded.loan_amount,
			maintenance_margin_rate = excluded.maintenance_margin_rate,
			updated_at = excluded.updated_at`),
		account.ClientID, account.LoanAmount, account.MaintenanceMarginRate, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert margin account: %w", err)
	}

	stored, err := s.GetAccount(ctx, account.ClientID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("margin account %s missing after upsert", account.ClientID)
	}
	return stored, nil
}
