package margin

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/marginwatch/internal/metrics"
	"github.com/sawpanic/marginwatch/internal/models"
)

// Store is the read side of storage the evaluator needs
type Store interface {
	ListPositionsByClient(ctx context.Context, clientID string) ([]models.Position, error)
	GetAccount(ctx context.Context, clientID string) (*models.MarginAccount, error)
	ListAllAccounts(ctx context.Context) ([]models.MarginAccount, error)
	LatestQuotesFor(ctx context.Context, symbols []string) ([]models.PriceQuote, error)
}

// BatchResult carries the successful statuses of a batch next to the clients that
// failed. Order follows account enumeration order.
type BatchResult struct {
	Statuses []*models.MarginStatus      `json:"statuses"`
	Failures []*models.EvaluationFailure `json:"failures"`
}

// MarginCalls counts the statuses with a triggered margin call.
func (b *BatchResult) MarginCalls() int {
	n := 0
	for _, s := range b.Statuses {
		if s.MarginCallTriggered {
			n++
		}
	}
	return n
}

// Service loads client data from the store and runs Evaluate on it
type Service struct {
	store       Store
	metrics     *metrics.Collector
	logger      zerolog.Logger
	now         func() time.Time
	concurrency int
}

// Option customizes a Service
type Option func(*Service)

// WithClock overrides the clock used to stamp CalculatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithConcurrency bounds the number of accounts evaluated at once by EvaluateAll.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a margin service. A nil collector disables metrics.
func NewService(store Store, collector *metrics.Collector, opts ...Option) *Service {
	s := &Service{
		store:       store,
		metrics:     collector,
		logger:      log.With().Str("component", "margin").Logger(),
		now:         time.Now,
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EvaluateClient computes the current margin status for one client. NotFound
// conditions are returned as-is to the caller.
func (s *Service) EvaluateClient(ctx context.Context, clientID string) (*models.MarginStatus, error) {
	status, err := s.evaluate(ctx, clientID)
	s.metrics.ObserveEvaluation(err == nil)
	if err != nil {
		return nil, err
	}

	ev := s.logger.Debug()
	if status.MarginCallTriggered {
		ev = s.logger.Info()
	}
	ev.Str("client_id", clientID).
		Bool("margin_call", status.MarginCallTriggered).
		Str("shortfall", status.MarginShortfall.StringFixed(2)).
		Msg("Calculated margin status")
	return status, nil
}

func (s *Service) evaluate(ctx context.Context, clientID string) (*models.MarginStatus, error) {
	positions, err := s.store.ListPositionsByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	if len(positions) == 0 {
		return nil, models.ErrNoPositions
	}

	account, err := s.store.GetAccount(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load margin account: %w", err)
	}
	if account == nil {
		return nil, models.ErrNoAccount
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	quotes, err := s.store.LatestQuotesFor(ctx, models.NormalizeSymbols(symbols))
	if err != nil {
		return nil, fmt.Errorf("failed to load quotes: %w", err)
	}

	return Evaluate(clientID, positions, account, quotes, s.now())
}

// EvaluateAll evaluates every margin account. A failing client is reported in
// Failures and never aborts the others; the returned error is reserved for a
// failure to enumerate the accounts.
func (s *Service) EvaluateAll(ctx context.Context) (*BatchResult, error) {
	accounts, err := s.store.ListAllAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list margin accounts: %w", err)
	}

	statuses := make([]*models.MarginStatus, len(accounts))
	failures := make([]*models.EvaluationFailure, len(accounts))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, acct := range accounts {
		i, clientID := i, acct.ClientID
		g.Go(func() error {
			status, err := s.EvaluateClient(ctx, clientID)
			if err != nil {
				failures[i] = &models.EvaluationFailure{ClientID: clientID, Err: err}
				return nil
			}
			statuses[i] = status
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{
		Statuses: make([]*models.MarginStatus, 0, len(accounts)),
		Failures: make([]*models.EvaluationFailure, 0),
	}
	for i := range accounts {
		if failures[i] != nil {
			s.logger.Warn().Err(failures[i].Err).Str("client_id", failures[i].ClientID).Msg("Margin evaluation failed")
			result.Failures = append(result.Failures, failures[i])
			continue
		}
		result.Statuses = append(result.Statuses, statuses[i])
	}
	return result, nil
}
