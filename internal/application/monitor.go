// Package application holds the job bodies shared by the scheduler and the
// always-on push loop: margin checks, market data refresh and quote retention.
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marginwatch/internal/margin"
	"github.com/sawpanic/marginwatch/internal/metrics"
	"github.com/sawpanic/marginwatch/internal/models"
	"github.com/sawpanic/marginwatch/internal/providers/marketdata"
)

// DefaultRetention is the age after which quotes are pruned
const DefaultRetention = 30 * 24 * time.Hour

// Publisher delivers events to observer connections. Each call reports how many
// connections the event was enqueued to.
type Publisher interface {
	PublishToClient(clientID, event string, payload interface{}) int
	PublishToSymbolSubscribers(symbol, event string, payload interface{}) int
	PublishToAll(event string, payload interface{}) int
}

// MarginEvaluator evaluates every account with per-client isolation
type MarginEvaluator interface {
	EvaluateAll(ctx context.Context) (*margin.BatchResult, error)
}

// QuoteStore is the storage slice used by refresh and retention
type QuoteStore interface {
	ListDistinctSymbolsHeld(ctx context.Context) ([]string, error)
	WriteQuotes(ctx context.Context, quotes []models.PriceQuote) error
	DeleteQuotesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Monitor runs the surveillance job bodies against its collaborators
type Monitor struct {
	evaluator MarginEvaluator
	store     QuoteStore
	provider  marketdata.Provider
	publisher Publisher
	metrics   *metrics.Collector
	logger    zerolog.Logger
	now       func() time.Time
	retention time.Duration
}

// Option customizes a Monitor
type Option func(*Monitor)

// WithClock sets the time source used for report timestamps and the prune cutoff
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithRetention sets how long quotes are kept. Non-positive values keep the default.
func WithRetention(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithLogger replaces the component logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor wires the job bodies. A nil publisher is allowed for CLI runs
// where nobody is connected.
func NewMonitor(evaluator MarginEvaluator, store QuoteStore, provider marketdata.Provider, publisher Publisher, collector *metrics.Collector, opts ...Option) *Monitor {
	if publisher == nil {
		publisher = discard{}
	}
	m := &Monitor{
		evaluator: evaluator,
		store:     store,
		provider:  provider,
		publisher: publisher,
		metrics:   collector,
		logger:    log.With().Str("component", "monitor").Logger(),
		now:       time.Now,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckMargins evaluates every account and publishes each status to the
// connections bound to its client, plus an alert when a margin call is
// triggered. Failed clients are counted in the report; only a failure to
// enumerate accounts fails the run.
func (m *Monitor) CheckMargins(ctx context.Context) (models.Report, error) {
	result, err := m.evaluator.EvaluateAll(ctx)
	if err != nil {
		return models.Report{}, err
	}

	calls := 0
	for _, status := range result.Statuses {
		m.publisher.PublishToClient(status.ClientID, models.EventMarginStatus, status)
		if !status.MarginCallTriggered {
			continue
		}
		calls++
		m.publisher.PublishToClient(status.ClientID, models.EventMarginCallAlert, status.Alert())
		m.logger.Warn().
			Str("client_id", status.ClientID).
			Str("shortfall", status.MarginShortfall.StringFixed(2)).
			Msg("Margin call triggered")
	}
	m.metrics.SetMarginCalls(calls)

	report := models.Report{
		Items:    len(result.Statuses),
		Failures: len(result.Failures),
		Alerts:   calls,
	}
	ev := m.logger.Info()
	if calls > 0 || report.Failures > 0 {
		ev = m.logger.Warn()
	}
	ev.Int("clients", report.Items).
		Int("margin_calls", calls).
		Int("failures", report.Failures).
		Msg("Margin checks completed")
	return report, nil
}

// RefreshMarketData fetches quotes for every held symbol, stores them and
// publishes each quote to the symbol's subscribers.
func (m *Monitor) RefreshMarketData(ctx context.Context) (models.Report, error) {
	quotes, err := m.refresh(ctx)
	if err != nil || len(quotes) == 0 {
		return models.Report{}, err
	}
	for _, q := range quotes {
		m.publisher.PublishToSymbolSubscribers(q.Symbol, models.EventMarketUpdate, q)
	}
	return models.Report{Items: len(quotes)}, nil
}

// RefreshAndBroadcast is the push loop variant: the whole quote batch goes to
// every live connection as one market_update event.
func (m *Monitor) RefreshAndBroadcast(ctx context.Context) (models.Report, error) {
	quotes, err := m.refresh(ctx)
	if err != nil || len(quotes) == 0 {
		return models.Report{}, err
	}
	m.publisher.PublishToAll(models.EventMarketUpdate, quotes)
	return models.Report{Items: len(quotes)}, nil
}

func (m *Monitor) refresh(ctx context.Context) ([]models.PriceQuote, error) {
	symbols, err := m.store.ListDistinctSymbolsHeld(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list held symbols: %w", err)
	}
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		m.logger.Debug().Msg("No symbols to update")
		return nil, nil
	}

	quotes, err := m.provider.FetchQuotes(ctx, symbols)
	if err != nil {
		return nil, err
	}
	if err := m.store.WriteQuotes(ctx, quotes); err != nil {
		return nil, fmt.Errorf("failed to store quotes: %w", err)
	}

	m.logger.Info().Int("symbols", len(symbols)).Int("quotes", len(quotes)).Msg("Market data updated")
	return quotes, nil
}

// PruneQuotes deletes quotes older than the retention horizon
func (m *Monitor) PruneQuotes(ctx context.Context) (models.Report, error) {
	cutoff := m.now().Add(-m.retention)
	n, err := m.store.DeleteQuotesOlderThan(ctx, cutoff)
	if err != nil {
		return models.Report{}, err
	}
	m.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Database cleanup completed")
	return models.Report{Items: int(n)}, nil
}

type discard struct{}

func (discard) PublishToClient(string, string, interface{}) int { return 0 }

func (discard) PublishToSymbolSubscribers(string, string, interface{}) int { return 0 }

func (discard) PublishToAll(string, interface{}) int { return 0 }
