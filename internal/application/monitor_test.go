package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marginwatch/internal/margin"
	"github.com/sawpanic/marginwatch/internal/models"
)

type delivery struct {
	target  string
	event   string
	payload interface{}
}

type recordingPublisher struct {
	mu       sync.Mutex
	toClient []delivery
	toSymbol []delivery
	toAll    []delivery
}

func (p *recordingPublisher) PublishToClient(clientID, event string, payload interface{}) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toClient = append(p.toClient, delivery{clientID, event, payload})
	return 1
}

func (p *recordingPublisher) PublishToSymbolSubscribers(symbol, event string, payload interface{}) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toSymbol = append(p.toSymbol, delivery{symbol, event, payload})
	return 1
}

func (p *recordingPublisher) PublishToAll(event string, payload interface{}) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toAll = append(p.toAll, delivery{"*", event, payload})
	return 1
}

type stubEvaluator struct {
	result *margin.BatchResult
	err    error
}

func (s stubEvaluator) EvaluateAll(context.Context) (*margin.BatchResult, error) {
	return s.result, s.err
}

type stubQuoteStore struct {
	symbols []string
	written []models.PriceQuote
	cutoff  time.Time
	deleted int64
	err     error
}

func (s *stubQuoteStore) ListDistinctSymbolsHeld(context.Context) ([]string, error) {
	return s.symbols, s.err
}

func (s *stubQuoteStore) WriteQuotes(_ context.Context, quotes []models.PriceQuote) error {
	s.written = append(s.written, quotes...)
	return nil
}

func (s *stubQuoteStore) DeleteQuotesOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.deleted, s.err
}

type stubProvider struct {
	calls int
	err   error
}

func (p *stubProvider) FetchQuotes(_ context.Context, symbols []string) ([]models.PriceQuote, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([]models.PriceQuote, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, models.PriceQuote{Symbol: s, Price: decimal.NewFromInt(100), Source: "stub"})
	}
	return out, nil
}

var now = time.Date(2024, 7, 1, 2, 0, 0, 0, time.UTC)

func newTestMonitor(ev MarginEvaluator, store QuoteStore, provider *stubProvider, pub Publisher) *Monitor {
	return NewMonitor(ev, store, provider, pub, nil,
		WithClock(func() time.Time { return now }),
		WithLogger(zerolog.Nop()),
	)
}

func TestCheckMargins_PublishesStatusesAndAlerts(t *testing.T) {
	ok := &models.MarginStatus{ClientID: "C1", MarginShortfall: decimal.NewFromInt(-100)}
	call := &models.MarginStatus{ClientID: "C3", MarginShortfall: decimal.NewFromInt(750), MarginCallTriggered: true}
	ev := stubEvaluator{result: &margin.BatchResult{
		Statuses: []*models.MarginStatus{ok, call},
		Failures: []*models.EvaluationFailure{{ClientID: "C2", Err: errors.New("lookup failed")}},
	}}
	pub := &recordingPublisher{}
	m := newTestMonitor(ev, &stubQuoteStore{}, &stubProvider{}, pub)

	report, err := m.CheckMargins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Report{Items: 2, Failures: 1, Alerts: 1}, report)

	require.Len(t, pub.toClient, 3)
	assert.Equal(t, delivery{"C1", models.EventMarginStatus, ok}, pub.toClient[0])
	assert.Equal(t, delivery{"C3", models.EventMarginStatus, call}, pub.toClient[1])
	assert.Equal(t, "C3", pub.toClient[2].target)
	assert.Equal(t, models.EventMarginCallAlert, pub.toClient[2].event)
	assert.Equal(t, call.Alert(), pub.toClient[2].payload)
}

func TestCheckMargins_EnumerationFailure(t *testing.T) {
	m := newTestMonitor(stubEvaluator{err: errors.New("db down")}, &stubQuoteStore{}, &stubProvider{}, &recordingPublisher{})

	_, err := m.CheckMargins(context.Background())
	assert.Error(t, err)
}

func TestRefreshMarketData_PublishesPerSymbol(t *testing.T) {
	store := &stubQuoteStore{symbols: []string{"AAPL", "msft", "AAPL"}}
	provider := &stubProvider{}
	pub := &recordingPublisher{}
	m := newTestMonitor(stubEvaluator{}, store, provider, pub)

	report, err := m.RefreshMarketData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Items)
	assert.Len(t, store.written, 2)

	require.Len(t, pub.toSymbol, 2)
	assert.Equal(t, "AAPL", pub.toSymbol[0].target)
	assert.Equal(t, "MSFT", pub.toSymbol[1].target)
	assert.Equal(t, models.EventMarketUpdate, pub.toSymbol[0].event)
	assert.Empty(t, pub.toAll)
}

func TestRefreshAndBroadcast_SendsBatchToAll(t *testing.T) {
	store := &stubQuoteStore{symbols: []string{"AAPL", "MSFT"}}
	pub := &recordingPublisher{}
	m := newTestMonitor(stubEvaluator{}, store, &stubProvider{}, pub)

	_, err := m.RefreshAndBroadcast(context.Background())
	require.NoError(t, err)

	require.Len(t, pub.toAll, 1)
	batch, ok := pub.toAll[0].payload.([]models.PriceQuote)
	require.True(t, ok)
	assert.Len(t, batch, 2)
	assert.Empty(t, pub.toSymbol)
}

func TestRefreshMarketData_NoSymbolsIsNoop(t *testing.T) {
	provider := &stubProvider{}
	m := newTestMonitor(stubEvaluator{}, &stubQuoteStore{}, provider, &recordingPublisher{})

	report, err := m.RefreshMarketData(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Items)
	assert.Zero(t, provider.calls)
}

func TestRefreshMarketData_ProviderUnavailable(t *testing.T) {
	store := &stubQuoteStore{symbols: []string{"AAPL"}}
	provider := &stubProvider{err: models.ErrProviderUnavailable}
	m := newTestMonitor(stubEvaluator{}, store, provider, nil)

	_, err := m.RefreshMarketData(context.Background())
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
	assert.Empty(t, store.written)
}

func TestPruneQuotes(t *testing.T) {
	store := &stubQuoteStore{deleted: 17}
	m := newTestMonitor(stubEvaluator{}, store, &stubProvider{}, nil)

	report, err := m.PruneQuotes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 17, report.Items)
	assert.Equal(t, now.Add(-30*24*time.Hour), store.cutoff)
}
