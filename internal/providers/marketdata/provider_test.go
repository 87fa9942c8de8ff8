package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sawpanic/marginwatch/internal/metrics"
	"github.com/sawpanic/marginwatch/internal/models"
)

func alphaVantageServer(t *testing.T, prices map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GLOBAL_QUOTE", r.URL.Query().Get("function"))
		sym := r.URL.Query().Get("symbol")
		price, ok := prices[sym]
		if !ok {
			fmt.Fprint(w, `{"Global Quote": {}}`)
			return
		}
		fmt.Fprintf(w, `{"Global Quote": {"01. symbol": %q, "05. price": %q}}`, sym, price)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(avURL, tdURL string) Config {
	cfg := DefaultConfig()
	cfg.AlphaVantageURL = avURL
	cfg.AlphaVantageKey = "demo"
	cfg.TwelveDataURL = tdURL
	cfg.TwelveDataKey = "demo"
	cfg.Timeout = 2 * time.Second
	cfg.RequestsPerSecond = 0
	return cfg
}

func TestAlphaVantage_Fetch(t *testing.T) {
	srv := alphaVantageServer(t, map[string]string{"AAPL": "190.1200", "MSFT": "410.5000"})

	av := NewAlphaVantage(srv.URL, "demo", srv.Client(), rate.NewLimiter(rate.Inf, 1))
	quotes, err := av.Fetch(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "AAPL", quotes[0].Symbol)
	assert.Equal(t, "190.12", quotes[0].Price.String())
	assert.Equal(t, SourceAlphaVantage, quotes[0].Source)
	assert.False(t, quotes[0].Timestamp.IsZero())
}

func TestAlphaVantage_RateLimitNotice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Note": "Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute"}`)
	}))
	defer srv.Close()

	av := NewAlphaVantage(srv.URL, "demo", srv.Client(), rate.NewLimiter(rate.Inf, 1))
	_, err := av.Fetch(context.Background(), []string{"AAPL"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestTwelveData_SingleAndMulti(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/price", r.URL.Path)
		switch r.URL.Query().Get("symbol") {
		case "AAPL":
			fmt.Fprint(w, `{"price": "190.33"}`)
		case "AAPL,MSFT":
			fmt.Fprint(w, `{"AAPL": {"price": "190.33"}, "MSFT": {"price": "411.02"}}`)
		default:
			fmt.Fprint(w, `{"code": 400, "message": "symbol not found", "status": "error"}`)
		}
	}))
	defer srv.Close()

	td := NewTwelveData(srv.URL+"/", "demo", srv.Client(), rate.NewLimiter(rate.Inf, 1))

	one, err := td.Fetch(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "190.33", one[0].Price.String())

	many, err := td.Fetch(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.Equal(t, "MSFT", many[1].Symbol)
	assert.Equal(t, SourceTwelveData, many[1].Source)

	_, err = td.Fetch(context.Background(), []string{"ZZZZ"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol not found")
}

func TestFallback_UsesSecondarySource(t *testing.T) {
	av := alphaVantageServer(t, map[string]string{"AAPL": "190.00"})
	td := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"AAPL": {"price": "190.40"}, "GOOG": {"price": "171.10"}}`)
	}))
	defer td.Close()

	collector := metrics.NewCollector()
	p := New(testConfig(av.URL, td.URL), collector)

	quotes, err := p.FetchQuotes(context.Background(), []string{"aapl", "GOOG"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	for _, q := range quotes {
		assert.Equal(t, SourceTwelveData, q.Source)
	}
}

func TestFallback_AllSourcesFail(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	p := New(testConfig(down.URL, down.URL), nil)

	_, err := p.FetchQuotes(context.Background(), []string{"AAPL"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrProviderUnavailable))
}

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (c *countingSource) Name() string { return "counting" }

func (c *countingSource) Fetch(_ context.Context, symbols []string) ([]models.PriceQuote, error) {
	c.calls.Add(1)
	return nil, c.err
}

func TestFallback_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	src := &countingSource{err: errors.New("timeout")}
	cfg := DefaultConfig()
	cfg.BreakerFailures = 3
	cfg.BreakerOpen = time.Minute
	p := NewFallback(cfg, nil, src)

	for i := 0; i < 5; i++ {
		_, err := p.FetchQuotes(context.Background(), []string{"AAPL"})
		require.ErrorIs(t, err, models.ErrProviderUnavailable)
	}

	assert.Equal(t, int32(3), src.calls.Load(), "open breaker short-circuits further calls")
	assert.Equal(t, "open", p.States()["counting"])
}

func TestFallback_EmptySymbols(t *testing.T) {
	src := &countingSource{}
	p := NewFallback(DefaultConfig(), nil, src)

	quotes, err := p.FetchQuotes(context.Background(), []string{" "})
	require.NoError(t, err)
	assert.Empty(t, quotes)
	assert.Zero(t, src.calls.Load())
}
