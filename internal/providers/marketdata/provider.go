// Package marketdata fetches equity quotes from Alpha Vantage with Twelve Data as
// fallback. Each source sits behind its own circuit breaker and token bucket.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/marginwatch/internal/metrics"
	"github.com/sawpanic/marginwatch/internal/models"
)

// Provider returns fresh quotes for a set of symbols
type Provider interface {
	FetchQuotes(ctx context.Context, symbols []string) ([]models.PriceQuote, error)
}

// Source is one upstream quote API
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbols []string) ([]models.PriceQuote, error)
}

// Config holds upstream endpoints, keys and protection settings
type Config struct {
	AlphaVantageURL   string        `yaml:"alpha_vantage_url"`
	AlphaVantageKey   string        `yaml:"alpha_vantage_key"`
	TwelveDataURL     string        `yaml:"twelve_data_url"`
	TwelveDataKey     string        `yaml:"twelve_data_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerOpen       time.Duration `yaml:"breaker_open"`
}

// DefaultConfig returns the public endpoints and conservative limits
func DefaultConfig() Config {
	return Config{
		AlphaVantageURL:   "https://www.alphavantage.co/query",
		TwelveDataURL:     "https://api.twelvedata.com",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
		BreakerFailures:   3,
		BreakerOpen:       60 * time.Second,
	}
}

// guarded wraps a source with a circuit breaker
type guarded struct {
	source  Source
	breaker *gobreaker.CircuitBreaker
}

// Fallback tries its sources in order and returns the first full answer
type Fallback struct {
	sources []guarded
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// New builds the Alpha Vantage then Twelve Data chain from config
func New(cfg Config, collector *metrics.Collector) *Fallback {
	client := &http.Client{Timeout: cfg.Timeout}
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return NewFallback(cfg, collector,
		NewAlphaVantage(cfg.AlphaVantageURL, cfg.AlphaVantageKey, client, rate.NewLimiter(limit, burst)),
		NewTwelveData(cfg.TwelveDataURL, cfg.TwelveDataKey, client, rate.NewLimiter(limit, burst)),
	)
}

// NewFallback guards each source with a breaker built from cfg
func NewFallback(cfg Config, collector *metrics.Collector, sources ...Source) *Fallback {
	logger := log.With().Str("component", "marketdata").Logger()
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}

	f := &Fallback{metrics: collector, logger: logger}
	for _, src := range sources {
		name := src.Name()
		f.sources = append(f.sources, guarded{
			source: src,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     cfg.BreakerOpen,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= failures
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn().
						Str("source", name).
						Str("from", from.String()).
						Str("to", to.String()).
						Msg("Market data circuit breaker state change")
				},
			}),
		})
	}
	return f
}

// FetchQuotes returns quotes from the first source that answers for every
// symbol. When all sources fail the error wraps models.ErrProviderUnavailable.
func (f *Fallback) FetchQuotes(ctx context.Context, symbols []string) ([]models.PriceQuote, error) {
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return []models.PriceQuote{}, nil
	}

	var errs []error
	for i, g := range f.sources {
		out, err := g.breaker.Execute(func() (interface{}, error) {
			return g.source.Fetch(ctx, symbols)
		})
		f.metrics.ObserveProvider(g.source.Name(), err == nil)
		if err == nil {
			return out.([]models.PriceQuote), nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", g.source.Name(), err))
		if ctx.Err() != nil {
			break
		}
		if i < len(f.sources)-1 {
			f.logger.Warn().Err(err).
				Str("source", g.source.Name()).
				Str("next", f.sources[i+1].source.Name()).
				Msg("Market data source failed, trying fallback")
		}
	}

	err := errors.Join(errs...)
	f.logger.Error().Err(err).Int("symbols", len(symbols)).Msg("All market data sources failed")
	return nil, fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

// States reports each source's breaker state
func (f *Fallback) States() map[string]string {
	out := make(map[string]string, len(f.sources))
	for _, g := range f.sources {
		out[g.source.Name()] = g.breaker.State().String()
	}
	return out
}
