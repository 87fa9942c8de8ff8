package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sawpanic/marginwatch/internal/models"
)

// SourceAlphaVantage tags quotes fetched from Alpha Vantage
const SourceAlphaVantage = "alphavantage"

// AlphaVantage issues one GLOBAL_QUOTE request per symbol
type AlphaVantage struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewAlphaVantage builds a client whose requests wait on limiter
func NewAlphaVantage(baseURL, apiKey string, client *http.Client, limiter *rate.Limiter) *AlphaVantage {
	return &AlphaVantage{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		limiter: limiter,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (a *AlphaVantage) Name() string { return SourceAlphaVantage }

type globalQuoteResponse struct {
	GlobalQuote map[string]string `json:"Global Quote"`
	Note        string            `json:"Note"`
	Information string            `json:"Information"`
	Error       string            `json:"Error Message"`
}

// Fetch requests every symbol concurrently; any failed symbol fails the batch.
func (a *AlphaVantage) Fetch(ctx context.Context, symbols []string) ([]models.PriceQuote, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("alpha vantage api key not configured")
	}

	quotes := make([]models.PriceQuote, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	for i, sym := range symbols {
		g.Go(func() error {
			q, err := a.fetchOne(gctx, sym)
			if err != nil {
				return fmt.Errorf("%s: %w", sym, err)
			}
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return quotes, nil
}

func (a *AlphaVantage) fetchOne(ctx context.Context, symbol string) (models.PriceQuote, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return models.PriceQuote{}, err
	}

	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", symbol)
	params.Set("apikey", a.apiKey)

	var body globalQuoteResponse
	if err := getJSON(ctx, a.client, a.baseURL+"?"+params.Encode(), &body); err != nil {
		return models.PriceQuote{}, err
	}

	switch {
	case body.Error != "":
		return models.PriceQuote{}, fmt.Errorf("upstream error: %s", body.Error)
	case body.Note != "":
		return models.PriceQuote{}, fmt.Errorf("rate limited: %s", body.Note)
	case body.Information != "":
		return models.PriceQuote{}, fmt.Errorf("upstream notice: %s", body.Information)
	}

	raw, ok := body.GlobalQuote["05. price"]
	if !ok || raw == "" {
		return models.PriceQuote{}, fmt.Errorf("no quote in response")
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return models.PriceQuote{}, fmt.Errorf("bad price %q: %w", raw, err)
	}
	if !price.IsPositive() {
		return models.PriceQuote{}, fmt.Errorf("non-positive price %s", price)
	}

	return models.PriceQuote{
		Symbol:    symbol,
		Price:     price,
		Timestamp: a.now(),
		Source:    SourceAlphaVantage,
	}, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
