package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/sawpanic/marginwatch/internal/models"
)

// SourceTwelveData tags quotes fetched from Twelve Data
const SourceTwelveData = "twelvedata"

// TwelveData fetches all symbols with one /price request
type TwelveData struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewTwelveData builds a client whose requests wait on limiter
func NewTwelveData(baseURL, apiKey string, client *http.Client, limiter *rate.Limiter) *TwelveData {
	return &TwelveData{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		limiter: limiter,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (t *TwelveData) Name() string { return SourceTwelveData }

type priceResponse struct {
	Price   string `json:"price"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Fetch returns a quote for every symbol or fails. A single-symbol request is
// answered with a bare object, a multi-symbol one with an object keyed by symbol.
func (t *TwelveData) Fetch(ctx context.Context, symbols []string) ([]models.PriceQuote, error) {
	if t.apiKey == "" {
		return nil, fmt.Errorf("twelve data api key not configured")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", strings.Join(symbols, ","))
	params.Set("apikey", t.apiKey)

	var raw json.RawMessage
	if err := getJSON(ctx, t.client, t.baseURL+"/price?"+params.Encode(), &raw); err != nil {
		return nil, err
	}

	prices := make(map[string]priceResponse, len(symbols))
	var single priceResponse
	if err := json.Unmarshal(raw, &single); err == nil && (single.Price != "" || single.Status == "error") {
		if single.Status == "error" {
			return nil, fmt.Errorf("upstream error: %s", single.Message)
		}
		if len(symbols) != 1 {
			return nil, fmt.Errorf("single price returned for %d symbols", len(symbols))
		}
		prices[symbols[0]] = single
	} else if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, fmt.Errorf("failed to decode prices: %w", err)
	}

	now := t.now()
	quotes := make([]models.PriceQuote, 0, len(symbols))
	for _, sym := range symbols {
		p, ok := prices[sym]
		if !ok || p.Status == "error" {
			return nil, fmt.Errorf("%s: no price in response", sym)
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("%s: bad price %q: %w", sym, p.Price, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("%s: non-positive price %s", sym, price)
		}
		quotes = append(quotes, models.PriceQuote{
			Symbol:    sym,
			Price:     price,
			Timestamp: now,
			Source:    SourceTwelveData,
		})
	}
	return quotes, nil
}
