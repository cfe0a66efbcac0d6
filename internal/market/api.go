// Package market resolves where a token trades, quotes swaps against the venue
// routers and derives prices and market cap for automation.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/metrics"
)

var (
	ErrNotFound         = errors.New("market: token not found")
	ErrUnavailable      = errors.New("market: data unavailable")
	ErrUnsupportedVenue = errors.New("market: unsupported venue")
	ErrQuoteUnavailable = errors.New("market: quote unavailable")
)

type Venue string

const (
	VenueCurve Venue = "CURVE"
	VenueDEX   Venue = "DEX"
)

func ParseVenue(s string) (Venue, error) {
	switch Venue(strings.ToUpper(strings.TrimSpace(s))) {
	case VenueCurve:
		return VenueCurve, nil
	case VenueDEX:
		return VenueDEX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVenue, s)
	}
}

// Market is the venue state of one token. Price is quoted in native units per token.
type Market struct {
	Venue       Venue           `json:"market_type"`
	Price       decimal.Decimal `json:"price"`
	MarketID    string          `json:"market_id"`
	TotalSupply decimal.Decimal `json:"total_supply"`
}

type Metadata struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	IsListed    bool   `json:"is_listing"`
	Creator     string `json:"creator"`
	Description string `json:"description"`
	ImageURI    string `json:"image_uri"`
	CreatedAt   int64  `json:"created_at"`
}

type APIConfig struct {
	BaseURL    string
	RatePerSec float64
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// APIClient talks to the market data HTTP API.
type APIClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

func NewAPIClient(cfg APIConfig) *APIClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &APIClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.OrDefault(cfg.Logger).Named("market"),
	}
}

func (c *APIClient) Metadata(ctx context.Context, token string) (*Metadata, error) {
	var body struct {
		TokenMetadata *Metadata `json:"token_metadata"`
	}
	if err := c.get(ctx, "/token/metadata/", token, &body); err != nil {
		return nil, err
	}
	if body.TokenMetadata == nil {
		return nil, ErrNotFound
	}
	return body.TokenMetadata, nil
}

// ResolveMarket returns ErrNotFound when the API has no market for token and
// ErrUnsupportedVenue when the market type is neither CURVE nor DEX.
func (c *APIClient) ResolveMarket(ctx context.Context, token string) (*Market, error) {
	var body struct {
		MarketType  string          `json:"market_type"`
		Price       decimal.Decimal `json:"price"`
		MarketID    string          `json:"market_id"`
		TotalSupply decimal.Decimal `json:"total_supply"`
	}
	if err := c.get(ctx, "/trade/market/", token, &body); err != nil {
		return nil, err
	}
	if body.MarketType == "" {
		return nil, ErrNotFound
	}
	venue, err := ParseVenue(body.MarketType)
	if err != nil {
		return nil, err
	}
	return &Market{
		Venue:       venue,
		Price:       body.Price,
		MarketID:    body.MarketID,
		TotalSupply: body.TotalSupply,
	}, nil
}

func (c *APIClient) get(ctx context.Context, endpoint, token string, out interface{}) error {
	path := endpoint + token
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordMarketCall(endpoint, "error")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	metrics.RecordMarketCall(endpoint, strconv.Itoa(resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		c.log.Debug("market api error", logger.String("path", path), logger.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
	}
	if len(strings.TrimSpace(string(body))) == 0 || strings.TrimSpace(string(body)) == "null" {
		return ErrNotFound
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}
