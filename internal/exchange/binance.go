package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/config"
	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	// Binance spot REST API base URL
	binanceBaseURL = "https://api.binance.com"

	// API endpoints
	tickerPriceEndpoint = "/api/v3/ticker/price"
	klinesEndpoint      = "/api/v3/klines"

	// Request configuration
	maxKlinesPerRequest = 1000
	requestTimeout      = 30 * time.Second

	// Local limiter; the provider's weight budget is enforced by batching, not here
	defaultRequestsPerSecond = 20

	usedWeightHeader       = "X-MBX-USED-WEIGHT-1M"
	legacyUsedWeightHeader = "X-MBX-USED-WEIGHT"

	component = "exchange"
)

// APIError is an error body returned by the Binance API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// BinanceClient implements Client against the Binance spot REST API.
type BinanceClient struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	apiKey      string
	logger      *slog.Logger

	usedWeight atomic.Int64
	closed     atomic.Bool
}

// BinanceOption customizes a BinanceClient.
type BinanceOption func(*BinanceClient)

// WithBaseURL points the client at a different endpoint root.
func WithBaseURL(baseURL string) BinanceOption {
	return func(c *BinanceClient) { c.baseURL = baseURL }
}

// WithAPIKey sends the key as X-MBX-APIKEY on every request.
func WithAPIKey(key string) BinanceOption {
	return func(c *BinanceClient) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) BinanceOption {
	return func(c *BinanceClient) { c.httpClient = hc }
}

// WithRequestsPerSecond sets the local request limiter.
func WithRequestsPerSecond(rps int) BinanceOption {
	return func(c *BinanceClient) {
		if rps > 0 {
			c.rateLimiter = rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) BinanceOption {
	return func(c *BinanceClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewBinanceClient creates a Binance client with proper defaults.
func NewBinanceClient(opts ...BinanceOption) *BinanceClient {
	c := &BinanceClient{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestsPerSecond),
		baseURL:     binanceBaseURL,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewBinanceClientFromConfig creates a client from the exchange configuration section.
func NewBinanceClientFromConfig(cfg config.ExchangeConfig, logger *slog.Logger) *BinanceClient {
	c := NewBinanceClient(
		WithBaseURL(cfg.BaseURL),
		WithAPIKey(cfg.APIKey),
		WithRequestsPerSecond(cfg.RequestsPerSecond),
		WithLogger(logger),
	)
	c.httpClient.Timeout = cfg.TimeoutDuration()
	return c
}

// ListAllTickers implements PairLister.
func (c *BinanceClient) ListAllTickers(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, tickerPriceEndpoint, nil, "list_all_tickers")
	if err != nil {
		return nil, err
	}

	var prices []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &prices); err != nil {
		return nil, kerrors.NewProviderLogicError(fmt.Errorf("failed to parse ticker response: %w", err), component, "list_all_tickers")
	}

	symbols := make([]string, 0, len(prices))
	for _, p := range prices {
		symbols = append(symbols, p.Symbol)
	}

	c.logger.Debug("fetched tickers", "count", len(symbols))
	return symbols, nil
}

// GetLatestOpenTime implements KlineProvider.
func (c *BinanceClient) GetLatestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", "1")

	candles, err := c.fetchKlines(ctx, params, symbol, "latest_open_time")
	if err != nil {
		return time.Time{}, err
	}
	if len(candles) == 0 {
		return time.Time{}, kerrors.NewProviderLogicError(fmt.Errorf("no klines available for %s", symbol), component, "latest_open_time")
	}

	return candles[len(candles)-1].OpenTime, nil
}

// GetHistoricalCandles implements KlineProvider. Pages of up to 1000 klines are
// requested from start until end, each page starting one millisecond after the
// previous page's last open time.
func (c *BinanceClient) GetHistoricalCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	c.logger.Debug("fetching klines from Binance",
		"symbol", symbol,
		"interval", interval,
		"start", start,
		"end", end)

	all := make([]models.Candle, 0)
	cursor := start

	for cursor.Before(end) {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", interval)
		params.Set("startTime", strconv.FormatInt(cursor.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
		params.Set("limit", strconv.Itoa(maxKlinesPerRequest))

		page, err := c.fetchKlines(ctx, params, symbol, "historical_klines")
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, candle := range page {
			if candle.OpenTime.Before(cursor) || !candle.OpenTime.Before(end) {
				continue
			}
			all = append(all, candle)
		}

		if len(page) < maxKlinesPerRequest {
			break
		}
		cursor = page[len(page)-1].OpenTime.Add(time.Millisecond)
	}

	c.logger.Debug("successfully fetched klines", "symbol", symbol, "count", len(all))
	return all, nil
}

// UsedWeight implements WeightReporter.
func (c *BinanceClient) UsedWeight() int {
	return int(c.usedWeight.Load())
}

// Close implements Client.
func (c *BinanceClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	c.logger.Debug("exchange client closed")
	return nil
}

func (c *BinanceClient) fetchKlines(ctx context.Context, params url.Values, symbol, operation string) ([]models.Candle, error) {
	body, err := c.get(ctx, klinesEndpoint, params, operation)
	if err != nil {
		return nil, err
	}

	var rows []binanceKline
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, kerrors.NewProviderLogicError(fmt.Errorf("failed to parse klines response: %w", err), component, operation)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := row.toCandle(symbol)
		if err != nil {
			return nil, kerrors.NewProviderLogicError(fmt.Errorf("kline %d: %w", i, err), component, operation)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// get performs a GET request and maps failures onto the error taxonomy.
func (c *BinanceClient) get(ctx context.Context, endpoint string, params url.Values, operation string) ([]byte, error) {
	if c.closed.Load() {
		return nil, kerrors.NewProviderLogicError(errors.New("client is closed"), component, operation)
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, kerrors.NewTransientError(fmt.Errorf("rate limit wait failed: %w", err), component, operation)
	}

	requestURL := c.baseURL + endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, kerrors.NewConfigurationError(fmt.Errorf("failed to create request: %w", err), component, operation)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-kline-fetcher/1.0")
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, kerrors.NewTransientError(fmt.Errorf("request failed: %w", err), component, operation)
	}
	defer resp.Body.Close()

	c.recordWeight(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kerrors.NewTransientError(fmt.Errorf("failed to read response body: %w", err), component, operation)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.logger.Warn("rate limited by provider",
			"status", resp.StatusCode,
			"retry_after", retryAfter,
			"used_weight", c.UsedWeight())
		return nil, kerrors.NewRateLimitError(parseAPIError(resp.StatusCode, body), component, operation).
			WithContext(kerrors.ContextRetryAfter, retryAfter)
	case resp.StatusCode >= 500:
		return nil, kerrors.NewTransientError(parseAPIError(resp.StatusCode, body), component, operation)
	case resp.StatusCode >= 400:
		return nil, kerrors.NewProviderLogicError(parseAPIError(resp.StatusCode, body), component, operation)
	}

	return body, nil
}

func (c *BinanceClient) recordWeight(h http.Header) {
	value := h.Get(usedWeightHeader)
	if value == "" {
		value = h.Get(legacyUsedWeightHeader)
	}
	if value == "" {
		return
	}
	if weight, err := strconv.Atoi(value); err == nil {
		c.usedWeight.Store(int64(weight))
	}
}

func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

// binanceKline is one row of the klines endpoint:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades,
// takerBaseVolume, takerQuoteVolume, ignore]
type binanceKline []json.RawMessage

func (k binanceKline) toCandle(symbol string) (models.Candle, error) {
	if len(k) < 11 {
		return models.Candle{}, fmt.Errorf("expected at least 11 fields, got %d", len(k))
	}

	var (
		candle models.Candle
		err    error
	)
	if candle.OpenTime, err = k.millis(0); err != nil {
		return candle, err
	}
	if candle.CloseTime, err = k.millis(6); err != nil {
		return candle, err
	}
	if err := json.Unmarshal(k[8], &candle.Trades); err != nil {
		return candle, fmt.Errorf("field 8: %w", err)
	}

	decimals := []struct {
		index int
		dst   *decimal.Decimal
	}{
		{1, &candle.Open}, {2, &candle.High}, {3, &candle.Low}, {4, &candle.Close},
		{5, &candle.Volume}, {7, &candle.QuoteVolume},
		{9, &candle.TakerBaseVolume}, {10, &candle.TakerQuoteVolume},
	}
	for _, d := range decimals {
		var s string
		if err := json.Unmarshal(k[d.index], &s); err != nil {
			return candle, fmt.Errorf("field %d: %w", d.index, err)
		}
		if *d.dst, err = decimal.NewFromString(s); err != nil {
			return candle, fmt.Errorf("field %d: %w", d.index, err)
		}
	}

	candle.Symbol = symbol
	return candle, nil
}

func (k binanceKline) millis(index int) (time.Time, error) {
	var ms int64
	if err := json.Unmarshal(k[index], &ms); err != nil {
		return time.Time{}, fmt.Errorf("field %d: %w", index, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
