// Package fetcher reads one symbol's kline history from the provider under
// the retry policies of the fetch orchestrator.
package fetcher

import (
	"context"
	"log/slog"
	"time"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/exchange"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
)

const (
	OperationLatestOpenTime = "latest_open_time"
	OperationHistorical     = "historical"

	component = "fetcher"
)

// AttemptObserver is notified once per retried operation with the number of
// attempts it took and its final error, if any.
type AttemptObserver interface {
	ObserveFetch(operation string, attempts int, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveFetch(string, int, error) {}

// DefaultLatestOpenTimePolicy retries timeouts up to 3 attempts.
func DefaultLatestOpenTimePolicy() kerrors.RetryPolicy {
	return kerrors.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Retryable:    map[kerrors.ErrorType]bool{kerrors.ErrorTypeTransient: true},
	}
}

// DefaultHistoricalPolicy retries timeouts and provider throttling up to 5 attempts.
func DefaultHistoricalPolicy() kerrors.RetryPolicy {
	return kerrors.RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Retryable: map[kerrors.ErrorType]bool{
			kerrors.ErrorTypeTransient: true,
			kerrors.ErrorTypeRateLimit: true,
		},
	}
}

// HistoryFetcher fetches kline windows for a fixed interval.
type HistoryFetcher struct {
	provider   exchange.KlineProvider
	retrier    *kerrors.Retrier
	latest     kerrors.RetryPolicy
	historical kerrors.RetryPolicy
	interval   string
	observer   AttemptObserver
	logger     *slog.Logger
}

// Option customizes a HistoryFetcher.
type Option func(*HistoryFetcher)

// WithPolicies overrides both retry policies.
func WithPolicies(latest, historical kerrors.RetryPolicy) Option {
	return func(f *HistoryFetcher) {
		f.latest = latest
		f.historical = historical
	}
}

// WithRetrier replaces the retrier, typically with one using a zero backoff in tests.
func WithRetrier(r *kerrors.Retrier) Option {
	return func(f *HistoryFetcher) { f.retrier = r }
}

// WithObserver registers an attempt observer.
func WithObserver(o AttemptObserver) Option {
	return func(f *HistoryFetcher) {
		if o != nil {
			f.observer = o
		}
	}
}

// New creates a HistoryFetcher reading interval klines from provider.
func New(provider exchange.KlineProvider, interval string, logger *slog.Logger, opts ...Option) *HistoryFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &HistoryFetcher{
		provider:   provider,
		retrier:    kerrors.NewRetrier(logger),
		latest:     DefaultLatestOpenTimePolicy(),
		historical: DefaultHistoricalPolicy(),
		interval:   interval,
		observer:   noopObserver{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Interval returns the kline interval this fetcher reads.
func (f *HistoryFetcher) Interval() string {
	return f.interval
}

// LatestOpenTime returns the open time of the newest kline for symbol.
func (f *HistoryFetcher) LatestOpenTime(ctx context.Context, symbol string) (time.Time, error) {
	var latest time.Time
	err := f.retrier.Do(ctx, f.latest, component, OperationLatestOpenTime, func(ctx context.Context) error {
		t, err := f.provider.GetLatestOpenTime(ctx, symbol, f.interval)
		if err != nil {
			return err
		}
		latest = t
		return nil
	})
	f.observer.ObserveFetch(OperationLatestOpenTime, kerrors.GetAttempts(err), err)
	if err != nil {
		return time.Time{}, annotate(err, symbol)
	}
	return latest, nil
}

// FetchWindow returns the klines of symbol whose open time lies in window,
// oldest first. An empty window returns no candles without calling the provider.
func (f *HistoryFetcher) FetchWindow(ctx context.Context, symbol string, window models.FetchWindow) ([]models.Candle, error) {
	if window.Empty() {
		return nil, nil
	}

	var candles []models.Candle
	err := f.retrier.Do(ctx, f.historical, component, OperationHistorical, func(ctx context.Context) error {
		page, err := f.provider.GetHistoricalCandles(ctx, symbol, f.interval, window.Oldest, window.Newest)
		if err != nil {
			return err
		}
		candles = page
		return nil
	})
	f.observer.ObserveFetch(OperationHistorical, kerrors.GetAttempts(err), err)
	if err != nil {
		return nil, annotate(err, symbol)
	}

	f.logger.Debug("Fetched window",
		"symbol", symbol,
		"interval", f.interval,
		"oldest", window.Oldest,
		"newest", window.Newest,
		"candles", len(candles))
	return candles, nil
}

func annotate(err error, symbol string) error {
	if ce, ok := err.(*kerrors.ClassifiedError); ok {
		return ce.WithContext("symbol", symbol)
	}
	return err
}
