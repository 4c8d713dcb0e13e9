package collector

import (
	"context"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/models"
)

// SymbolLister resolves the tickers to fetch for a base currency.
type SymbolLister interface {
	ListSymbols(ctx context.Context, base string) ([]string, error)
}

// CostEstimator measures the weight cost of one provider call for a base currency.
type CostEstimator interface {
	// Reset marks the start of a run.
	Reset()
	Estimate(ctx context.Context, base string, action models.Action) (int, error)
}

// BatchPlanner turns a call cost and a symbol count into a batch size.
type BatchPlanner interface {
	Plan(callCost, totalSymbols int) (int, error)
}

// SymbolSyncer brings one series up to date.
type SymbolSyncer interface {
	Sync(ctx context.Context, base, ticker string, action models.Action) (SyncResult, error)
}

// WindowFetcher reads kline windows for one symbol.
type WindowFetcher interface {
	LatestOpenTime(ctx context.Context, symbol string) (time.Time, error)
	FetchWindow(ctx context.Context, symbol string, window models.FetchWindow) ([]models.Candle, error)
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
