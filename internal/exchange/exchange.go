// Package exchange defines the capability set the fetch orchestrator needs from
// a market-data provider, and implements it for the Binance REST API.
//
// The interfaces are small and composable so each component depends only on
// what it calls: the catalog lists pairs, the history fetcher reads klines, and
// the rate-budget estimator reads the provider-reported weight.
package exchange

import (
	"context"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/models"
)

// PairLister lists every tradable pair on the exchange.
type PairLister interface {
	// ListAllTickers returns pair symbols such as "ETHBTC", in provider order.
	ListAllTickers(ctx context.Context) ([]string, error)
}

// KlineProvider reads kline data for a single pair.
type KlineProvider interface {
	// GetLatestOpenTime returns the open time of the most recent kline for symbol at interval.
	GetLatestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error)

	// GetHistoricalCandles returns every kline whose open time lies in [start, end),
	// oldest first. Pagination is handled internally.
	GetHistoricalCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error)
}

// WeightReporter exposes the provider's cumulative weight usage for the current
// rate window, as reported on the most recent response.
type WeightReporter interface {
	UsedWeight() int
}

// Client is the full capability set used by the orchestrator.
type Client interface {
	PairLister
	KlineProvider
	WeightReporter

	// Close releases pooled connections. The client must not be used afterwards.
	Close() error
}
