// Package catalog discovers the tickers quoted against a base currency.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/exchange"
)

// minTickerLength drops noise pairs such as "XBTC" -> "X".
const minTickerLength = 2

// FilterTickers keeps the pairs ending in base, strips the suffix and removes
// short or deprecated tickers. Provider order is preserved and duplicates are
// removed.
func FilterTickers(pairs []string, base string, deprecated map[string]struct{}) []string {
	tickers := make([]string, 0)
	seen := make(map[string]struct{})

	for _, pair := range pairs {
		if !strings.HasSuffix(pair, base) {
			continue
		}
		ticker := strings.TrimSuffix(pair, base)
		if len(ticker) < minTickerLength {
			continue
		}
		if _, retired := deprecated[ticker]; retired {
			continue
		}
		if _, dup := seen[ticker]; dup {
			continue
		}
		seen[ticker] = struct{}{}
		tickers = append(tickers, ticker)
	}

	return tickers
}

// Catalog lists the symbols to fetch for a base currency.
type Catalog struct {
	lister     exchange.PairLister
	deprecated map[string]struct{}
	logger     *slog.Logger
}

// New creates a catalog backed by lister. The deprecated set is copied.
func New(lister exchange.PairLister, deprecated []string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(deprecated))
	for _, t := range deprecated {
		set[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	return &Catalog{lister: lister, deprecated: set, logger: logger}
}

// ListSymbols returns the tickers tradable against base, e.g. ["ETH", "LTC"] for BTC.
func (c *Catalog) ListSymbols(ctx context.Context, base string) ([]string, error) {
	if base == "" {
		return nil, kerrors.NewConfigurationError(fmt.Errorf("base currency is required"), "catalog", "list_symbols")
	}

	pairs, err := c.lister.ListAllTickers(ctx)
	if err != nil {
		return nil, err
	}

	tickers := FilterTickers(pairs, strings.ToUpper(base), c.deprecated)
	c.logger.Info("Resolved symbols for base currency",
		"base_currency", base,
		"pairs", len(pairs),
		"tickers", len(tickers))
	return tickers, nil
}
