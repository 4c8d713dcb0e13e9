package models

import (
	"fmt"
	"path/filepath"
	"time"
)

// SeriesKey identifies one persisted series: a ticker quoted against a base
// currency at one fixed interval.
type SeriesKey struct {
	BaseCurrency string
	Ticker       string
	Interval     string
}

// Symbol returns the provider pair name, e.g. ETH + BTC -> ETHBTC.
func (k SeriesKey) Symbol() string {
	return k.Ticker + k.BaseCurrency
}

// Path returns <basePath>/<base>/<ticker>-<interval>-orderbook.csv.
func (k SeriesKey) Path(basePath string) string {
	return filepath.Join(basePath, k.BaseCurrency, fmt.Sprintf("%s-%s-orderbook.csv", k.Ticker, k.Interval))
}

func (k SeriesKey) String() string {
	return k.Symbol() + "@" + k.Interval
}

// SupportedIntervals lists kline intervals in ascending length.
var SupportedIntervals = []string{
	"1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w", "1M",
}

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour, // nominal; only used as a pagination step
}

// IntervalDuration returns the nominal length of a kline interval.
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval: %s", interval)
	}
	return d, nil
}

// FetchWindow is the half-open range [Oldest, Newest) requested from the provider.
type FetchWindow struct {
	Oldest time.Time
	Newest time.Time
}

// Empty reports whether the window contains no open times.
func (w FetchWindow) Empty() bool {
	return !w.Oldest.Before(w.Newest)
}
