// Package gaps checks persisted series for continuity. A fetch run only ever
// appends after the last persisted candle, so holes left by provider outages
// or delisting periods stay in the file; this package finds them.
package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/models"
	"github.com/johnayoung/go-kline-fetcher/internal/storage"
)

// Report summarizes the continuity of one series.
type Report struct {
	Key     models.SeriesKey
	Candles int
	First   time.Time
	Last    time.Time
	Gaps    []models.Gap
	Missing int
}

// Continuous reports whether the series has no holes.
func (r *Report) Continuous() bool {
	return len(r.Gaps) == 0
}

// Detector finds gaps in stored series.
type Detector struct {
	reader storage.SeriesReader
	logger *slog.Logger
}

// NewDetector creates a detector reading series from reader.
func NewDetector(reader storage.SeriesReader, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		reader: reader,
		logger: logger.With("component", "gap_detector"),
	}
}

// DetectGaps reads the series identified by key and reports its holes.
func (d *Detector) DetectGaps(ctx context.Context, key models.SeriesKey) (*Report, error) {
	candles, err := d.reader.Read(ctx, key)
	if err != nil {
		return nil, err
	}

	gaps, err := FindGaps(key, candles)
	if err != nil {
		return nil, err
	}

	report := &Report{Key: key, Candles: len(candles), Gaps: gaps}
	if len(candles) > 0 {
		report.First = candles[0].OpenTime
		report.Last = candles[len(candles)-1].OpenTime
	}
	for _, gap := range gaps {
		missing, err := gap.MissingCandles()
		if err != nil {
			return nil, err
		}
		report.Missing += missing
	}

	d.logger.Debug("Gap detection complete",
		"series", key.String(),
		"candles", report.Candles,
		"gaps", len(gaps),
		"missing", report.Missing,
	)
	return report, nil
}

// FindGaps walks candles in order and returns every interval step with no
// candle. Candles must be strictly increasing by open time.
func FindGaps(key models.SeriesKey, candles []models.Candle) ([]models.Gap, error) {
	if _, err := models.IntervalDuration(key.Interval); err != nil {
		return nil, err
	}

	var gaps []models.Gap
	for i := 1; i < len(candles); i++ {
		prev, next := candles[i-1].OpenTime, candles[i].OpenTime
		if !next.After(prev) {
			return nil, fmt.Errorf("series %s is not strictly increasing at %s", key, next.Format(time.RFC3339))
		}

		expected := nextOpenTime(prev, key.Interval)
		if next.After(expected) {
			gaps = append(gaps, models.Gap{Key: key, Start: expected, End: next})
		}
	}
	return gaps, nil
}

// nextOpenTime returns the open time that follows t. Monthly klines open on
// the first of each calendar month, so they advance by calendar month rather
// than by a fixed duration.
func nextOpenTime(t time.Time, interval string) time.Time {
	if interval == "1M" {
		return t.AddDate(0, 1, 0)
	}
	step, _ := models.IntervalDuration(interval)
	return t.Add(step)
}
