package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
)

// MergeResult describes what a merge did, or would do in dry-run mode.
type MergeResult struct {
	Key      models.SeriesKey
	Written  int  // candles written after deduplication
	Dropped  int  // leading fresh candles already persisted
	Appended bool // false when the series was (re)written with a header
	DryRun   bool
}

// MergeWriter merges freshly fetched candles into a persisted series.
type MergeWriter struct {
	writer SeriesWriter
	dryRun bool
	logger *slog.Logger
}

// NewMergeWriter creates a merge writer. In dry-run mode merges are computed
// but nothing is written.
func NewMergeWriter(writer SeriesWriter, dryRun bool, logger *slog.Logger) *MergeWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MergeWriter{writer: writer, dryRun: dryRun, logger: logger}
}

// Merge writes fresh into the series for key.
//
// When persisted is false the fresh candles become a new series. Otherwise
// last is the open time of the newest persisted candle: the leading fresh
// candles whose open time is not after it are dropped and the rest are
// appended. Since the fetch window starts at last, that is exactly one
// candle in the normal case.
func (m *MergeWriter) Merge(ctx context.Context, key models.SeriesKey, last time.Time, persisted bool, fresh []models.Candle) (MergeResult, error) {
	result := MergeResult{Key: key, DryRun: m.dryRun}

	if err := ensureIncreasing(fresh); err != nil {
		return result, kerrors.NewProviderLogicError(err, "storage", "merge").WithContext("series", key.String())
	}

	if !persisted {
		result.Written = len(fresh)
		if len(fresh) == 0 || m.dryRun {
			return result, nil
		}
		if err := m.writer.Write(ctx, key, fresh); err != nil {
			return result, err
		}
		m.logger.Info("Created series", "series", key.String(), "candles", len(fresh))
		return result, nil
	}

	tail := dropPersisted(fresh, last)
	result.Appended = true
	result.Dropped = len(fresh) - len(tail)
	result.Written = len(tail)

	if len(tail) == 0 || m.dryRun {
		return result, nil
	}
	if err := m.writer.Append(ctx, key, tail); err != nil {
		return result, err
	}

	m.logger.Info("Appended to series",
		"series", key.String(),
		"candles", len(tail),
		"dropped", result.Dropped)
	return result, nil
}

// dropPersisted returns fresh without its leading candles at or before last.
func dropPersisted(fresh []models.Candle, last time.Time) []models.Candle {
	i := 0
	for i < len(fresh) && !fresh[i].OpenTime.After(last) {
		i++
	}
	return fresh[i:]
}

func ensureIncreasing(candles []models.Candle) error {
	for i := 1; i < len(candles); i++ {
		if !candles[i].OpenTime.After(candles[i-1].OpenTime) {
			return fmt.Errorf("fetched candles out of order at index %d: %s after %s",
				i, candles[i].OpenTime.Format(TimestampLayout), candles[i-1].OpenTime.Format(TimestampLayout))
		}
	}
	return nil
}
