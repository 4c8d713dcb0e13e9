package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/logger"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
	"github.com/johnayoung/go-kline-fetcher/internal/storage"
	"github.com/johnayoung/go-kline-fetcher/internal/validator"
)

// SyncResult describes one symbol sync.
type SyncResult struct {
	Key       models.SeriesKey
	Window    models.FetchWindow
	Fetched   int
	Anomalies int
	Merge     storage.MergeResult
}

// Syncer fetches and persists one symbol end to end: look up the newest
// persisted candle, compute the fetch window, fetch it and merge the result.
type Syncer struct {
	fetcher   WindowFetcher
	store     storage.SeriesReader
	merger    *storage.MergeWriter
	interval  string
	startDate time.Time
	validator *validator.CandleValidator
	logger    *slog.Logger
}

// SyncerOption customizes a Syncer.
type SyncerOption func(*Syncer)

// WithValidator reports data-quality anomalies in fetched candles. Anomalous
// candles are still persisted.
func WithValidator(v *validator.CandleValidator) SyncerOption {
	return func(s *Syncer) { s.validator = v }
}

// NewSyncer creates a syncer. startDate bounds the window of series that do
// not exist yet.
func NewSyncer(fetcher WindowFetcher, store storage.SeriesReader, merger *storage.MergeWriter, interval string, startDate time.Time, logger *slog.Logger, opts ...SyncerOption) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{
		fetcher:   fetcher,
		store:     store,
		merger:    merger,
		interval:  interval,
		startDate: startDate.UTC(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync implements SymbolSyncer.
func (s *Syncer) Sync(ctx context.Context, base, ticker string, action models.Action) (SyncResult, error) {
	key := models.SeriesKey{BaseCurrency: base, Ticker: ticker, Interval: s.interval}
	result := SyncResult{Key: key}
	ctx = logger.WithSymbol(ctx, key.Symbol())

	var (
		last      time.Time
		persisted bool
	)
	switch action {
	case models.ActionUpdate:
		var err error
		if last, persisted, err = s.store.LastOpenTime(ctx, key); err != nil {
			return result, err
		}
	case models.ActionInitialLoad:
		// existing data is ignored and overwritten
	default:
		return result, kerrors.NewConfigurationError(
			fmt.Errorf("action %q is not supported", action), "collector", "sync")
	}

	oldest := s.startDate
	if persisted {
		oldest = last
	}

	newest, err := s.fetcher.LatestOpenTime(ctx, key.Symbol())
	if err != nil {
		return result, err
	}
	result.Window = models.FetchWindow{Oldest: oldest, Newest: newest}

	fresh, err := s.fetcher.FetchWindow(ctx, key.Symbol(), result.Window)
	if err != nil {
		return result, err
	}
	result.Fetched = len(fresh)

	// persisted rows carry the ticker, not the pair
	for i := range fresh {
		fresh[i].Symbol = ticker
	}

	if s.validator != nil {
		if anomalies := s.validator.Check(key, fresh); len(anomalies) > 0 {
			result.Anomalies = len(anomalies)
			logger.FromContext(ctx, s.logger).Warn("Fetched candles contain anomalies",
				"ticker", ticker,
				"anomalies", len(anomalies),
				"first_type", anomalies[0].Type,
				"first_open_time", anomalies[0].OpenTime,
				"first_description", anomalies[0].Description)
		}
	}

	merge, err := s.merger.Merge(ctx, key, last, persisted, fresh)
	result.Merge = merge
	if err != nil {
		return result, err
	}

	logger.FromContext(ctx, s.logger).Debug("Symbol synced",
		"ticker", ticker,
		"oldest", oldest,
		"newest", newest,
		"fetched", len(fresh),
		"written", merge.Written)
	return result, nil
}
