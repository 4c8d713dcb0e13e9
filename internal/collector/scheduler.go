// Package collector orchestrates fetch runs. For every base currency it
// resolves the symbols, measures the cost of one provider call, plans a
// batch size from it and syncs the symbols batch by batch, pausing between
// batches until the provider's rate window has reset.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/journal"
	"github.com/johnayoung/go-kline-fetcher/internal/logger"
	"github.com/johnayoung/go-kline-fetcher/internal/metrics"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
)

// DefaultThrottleMargin is added to the wait for the next wall-clock minute.
const DefaultThrottleMargin = 2 * time.Second

// RunReport summarizes a fetch run across base currencies.
type RunReport struct {
	RunID      string
	Action     models.Action
	Bases      []models.RunRecord
	StartedAt  time.Time
	FinishedAt time.Time
}

// CandlesWritten returns the candles written across all base currencies.
func (r *RunReport) CandlesWritten() int {
	total := 0
	for _, b := range r.Bases {
		total += b.CandlesWritten
	}
	return total
}

// FetchScheduler runs fetch actions over a set of base currencies.
type FetchScheduler struct {
	catalog   SymbolLister
	estimator CostEstimator
	planner   BatchPlanner
	syncer    SymbolSyncer
	interval  string

	journal journal.Journal
	metrics *metrics.Recorder
	margin  time.Duration
	now     func() time.Time
	sleep   SleepFunc
	logger  *slog.Logger
}

// SchedulerOption customizes a FetchScheduler.
type SchedulerOption func(*FetchScheduler)

// WithJournal records every base-currency run.
func WithJournal(j journal.Journal) SchedulerOption {
	return func(s *FetchScheduler) {
		if j != nil {
			s.journal = j
		}
	}
}

// WithMetrics records plan, batch and throttle metrics.
func WithMetrics(m *metrics.Recorder) SchedulerOption {
	return func(s *FetchScheduler) { s.metrics = m }
}

// WithThrottleMargin overrides the pause added after the minute boundary.
func WithThrottleMargin(d time.Duration) SchedulerOption {
	return func(s *FetchScheduler) {
		if d >= 0 {
			s.margin = d
		}
	}
}

// WithClock replaces the wall clock used to compute throttle pauses.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *FetchScheduler) { s.now = now }
}

// WithSleeper replaces the function used to pause between batches.
func WithSleeper(sleep SleepFunc) SchedulerOption {
	return func(s *FetchScheduler) { s.sleep = sleep }
}

// NewFetchScheduler creates a scheduler.
func NewFetchScheduler(catalog SymbolLister, estimator CostEstimator, planner BatchPlanner, syncer SymbolSyncer, interval string, log *slog.Logger, opts ...SchedulerOption) *FetchScheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &FetchScheduler{
		catalog:   catalog,
		estimator: estimator,
		planner:   planner,
		syncer:    syncer,
		interval:  interval,
		journal:   journal.NewNoopJournal(),
		margin:    DefaultThrottleMargin,
		now:       time.Now,
		sleep:     sleepContext,
		logger:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes action for every base currency in order. The first failing
// base currency aborts the run; the report covers every base attempted.
func (s *FetchScheduler) Run(ctx context.Context, action models.Action, bases []string) (*RunReport, error) {
	ctx, runID := logger.NewRunContext(ctx)
	ctx = logger.WithInterval(ctx, s.interval)
	log := logger.FromContext(ctx, s.logger)

	report := &RunReport{RunID: runID, Action: action, StartedAt: s.now()}
	defer func() { report.FinishedAt = s.now() }()

	if action == models.ActionRecreate {
		return report, kerrors.NewConfigurationError(
			fmt.Errorf("action %q is not implemented", action), "collector", "run")
	}
	if action != models.ActionInitialLoad && action != models.ActionUpdate {
		return report, kerrors.NewConfigurationError(
			fmt.Errorf("unknown action %q", action), "collector", "run")
	}

	log.Info("Starting fetch run", "action", action, "base_currencies", bases)
	s.estimator.Reset()

	for _, base := range bases {
		bctx := logger.WithBaseCurrency(ctx, base)
		var record models.RunRecord
		err := logger.TimedOperation(bctx, s.logger, "base_run", func() error {
			var err error
			record, err = s.runBase(bctx, runID, action, base)
			return err
		})
		report.Bases = append(report.Bases, record)

		if jerr := s.journal.RecordRun(ctx, record); jerr != nil {
			log.Warn("Failed to record run in journal", "base_currency", base, "error", jerr)
		}
		s.metrics.ObserveRun(base, string(record.Status))

		if err != nil {
			log.Error("Fetch run aborted", "base_currency", base, "error", err)
			return report, err
		}
	}

	log.Info("Fetch run completed",
		"action", action,
		"candles_written", report.CandlesWritten(),
		"duration", s.now().Sub(report.StartedAt))
	return report, nil
}

func (s *FetchScheduler) runBase(ctx context.Context, runID string, action models.Action, base string) (models.RunRecord, error) {
	log := logger.FromContext(ctx, s.logger)
	record := models.RunRecord{
		RunID:        runID,
		Action:       action,
		BaseCurrency: base,
		Interval:     s.interval,
		StartedAt:    s.now(),
	}

	fail := func(err error) (models.RunRecord, error) {
		record.Status = models.RunStatusFailed
		record.Error = err.Error()
		record.FinishedAt = s.now()
		return record, err
	}

	tickers, err := s.catalog.ListSymbols(ctx, base)
	if err != nil {
		return fail(err)
	}
	record.Symbols = len(tickers)

	if len(tickers) == 0 {
		log.Warn("No symbols found for base currency")
		record.Status = models.RunStatusCompleted
		record.FinishedAt = s.now()
		return record, nil
	}

	cost, err := s.estimator.Estimate(ctx, base, action)
	if err != nil {
		return fail(err)
	}
	batchSize, err := s.planner.Plan(cost, len(tickers))
	if err != nil {
		return fail(kerrors.NewConfigurationError(err, "collector", "plan"))
	}
	record.CallCost = cost
	record.BatchSize = batchSize
	s.metrics.ObservePlan(base, cost, batchSize)

	batches := partition(tickers, batchSize)
	log.Info("Planned fetch batches",
		"symbols", len(tickers),
		"call_cost", cost,
		"batch_size", batchSize,
		"batches", len(batches))

	for i, batch := range batches {
		batchCtx := logger.WithBatch(ctx, i+1)

		written, err := s.runBatch(batchCtx, base, batch, action)
		record.CandlesWritten += written
		record.Batches++
		if err != nil {
			return fail(err)
		}
		s.metrics.ObserveBatch(base, written)

		if i == len(batches)-1 {
			break
		}
		if err := s.throttle(batchCtx); err != nil {
			return fail(kerrors.NewTransientError(err, "collector", "throttle"))
		}
	}

	record.Status = models.RunStatusCompleted
	record.FinishedAt = s.now()
	log.Info("Base currency completed",
		"batches", record.Batches,
		"candles_written", record.CandlesWritten,
		"duration", record.Duration())
	return record, nil
}

// runBatch syncs every ticker of the batch concurrently and waits for all of
// them. The first error is returned once the whole batch has finished.
func (s *FetchScheduler) runBatch(ctx context.Context, base string, tickers []string, action models.Action) (int, error) {
	var (
		g       errgroup.Group
		written atomic.Int64
	)

	for _, ticker := range tickers {
		g.Go(func() error {
			result, err := s.syncer.Sync(ctx, base, ticker, action)
			written.Add(int64(result.Merge.Written))
			if err != nil {
				return fmt.Errorf("sync %s%s: %w", ticker, base, err)
			}
			return nil
		})
	}

	err := g.Wait()
	logger.FromContext(ctx, s.logger).Debug("Batch finished",
		"symbols", len(tickers),
		"candles_written", written.Load(),
		"failed", err != nil)
	return int(written.Load()), err
}

// throttle pauses until the next wall-clock minute plus the margin.
func (s *FetchScheduler) throttle(ctx context.Context) error {
	d := ThrottleDelay(s.now(), s.margin)
	logger.FromContext(ctx, s.logger).Info("Waiting for rate window reset", "sleep", d)
	s.metrics.ObserveThrottle(d)
	return s.sleep(ctx, d)
}

// ThrottleDelay returns the time from now until the start of the next minute
// plus margin, counted in whole seconds.
func ThrottleDelay(now time.Time, margin time.Duration) time.Duration {
	return time.Duration(60-now.Second())*time.Second + margin
}

// partition splits items into consecutive chunks of size n, the last possibly shorter.
func partition(items []string, n int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if n <= 0 {
		n = len(items)
	}
	batches := make([][]string, 0, (len(items)+n-1)/n)
	for start := 0; start < len(items); start += n {
		end := start + n
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
