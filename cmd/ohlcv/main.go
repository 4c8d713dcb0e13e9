// Kline Fetcher CLI
// This application keeps local CSV series of Binance klines up to date for
// every pair quoted in the configured base currencies, spending the
// provider's request-weight budget in throttled batches.
//
// Usage:
//
//	ohlcv fetch --action initial_load --base BTC,USDT --interval 5m
//	ohlcv fetch --action update --dry-run
//	ohlcv schedule --cron "0 */15 * * * *" --run-on-start
//	ohlcv symbols --base BTC
//	ohlcv inspect --base BTC --ticker ETH
//	ohlcv history --limit 20
//
// For detailed help on any command, use: ohlcv <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/catalog"
	"github.com/johnayoung/go-kline-fetcher/internal/collector"
	"github.com/johnayoung/go-kline-fetcher/internal/config"
	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/exchange"
	"github.com/johnayoung/go-kline-fetcher/internal/fetcher"
	"github.com/johnayoung/go-kline-fetcher/internal/gaps"
	"github.com/johnayoung/go-kline-fetcher/internal/journal"
	"github.com/johnayoung/go-kline-fetcher/internal/logger"
	"github.com/johnayoung/go-kline-fetcher/internal/metrics"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
	"github.com/johnayoung/go-kline-fetcher/internal/ratebudget"
	"github.com/johnayoung/go-kline-fetcher/internal/storage"
	"github.com/johnayoung/go-kline-fetcher/internal/validator"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "ohlcv"
	ConfigFile = "ohlcv.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// usageError marks malformed command lines.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// CLI represents the main CLI application
type CLI struct {
	config    *config.AppConfig
	loggerMgr *logger.LoggerManager
	logger    *slog.Logger
	client    *exchange.BinanceClient
	metrics   *metrics.Recorder
	journal   journal.Journal

	stopMetrics context.CancelFunc
}

// main is the entry point for the CLI application
func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	cli := &CLI{}

	var err error
	switch command {
	case "fetch":
		err = cli.handleFetch(ctx, args)
	case "schedule":
		err = cli.handleSchedule(ctx, args)
	case "symbols":
		err = cli.handleSymbols(ctx, args)
	case "inspect":
		err = cli.handleInspect(ctx, args)
	case "history":
		err = cli.handleHistory(ctx, args)
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	cli.close()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s failed: %v\n", command, err)
		os.Exit(exitCode(err))
	}
	os.Exit(ExitSuccess)
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var uerr usageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &uerr):
		return ExitUsageError
	case errors.Is(err, context.Canceled):
		return ExitInterrupt
	}

	switch kerrors.GetErrorType(err) {
	case kerrors.ErrorTypeConfiguration:
		return ExitConfigError
	case kerrors.ErrorTypeTransient, kerrors.ErrorTypeRateLimit:
		return ExitConnectionErr
	default:
		return ExitDataError
	}
}

// initialize loads configuration and sets up logging, the exchange client,
// metrics and the run journal.
func (cli *CLI) initialize(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = os.Getenv("OHLCV_CONFIG")
	}
	if configPath == "" {
		configPath = ConfigFile
	}

	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.NewConfigManager(configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		return kerrors.NewConfigurationError(err, "cli", "load_config")
	}
	cli.config = cfg

	loggerMgr, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return kerrors.NewConfigurationError(fmt.Errorf("failed to setup logging: %w", err), "cli", "setup_logging")
	}
	cli.loggerMgr = loggerMgr
	cli.logger = loggerMgr.GetLogger()

	cli.client = exchange.NewBinanceClientFromConfig(cfg.Exchange, loggerMgr.GetComponentLogger("exchange").Logger)
	cli.metrics = metrics.NewRecorder()

	if cfg.Journal.Enabled {
		j, err := journal.NewSQLiteJournal(cfg.Journal.Path, loggerMgr.GetComponentLogger("journal").Logger)
		if err != nil {
			return err
		}
		cli.journal = j
	} else {
		cli.journal = journal.NewNoopJournal()
	}

	metricsCtx, stop := context.WithCancel(ctx)
	cli.stopMetrics = stop
	server := metrics.NewServer(cfg.Metrics, cli.metrics, loggerMgr)
	go func() {
		if err := server.Serve(metricsCtx); err != nil {
			cli.logger.Debug("Metrics server exited", "error", err)
		}
	}()

	cli.logger.Debug("CLI initialized", "config_path", configPath, "app", cfg.AppName)
	return nil
}

// close releases everything initialize acquired.
func (cli *CLI) close() {
	if cli.stopMetrics != nil {
		cli.stopMetrics()
	}
	if cli.journal != nil {
		if err := cli.journal.Close(); err != nil {
			cli.logger.Warn("Failed to close journal", "error", err)
		}
	}
	if cli.client != nil {
		if err := cli.client.Close(); err != nil {
			cli.logger.Warn("Failed to close exchange client", "error", err)
		}
	}
	if cli.loggerMgr != nil {
		_ = cli.loggerMgr.Close()
	}
}

// buildScheduler wires the fetch pipeline for one interval.
func (cli *CLI) buildScheduler(interval string, dryRun bool) (*collector.FetchScheduler, error) {
	cfg := cli.config

	startDate, err := cfg.Fetch.StartTime()
	if err != nil {
		return nil, kerrors.NewConfigurationError(fmt.Errorf("invalid start date: %w", err), "cli", "build")
	}

	history := fetcher.New(cli.client, interval, cli.loggerMgr.GetComponentLogger("fetcher").Logger,
		fetcher.WithPolicies(
			kerrors.PolicyFromConfig(cfg.ErrorHandling.LatestOpenTime),
			kerrors.PolicyFromConfig(cfg.ErrorHandling.Historical),
		),
		fetcher.WithObserver(cli.metrics),
	)

	store := storage.NewCSVStore(cfg.Storage.BasePath, cli.loggerMgr.GetComponentLogger("storage").Logger)
	merger := storage.NewMergeWriter(store, dryRun, cli.loggerMgr.GetComponentLogger("merge").Logger)
	quality := validator.New(validator.DefaultConfig(), cli.loggerMgr.GetComponentLogger("validator").Logger)
	syncer := collector.NewSyncer(history, store, merger, interval, startDate,
		cli.loggerMgr.GetComponentLogger("syncer").Logger,
		collector.WithValidator(quality))

	probe := func(ctx context.Context, base, ticker string, action models.Action) error {
		_, err := syncer.Sync(ctx, base, ticker, action)
		return err
	}
	estimator := ratebudget.NewEstimator(cfg.Fetch.CanaryTickers, probe, cli.client, cfg.Fetch.SessionOverhead,
		cli.loggerMgr.GetComponentLogger("ratebudget").Logger)
	planner := ratebudget.NewPlanner(cfg.Exchange.WeightLimit, cfg.Fetch.SafetyFactor)
	symbols := catalog.New(cli.client, cfg.Fetch.DeprecatedTickers, cli.loggerMgr.GetComponentLogger("catalog").Logger)

	return collector.NewFetchScheduler(symbols, estimator, planner, syncer, interval,
		cli.loggerMgr.GetComponentLogger("scheduler").Logger,
		collector.WithJournal(cli.journal),
		collector.WithMetrics(cli.metrics),
		collector.WithThrottleMargin(cfg.Fetch.ThrottleMarginDuration()),
	), nil
}

// handleFetch handles the 'fetch' command for a single run
func (cli *CLI) handleFetch(ctx context.Context, args []string) error {
	flags, err := parseFetchFlags(args)
	if err != nil {
		return usageError{err}
	}

	if flags.Help {
		printCommandHelp("fetch")
		return nil
	}

	if flags.Action == "" {
		return usageError{fmt.Errorf("--action is required")}
	}
	action, err := models.ParseAction(flags.Action)
	if err != nil {
		return kerrors.NewConfigurationError(err, "cli", "fetch")
	}

	if err := cli.initialize(ctx, flags.Config); err != nil {
		return err
	}

	bases, interval, err := cli.resolveTargets(flags.Bases, flags.Interval)
	if err != nil {
		return err
	}
	dryRun := flags.DryRun || cli.config.Fetch.DryRun

	scheduler, err := cli.buildScheduler(interval, dryRun)
	if err != nil {
		return err
	}

	cli.logger.Info("Starting fetch",
		"action", action,
		"base_currencies", bases,
		"interval", interval,
		"dry_run", dryRun)

	report, err := scheduler.Run(ctx, action, bases)
	printRunReport(report, dryRun)
	return err
}

// handleSchedule handles the 'schedule' command for periodic updates
func (cli *CLI) handleSchedule(ctx context.Context, args []string) error {
	flags, err := parseScheduleFlags(args)
	if err != nil {
		return usageError{err}
	}

	if flags.Help {
		printCommandHelp("schedule")
		return nil
	}

	if err := cli.initialize(ctx, flags.Config); err != nil {
		return err
	}

	spec := cli.config.Schedule.Cron
	if flags.Cron != "" {
		spec = flags.Cron
	}
	runOnStart := flags.RunOnStart || cli.config.Schedule.RunOnStart

	bases, interval, err := cli.resolveTargets(flags.Bases, flags.Interval)
	if err != nil {
		return err
	}

	scheduler, err := cli.buildScheduler(interval, cli.config.Fetch.DryRun)
	if err != nil {
		return err
	}

	job := func(ctx context.Context) error {
		report, err := scheduler.Run(ctx, models.ActionUpdate, bases)
		if report != nil {
			cli.logger.Info("Scheduled update finished",
				"run_id", report.RunID,
				"candles_written", report.CandlesWritten(),
				"duration", report.FinishedAt.Sub(report.StartedAt))
		}
		return err
	}

	runner, err := collector.NewCronRunner(spec, job, cli.loggerMgr.GetComponentLogger("cron").Logger)
	if err != nil {
		return kerrors.NewConfigurationError(err, "cli", "schedule")
	}

	fmt.Printf("Scheduling updates for %s (%s) on %q. Press Ctrl+C to stop.\n",
		strings.Join(bases, ","), interval, spec)

	if runOnStart {
		if _, err := runner.RunNow(ctx); err != nil {
			cli.logger.Error("Initial update failed", "error", err)
		}
	}

	return runner.Run(ctx)
}

// handleSymbols handles the 'symbols' command
func (cli *CLI) handleSymbols(ctx context.Context, args []string) error {
	flags, err := parseSymbolsFlags(args)
	if err != nil {
		return usageError{err}
	}

	if flags.Help {
		printCommandHelp("symbols")
		return nil
	}

	if err := cli.initialize(ctx, flags.Config); err != nil {
		return err
	}

	bases, _, err := cli.resolveTargets(flags.Bases, "")
	if err != nil {
		return err
	}

	symbols := catalog.New(cli.client, cli.config.Fetch.DeprecatedTickers, cli.loggerMgr.GetComponentLogger("catalog").Logger)
	for _, base := range bases {
		tickers, err := symbols.ListSymbols(ctx, base)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d symbols)\n", base, len(tickers))
		for _, ticker := range tickers {
			fmt.Printf("    %s%s\n", ticker, base)
		}
	}
	return nil
}

// handleInspect handles the 'inspect' command for one persisted series
func (cli *CLI) handleInspect(ctx context.Context, args []string) error {
	flags, err := parseInspectFlags(args)
	if err != nil {
		return usageError{err}
	}

	if flags.Help {
		printCommandHelp("inspect")
		return nil
	}

	if flags.Base == "" || flags.Ticker == "" {
		return usageError{fmt.Errorf("--base and --ticker are required")}
	}

	if err := cli.initialize(ctx, flags.Config); err != nil {
		return err
	}

	interval := cli.config.Fetch.Interval
	if flags.Interval != "" {
		interval = flags.Interval
	}
	key := models.SeriesKey{
		BaseCurrency: strings.ToUpper(flags.Base),
		Ticker:       strings.ToUpper(flags.Ticker),
		Interval:     interval,
	}

	store := storage.NewCSVStore(cli.config.Storage.BasePath, cli.loggerMgr.GetComponentLogger("storage").Logger)
	exists, err := store.Exists(key)
	if err != nil {
		return err
	}
	if !exists {
		return kerrors.NewPersistenceError(fmt.Errorf("no series at %s", store.Path(key)), "cli", "inspect")
	}

	inspector, err := storage.NewSeriesInspector(cli.config.Storage.BasePath, cli.loggerMgr.GetComponentLogger("inspector").Logger)
	if err != nil {
		return err
	}
	defer inspector.Close()

	summary, err := inspector.Summarize(ctx, key)
	if err != nil {
		return err
	}

	report, err := gaps.NewDetector(store, cli.loggerMgr.GetComponentLogger("gaps").Logger).DetectGaps(ctx, key)
	if err != nil {
		return err
	}

	printInspection(summary, report)
	return nil
}

// handleHistory handles the 'history' command for journal rows
func (cli *CLI) handleHistory(ctx context.Context, args []string) error {
	flags, err := parseHistoryFlags(args)
	if err != nil {
		return usageError{err}
	}

	if flags.Help {
		printCommandHelp("history")
		return nil
	}

	if err := cli.initialize(ctx, flags.Config); err != nil {
		return err
	}

	if !cli.config.Journal.Enabled {
		fmt.Println("Run journal is disabled. Set journal.enabled in the config to record runs.")
		return nil
	}

	runs, err := cli.journal.RecentRuns(ctx, flags.Limit)
	if err != nil {
		return err
	}

	printRunHistory(runs)
	return nil
}

// resolveTargets applies command line overrides to the configured base
// currencies and interval.
func (cli *CLI) resolveTargets(bases []string, interval string) ([]string, string, error) {
	if len(bases) == 0 {
		bases = cli.config.Fetch.BaseCurrencies
	}
	resolved := make([]string, 0, len(bases))
	for _, base := range bases {
		base = strings.ToUpper(strings.TrimSpace(base))
		if base != "" {
			resolved = append(resolved, base)
		}
	}
	if len(resolved) == 0 {
		return nil, "", kerrors.NewConfigurationError(fmt.Errorf("no base currencies configured"), "cli", "resolve")
	}

	if interval == "" {
		interval = cli.config.Fetch.Interval
	}
	if _, err := models.IntervalDuration(interval); err != nil {
		return nil, "", kerrors.NewConfigurationError(err, "cli", "resolve")
	}

	return resolved, interval, nil
}

// Output functions

// printRunReport prints one line per base currency of a fetch run
func printRunReport(report *collector.RunReport, dryRun bool) {
	if report == nil || len(report.Bases) == 0 {
		return
	}

	mode := ""
	if dryRun {
		mode = " (dry run, nothing written)"
	}
	fmt.Printf("\nRun %s: %s%s\n\n", report.RunID, report.Action, mode)
	fmt.Printf("%-8s %-10s %-8s %-6s %-8s %-10s %-10s %s\n",
		"Base", "Status", "Symbols", "Cost", "Batch", "Batches", "Candles", "Duration")
	fmt.Println(strings.Repeat("-", 80))

	for _, b := range report.Bases {
		fmt.Printf("%-8s %-10s %-8d %-6d %-8d %-10d %-10d %s\n",
			b.BaseCurrency,
			b.Status,
			b.Symbols,
			b.CallCost,
			b.BatchSize,
			b.Batches,
			b.CandlesWritten,
			b.Duration().Round(time.Millisecond))
		if b.Error != "" {
			fmt.Printf("    error: %s\n", b.Error)
		}
	}

	fmt.Printf("\nTotal candles written: %d\n", report.CandlesWritten())
}

// printInspection prints the DuckDB summary and the continuity report
func printInspection(summary *storage.SeriesSummary, report *gaps.Report) {
	fmt.Printf("Series:        %s\n", summary.Path)
	fmt.Printf("Rows:          %d\n", summary.Rows)
	fmt.Printf("Distinct:      %d\n", summary.DistinctTimestamps)
	fmt.Printf("Duplicates:    %d\n", summary.Duplicates())
	if summary.Rows > 0 {
		fmt.Printf("First:         %s\n", summary.First.Format(storage.TimestampLayout))
		fmt.Printf("Last:          %s\n", summary.Last.Format(storage.TimestampLayout))
	}
	fmt.Printf("Symbols:       %s\n", strings.Join(summary.Symbols, ","))

	if report.Continuous() {
		fmt.Println("Gaps:          none")
		return
	}

	fmt.Printf("Gaps:          %d (%d candles missing)\n\n", len(report.Gaps), report.Missing)
	for i, gap := range report.Gaps {
		fmt.Printf("%d. %s to %s (Duration: %v)\n",
			i+1,
			gap.Start.Format(storage.TimestampLayout),
			gap.End.Format(storage.TimestampLayout),
			gap.Duration())
	}
}

// printRunHistory prints journal rows, newest first
func printRunHistory(runs []models.RunRecord) {
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return
	}

	fmt.Printf("%-20s %-36s %-13s %-6s %-10s %-8s %-8s %s\n",
		"Started", "Run ID", "Action", "Base", "Status", "Symbols", "Batches", "Candles")
	fmt.Println(strings.Repeat("-", 120))

	for _, r := range runs {
		fmt.Printf("%-20s %-36s %-13s %-6s %-10s %-8d %-8d %d\n",
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.RunID,
			r.Action,
			r.BaseCurrency,
			r.Status,
			r.Symbols,
			r.Batches,
			r.CandlesWritten)
	}
}
