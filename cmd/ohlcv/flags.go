package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FetchFlags represents flags for the fetch command
type FetchFlags struct {
	Config   string
	Action   string
	Bases    []string
	Interval string
	DryRun   bool
	Help     bool
}

// ScheduleFlags represents flags for the schedule command
type ScheduleFlags struct {
	Config     string
	Cron       string
	Bases      []string
	Interval   string
	RunOnStart bool
	Help       bool
}

// SymbolsFlags represents flags for the symbols command
type SymbolsFlags struct {
	Config string
	Bases  []string
	Help   bool
}

// InspectFlags represents flags for the inspect command
type InspectFlags struct {
	Config   string
	Base     string
	Ticker   string
	Interval string
	Help     bool
}

// HistoryFlags represents flags for the history command
type HistoryFlags struct {
	Config string
	Limit  int
	Help   bool
}

// Flag parsing functions

// flagValue returns the value following the flag at args[i].
func flagValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", args[i])
	}
	return args[i+1], nil
}

func splitCSV(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseFetchFlags parses command line arguments for the fetch command
func parseFetchFlags(args []string) (*FetchFlags, error) {
	flags := &FetchFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--action", "-a":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Action = val
			i++
		case "--base", "-b":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Bases = splitCSV(val)
			i++
		case "--interval", "-i":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Interval = val
			i++
		case "--config", "-c":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Config = val
			i++
		case "--dry-run":
			flags.DryRun = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseScheduleFlags parses command line arguments for the schedule command
func parseScheduleFlags(args []string) (*ScheduleFlags, error) {
	flags := &ScheduleFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--cron":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Cron = val
			i++
		case "--base", "-b":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Bases = splitCSV(val)
			i++
		case "--interval", "-i":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Interval = val
			i++
		case "--config", "-c":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Config = val
			i++
		case "--run-on-start":
			flags.RunOnStart = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseSymbolsFlags parses command line arguments for the symbols command
func parseSymbolsFlags(args []string) (*SymbolsFlags, error) {
	flags := &SymbolsFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--base", "-b":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Bases = splitCSV(val)
			i++
		case "--config", "-c":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Config = val
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseInspectFlags parses command line arguments for the inspect command
func parseInspectFlags(args []string) (*InspectFlags, error) {
	flags := &InspectFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--base", "-b":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Base = val
			i++
		case "--ticker", "-t":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Ticker = val
			i++
		case "--interval", "-i":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Interval = val
			i++
		case "--config", "-c":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Config = val
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseHistoryFlags parses command line arguments for the history command
func parseHistoryFlags(args []string) (*HistoryFlags, error) {
	flags := &HistoryFlags{
		Limit: 20, // Default limit
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--limit", "-l":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			limit, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("invalid limit value: %w", err)
			}
			if limit <= 0 {
				return nil, fmt.Errorf("--limit must be greater than 0")
			}
			flags.Limit = limit
			i++
		case "--config", "-c":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Config = val
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// Help and usage functions

// printUsage prints the main usage information
func printUsage() {
	fmt.Printf(`%s - Kline Fetcher CLI v%s

USAGE:
    %s <command> [options]

COMMANDS:
    fetch       Run one fetch action over the configured base currencies
    schedule    Run periodic updates on a cron schedule
    symbols     List the tickers quoted in a base currency
    inspect     Summarize a persisted series and report gaps
    history     Show recent runs from the run journal

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Load full history for every BTC and USDT pair
    %s fetch --action initial_load --base BTC,USDT

    # Bring every configured series up to date
    %s fetch --action update

    # Update every 15 minutes until interrupted
    %s schedule --cron "0 */15 * * * *"

    # Check the ETHBTC series on disk
    %s inspect --base BTC --ticker ETH

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (YAML or JSON, override with --config or OHLCV_CONFIG)
    - Environment variables: OHLCV_* (e.g., OHLCV_BASE_CURRENCIES=BTC,USDT)

    Example config file:
    fetch:
      base_currencies: [BTC, USDT]
      interval: 5m
      start_date: 01-01-2020
    storage:
      base_path: data/

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName, ConfigFile, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "fetch":
		fmt.Printf(`%s fetch - Run one fetch action

USAGE:
    %s fetch --action <action> [options]

OPTIONS:
    --action, -a <action>     Fetch action (required)
                              initial_load: fetch from the start date and overwrite
                              update:       resume from the last persisted candle
                              recreate:     not supported yet

    --base, -b <bases>        Comma-separated base currencies (default: from config)
                              Examples: BTC, BTC,USDT

    --interval, -i <interval> Kline interval (default: from config)
                              Supported: 1m, 3m, 5m, 15m, 30m, 1h, 2h, 4h, 6h, 8h, 12h, 1d, 3d, 1w, 1M

    --dry-run                 Fetch and merge without writing any file
    --config, -c <path>       Config file path (default: %s)
    --help, -h                Show this help message

EXAMPLES:
    # First run for every BTC pair
    %s fetch --action initial_load --base BTC

    # Preview an update without touching the files
    %s fetch --action update --dry-run

NOTES:
    - Symbols are synced in batches sized from the measured call weight
    - Between batches the run waits for the next rate window
    - The first failing symbol aborts the whole run
`, AppName, AppName, ConfigFile, AppName, AppName)

	case "schedule":
		fmt.Printf(`%s schedule - Run periodic updates

USAGE:
    %s schedule [options]

OPTIONS:
    --cron <spec>             Cron spec with a leading seconds field (default: from config)
                              Examples: "0 */15 * * * *", "@every 1h"

    --base, -b <bases>        Comma-separated base currencies (default: from config)
    --interval, -i <interval> Kline interval (default: from config)
    --run-on-start            Run one update immediately before waiting for the schedule
    --config, -c <path>       Config file path (default: %s)
    --help, -h                Show this help message

EXAMPLES:
    # Update every 15 minutes
    %s schedule --cron "0 */15 * * * *"

    # Update hourly, starting right away
    %s schedule --cron "@hourly" --run-on-start

NOTES:
    - Every trigger runs the update action
    - A trigger is skipped while the previous update is still running
    - Press Ctrl+C to stop gracefully
`, AppName, AppName, ConfigFile, AppName, AppName)

	case "symbols":
		fmt.Printf(`%s symbols - List tickers for base currencies

USAGE:
    %s symbols [options]

OPTIONS:
    --base, -b <bases>        Comma-separated base currencies (default: from config)
    --config, -c <path>       Config file path (default: %s)
    --help, -h                Show this help message

EXAMPLES:
    %s symbols --base BTC

NOTES:
    - Deprecated tickers from the config are excluded
`, AppName, AppName, ConfigFile, AppName)

	case "inspect":
		fmt.Printf(`%s inspect - Summarize a persisted series

USAGE:
    %s inspect --base <base> --ticker <ticker> [options]

OPTIONS:
    --base, -b <base>         Base currency (required)
    --ticker, -t <ticker>     Ticker (required)
    --interval, -i <interval> Kline interval (default: from config)
    --config, -c <path>       Config file path (default: %s)
    --help, -h                Show this help message

EXAMPLES:
    %s inspect --base BTC --ticker ETH

NOTES:
    - Reports row count, duplicate timestamps and the covered range
    - Lists every hole in the open-time sequence
`, AppName, AppName, ConfigFile, AppName)

	case "history":
		fmt.Printf(`%s history - Show recent runs

USAGE:
    %s history [options]

OPTIONS:
    --limit, -l <limit>       Maximum runs to show (default: 20)
    --config, -c <path>       Config file path (default: %s)
    --help, -h                Show this help message

EXAMPLES:
    %s history --limit 5

NOTES:
    - Requires journal.enabled in the config
`, AppName, AppName, ConfigFile, AppName)

	default:
		fmt.Fprintf(os.Stderr, "No help available for command: %s\n", command)
		printUsage()
	}
}
