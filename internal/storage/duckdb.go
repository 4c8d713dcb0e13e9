package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/models"
	_ "github.com/marcboeker/go-duckdb/v2"
)

// SeriesSummary describes a persisted series as seen by DuckDB.
type SeriesSummary struct {
	Path               string    `json:"path"`
	Rows               int64     `json:"rows"`
	DistinctTimestamps int64     `json:"distinct_timestamps"`
	First              time.Time `json:"first"`
	Last               time.Time `json:"last"`
	Symbols            []string  `json:"symbols"`
}

// Duplicates returns the number of rows sharing a timestamp with an earlier row.
func (s SeriesSummary) Duplicates() int64 {
	return s.Rows - s.DistinctTimestamps
}

// SeriesInspector runs analytical queries over series files with an
// in-memory DuckDB database. Files are read in place through read_csv.
type SeriesInspector struct {
	db       *sql.DB
	basePath string
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewSeriesInspector opens an in-memory DuckDB database.
func NewSeriesInspector(basePath string, logger *slog.Logger) (*SeriesInspector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single connection, DuckDB in-memory state is per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &SeriesInspector{db: db, basePath: basePath, logger: logger}, nil
}

// Summarize reads the series for key and reports row counts and its time span.
func (i *SeriesInspector) Summarize(ctx context.Context, key models.SeriesKey) (*SeriesSummary, error) {
	return i.SummarizeFile(ctx, key.Path(i.basePath))
}

// SummarizeFile is Summarize for an explicit file path.
func (i *SeriesInspector) SummarizeFile(ctx context.Context, path string) (*SeriesSummary, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.db == nil {
		return nil, NewStorageError("inspect", path, fmt.Errorf("inspector is closed"))
	}

	start := time.Now()
	source := readCSVSource(path)

	query := fmt.Sprintf(`
		SELECT
			count(*),
			count(DISTINCT timestamp),
			min(timestamp),
			max(timestamp)
		FROM %s`, source)

	var (
		summary     = SeriesSummary{Path: path}
		first, last sql.NullString
	)
	if err := i.db.QueryRowContext(ctx, query).Scan(&summary.Rows, &summary.DistinctTimestamps, &first, &last); err != nil {
		return nil, NewStorageError("inspect", path, fmt.Errorf("summary query failed: %w", err))
	}

	var err error
	if first.Valid {
		if summary.First, err = parseTimestamp(first.String); err != nil {
			return nil, NewStorageError("inspect", path, err)
		}
	}
	if last.Valid {
		if summary.Last, err = parseTimestamp(last.String); err != nil {
			return nil, NewStorageError("inspect", path, err)
		}
	}

	rows, err := i.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT symbol FROM %s ORDER BY symbol", source))
	if err != nil {
		return nil, NewStorageError("inspect", path, fmt.Errorf("symbol query failed: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, NewStorageError("inspect", path, err)
		}
		summary.Symbols = append(summary.Symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("inspect", path, err)
	}

	i.logger.Debug("Inspected series",
		"path", path,
		"rows", summary.Rows,
		"duplicates", summary.Duplicates(),
		"duration", time.Since(start))
	return &summary, nil
}

// Close releases the DuckDB connection.
func (i *SeriesInspector) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.db != nil {
		if err := i.db.Close(); err != nil {
			return NewStorageError("close", "", fmt.Errorf("failed to close database: %w", err))
		}
		i.db = nil
	}
	return nil
}

// readCSVSource builds a read_csv table function over path. Every column is
// read as text so the on-disk timestamp format sorts lexicographically.
func readCSVSource(path string) string {
	quoted := "'" + strings.ReplaceAll(path, "'", "''") + "'"
	return fmt.Sprintf("read_csv(%s, header = true, all_varchar = true)", quoted)
}
