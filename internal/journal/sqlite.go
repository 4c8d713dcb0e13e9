package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteJournal persists run records to a SQLite database.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// NewSQLiteJournal opens (or creates) the database at dbPath and runs migrations.
func NewSQLiteJournal(dbPath string, logger *slog.Logger) (*SQLiteJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, kerrors.NewPersistenceError(fmt.Errorf("create journal directory: %w", err), "journal", "open")
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, kerrors.NewPersistenceError(fmt.Errorf("open sqlite: %w", err), "journal", "open")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, kerrors.NewPersistenceError(fmt.Errorf("set WAL mode: %w", err), "journal", "open")
	}

	j := &SQLiteJournal{db: db, logger: logger}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, kerrors.NewPersistenceError(fmt.Errorf("migrate: %w", err), "journal", "open")
	}

	logger.Info("Run journal opened", "path", dbPath)
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fetch_runs (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id          TEXT NOT NULL,
			action          TEXT NOT NULL,
			base_currency   TEXT NOT NULL,
			interval        TEXT NOT NULL,
			symbols         INTEGER,
			call_cost       INTEGER,
			batch_size      INTEGER,
			batches         INTEGER,
			candles_written INTEGER,
			status          TEXT NOT NULL,
			error           TEXT,
			started_at      INTEGER NOT NULL,
			finished_at     INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_runs_started ON fetch_runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_runs_run_id ON fetch_runs(run_id)`,
	}

	for _, s := range stmts {
		if _, err := j.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// RecordRun implements Journal.
func (j *SQLiteJournal) RecordRun(ctx context.Context, run models.RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var finished sql.NullInt64
	if !run.FinishedAt.IsZero() {
		finished = sql.NullInt64{Int64: run.FinishedAt.UnixMilli(), Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `INSERT INTO fetch_runs
		(run_id, action, base_currency, interval, symbols, call_cost, batch_size,
		 batches, candles_written, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, string(run.Action), run.BaseCurrency, run.Interval,
		run.Symbols, run.CallCost, run.BatchSize, run.Batches, run.CandlesWritten,
		string(run.Status), run.Error, run.StartedAt.UnixMilli(), finished)
	if err != nil {
		return kerrors.NewPersistenceError(fmt.Errorf("insert fetch run: %w", err), "journal", "record_run")
	}
	return nil
}

// RecentRuns implements Journal.
func (j *SQLiteJournal) RecentRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `SELECT
		run_id, action, base_currency, interval, symbols, call_cost, batch_size,
		batches, candles_written, status, error, started_at, finished_at
		FROM fetch_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, kerrors.NewPersistenceError(fmt.Errorf("query fetch runs: %w", err), "journal", "recent_runs")
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		var (
			run            models.RunRecord
			action, status string
			errText        sql.NullString
			started        int64
			finished       sql.NullInt64
		)
		if err := rows.Scan(&run.RunID, &action, &run.BaseCurrency, &run.Interval,
			&run.Symbols, &run.CallCost, &run.BatchSize, &run.Batches, &run.CandlesWritten,
			&status, &errText, &started, &finished); err != nil {
			return nil, kerrors.NewPersistenceError(fmt.Errorf("scan fetch run: %w", err), "journal", "recent_runs")
		}
		run.Action = models.Action(action)
		run.Status = models.RunStatus(status)
		run.Error = errText.String
		run.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			run.FinishedAt = time.UnixMilli(finished.Int64).UTC()
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.NewPersistenceError(err, "journal", "recent_runs")
	}
	return runs, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}
