// Package journal keeps a durable record of fetch runs, one row per base
// currency per run.
package journal

import (
	"context"

	"github.com/johnayoung/go-kline-fetcher/internal/models"
)

// Journal records completed and failed base-currency runs.
type Journal interface {
	RecordRun(ctx context.Context, run models.RunRecord) error

	// RecentRuns returns up to limit records, newest first.
	RecentRuns(ctx context.Context, limit int) ([]models.RunRecord, error)

	Close() error
}
