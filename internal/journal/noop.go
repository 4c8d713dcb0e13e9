package journal

import (
	"context"

	"github.com/johnayoung/go-kline-fetcher/internal/models"
)

// NoopJournal is used when the journal is disabled.
type NoopJournal struct{}

func NewNoopJournal() *NoopJournal { return &NoopJournal{} }

func (n *NoopJournal) RecordRun(_ context.Context, _ models.RunRecord) error { return nil }
func (n *NoopJournal) RecentRuns(_ context.Context, _ int) ([]models.RunRecord, error) {
	return nil, nil
}
func (n *NoopJournal) Close() error { return nil }
