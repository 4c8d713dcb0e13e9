package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "nested", "journal.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSQLiteJournalRoundTrip(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	run := models.RunRecord{
		RunID:          uuid.NewString(),
		Action:         models.ActionUpdate,
		BaseCurrency:   "BTC",
		Interval:       "5m",
		Symbols:        200,
		CallCost:       10,
		BatchSize:      96,
		Batches:        3,
		CandlesWritten: 5400,
		Status:         models.RunStatusCompleted,
		StartedAt:      started,
		FinishedAt:     started.Add(2*time.Minute + 250*time.Millisecond),
	}
	require.NoError(t, j.RecordRun(ctx, run))

	runs, err := j.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run, runs[0])
	assert.Equal(t, 2*time.Minute+250*time.Millisecond, runs[0].Duration())
}

func TestSQLiteJournalOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, base := range []string{"BTC", "USDT", "ETH"} {
		require.NoError(t, j.RecordRun(ctx, models.RunRecord{
			RunID:        "run-1",
			Action:       models.ActionInitialLoad,
			BaseCurrency: base,
			Interval:     "1h",
			Status:       models.RunStatusFailed,
			Error:        "boom",
			StartedAt:    start.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := j.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "ETH", runs[0].BaseCurrency)
	assert.Equal(t, "USDT", runs[1].BaseCurrency)
	assert.Equal(t, "boom", runs[0].Error)
	assert.True(t, runs[0].FinishedAt.IsZero())
}

func TestNoopJournal(t *testing.T) {
	var j Journal = NewNoopJournal()

	assert.NoError(t, j.RecordRun(context.Background(), models.RunRecord{}))
	runs, err := j.RecentRuns(context.Background(), 5)
	assert.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, j.Close())
}
