package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertStrictlyIncreasing(t *testing.T, candles []models.Candle) {
	t.Helper()
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].OpenTime.After(candles[i-1].OpenTime), "open times not increasing at %d", i)
	}
}

// recordingWriter counts the writes a merge issues.
type recordingWriter struct {
	writes  int
	appends int
	err     error
}

func (w *recordingWriter) Write(ctx context.Context, key models.SeriesKey, candles []models.Candle) error {
	if w.err != nil {
		return NewStorageError("write", key.String(), w.err)
	}
	w.writes++
	return nil
}

func (w *recordingWriter) Append(ctx context.Context, key models.SeriesKey, candles []models.Candle) error {
	if w.err != nil {
		return NewStorageError("append", key.String(), w.err)
	}
	w.appends++
	return nil
}

func (w *recordingWriter) Remove(ctx context.Context, key models.SeriesKey) error {
	return nil
}

func TestMergeWriter(t *testing.T) {
	ctx := context.Background()
	series := createTestCandles(baseTime, 5) // t1..t5

	t.Run("new series is written with a header", func(t *testing.T) {
		store := NewCSVStore(t.TempDir(), testLogger())
		mw := NewMergeWriter(store, false, testLogger())

		result, err := mw.Merge(ctx, seriesKey, time.Time{}, false, series[:3])
		require.NoError(t, err)
		assert.Equal(t, 3, result.Written)
		assert.False(t, result.Appended)

		got, err := store.Read(ctx, seriesKey)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assertStrictlyIncreasing(t, got)
	})

	t.Run("boundary candle is dropped before appending", func(t *testing.T) {
		store := NewCSVStore(t.TempDir(), testLogger())
		require.NoError(t, store.Write(ctx, seriesKey, series[:3]))
		last, ok, err := store.LastOpenTime(ctx, seriesKey)
		require.NoError(t, err)
		require.True(t, ok)

		mw := NewMergeWriter(store, false, testLogger())
		result, err := mw.Merge(ctx, seriesKey, last, true, series[2:])
		require.NoError(t, err)
		assert.Equal(t, 1, result.Dropped)
		assert.Equal(t, 2, result.Written)
		assert.True(t, result.Appended)

		got, err := store.Read(ctx, seriesKey)
		require.NoError(t, err)
		require.Len(t, got, 5)
		assertStrictlyIncreasing(t, got)
		for i := range series {
			assert.True(t, series[i].OpenTime.Equal(got[i].OpenTime))
		}
	})

	t.Run("nothing new leaves the series untouched", func(t *testing.T) {
		store := &recordingWriter{}
		mw := NewMergeWriter(store, false, testLogger())
		result, err := mw.Merge(ctx, seriesKey, series[4].OpenTime, true, series[4:])
		require.NoError(t, err)
		assert.Equal(t, 0, result.Written)
		assert.Equal(t, 1, result.Dropped)
		assert.Zero(t, store.writes)
		assert.Zero(t, store.appends)
	})

	t.Run("dry run writes nothing", func(t *testing.T) {
		store := &recordingWriter{}
		mw := NewMergeWriter(store, true, testLogger())

		result, err := mw.Merge(ctx, seriesKey, time.Time{}, false, series)
		require.NoError(t, err)
		assert.True(t, result.DryRun)
		assert.Equal(t, 5, result.Written)

		result, err = mw.Merge(ctx, seriesKey, series[1].OpenTime, true, series[1:])
		require.NoError(t, err)
		assert.Equal(t, 3, result.Written)
		assert.Zero(t, store.writes)
		assert.Zero(t, store.appends)
	})

	t.Run("out of order input is rejected", func(t *testing.T) {
		store := &recordingWriter{}
		mw := NewMergeWriter(store, false, testLogger())

		_, err := mw.Merge(ctx, seriesKey, time.Time{}, false, []models.Candle{series[1], series[0]})
		require.Error(t, err)
		assert.True(t, errors.Is(err, kerrors.ErrProviderLogic))
		assert.Zero(t, store.writes)
	})

	t.Run("write failures propagate", func(t *testing.T) {
		store := &recordingWriter{err: errors.New("disk full")}
		mw := NewMergeWriter(store, false, testLogger())

		_, err := mw.Merge(ctx, seriesKey, time.Time{}, false, series)
		require.Error(t, err)
		assert.True(t, errors.Is(err, kerrors.ErrPersistence))
	})
}

func TestMergeIsIdempotentUnderRepeatedUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewCSVStore(t.TempDir(), testLogger())
	mw := NewMergeWriter(store, false, testLogger())
	all := createTestCandles(baseTime, 12)

	_, err := mw.Merge(ctx, seriesKey, time.Time{}, false, all[:4])
	require.NoError(t, err)

	// each update window starts at the last persisted open time
	for _, end := range []int{7, 7, 10, 12} {
		last, ok, err := store.LastOpenTime(ctx, seriesKey)
		require.NoError(t, err)
		require.True(t, ok)
		start := int(last.Sub(baseTime) / (5 * time.Minute))
		_, err = mw.Merge(ctx, seriesKey, last, true, all[start:end])
		require.NoError(t, err)
	}

	got, err := store.Read(ctx, seriesKey)
	require.NoError(t, err)
	require.Len(t, got, 12)
	assertStrictlyIncreasing(t, got)
}
