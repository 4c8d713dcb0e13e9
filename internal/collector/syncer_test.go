package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/fetcher"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
	"github.com/johnayoung/go-kline-fetcher/internal/storage"
	"github.com/johnayoung/go-kline-fetcher/internal/storage/storagetest"
	"github.com/johnayoung/go-kline-fetcher/internal/validator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var startDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider serves 5m klines from startDate up to latest.
type fakeProvider struct {
	mu      sync.Mutex
	latest  time.Time
	windows []models.FetchWindow
}

func (p *fakeProvider) GetLatestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, nil
}

func (p *fakeProvider) GetHistoricalCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	p.mu.Lock()
	p.windows = append(p.windows, models.FetchWindow{Oldest: start, Newest: end})
	p.mu.Unlock()

	var candles []models.Candle
	for open := start.Truncate(5 * time.Minute); open.Before(end); open = open.Add(5 * time.Minute) {
		if open.Before(start) {
			continue
		}
		candles = append(candles, fakeCandle(symbol, open))
	}
	return candles, nil
}

func fakeCandle(symbol string, open time.Time) models.Candle {
	price := decimal.NewFromFloat(0.05)
	return models.Candle{
		OpenTime:         open,
		Open:             price,
		High:             price,
		Low:              price,
		Close:            price,
		Volume:           decimal.NewFromInt(10),
		CloseTime:        open.Add(5*time.Minute - time.Millisecond),
		QuoteVolume:      decimal.NewFromFloat(0.5),
		Trades:           3,
		TakerBaseVolume:  decimal.NewFromInt(5),
		TakerQuoteVolume: decimal.NewFromFloat(0.25),
		Symbol:           symbol,
	}
}

func newTestSyncer(t *testing.T, provider *fakeProvider, store storage.SeriesStore, dryRun bool) *Syncer {
	t.Helper()
	f := fetcher.New(provider, "5m", createTestLogger())
	merger := storage.NewMergeWriter(store, dryRun, createTestLogger())
	return NewSyncer(f, store, merger, "5m", startDate, createTestLogger())
}

func TestSyncerInitialLoad(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{latest: startDate.Add(time.Hour)}
	store := storage.NewCSVStore(t.TempDir(), createTestLogger())
	syncer := newTestSyncer(t, provider, store, false)

	result, err := syncer.Sync(ctx, "BTC", "ETH", models.ActionInitialLoad)
	require.NoError(t, err)
	assert.True(t, startDate.Equal(result.Window.Oldest))
	assert.True(t, startDate.Add(time.Hour).Equal(result.Window.Newest))
	assert.Equal(t, 12, result.Fetched)
	assert.Equal(t, 12, result.Merge.Written)

	candles, err := store.Read(ctx, result.Key)
	require.NoError(t, err)
	require.Len(t, candles, 12)
	for _, c := range candles {
		assert.Equal(t, "ETH", c.Symbol)
	}

	t.Run("initial load overwrites existing data", func(t *testing.T) {
		result, err := syncer.Sync(ctx, "BTC", "ETH", models.ActionInitialLoad)
		require.NoError(t, err)
		assert.False(t, result.Merge.Appended)

		candles, err := store.Read(ctx, result.Key)
		require.NoError(t, err)
		assert.Len(t, candles, 12)
	})
}

func TestSyncerUpdateResumesFromLastOpenTime(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{latest: startDate.Add(time.Hour)}
	store := storage.NewCSVStore(t.TempDir(), createTestLogger())
	syncer := newTestSyncer(t, provider, store, false)

	_, err := syncer.Sync(ctx, "BTC", "ETH", models.ActionUpdate)
	require.NoError(t, err)

	provider.latest = startDate.Add(2 * time.Hour)
	result, err := syncer.Sync(ctx, "BTC", "ETH", models.ActionUpdate)
	require.NoError(t, err)

	lastPersisted := startDate.Add(55 * time.Minute)
	assert.True(t, lastPersisted.Equal(result.Window.Oldest))
	assert.Equal(t, 1, result.Merge.Dropped)
	assert.Equal(t, 12, result.Merge.Written)

	candles, err := store.Read(ctx, result.Key)
	require.NoError(t, err)
	require.Len(t, candles, 24)
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].OpenTime.After(candles[i-1].OpenTime))
	}
}

func TestSyncerUpToDateSeries(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{latest: startDate.Add(time.Hour)}
	store := storagetest.NewMemoryStore()
	syncer := newTestSyncer(t, provider, store, false)

	_, err := syncer.Sync(ctx, "BTC", "ETH", models.ActionUpdate)
	require.NoError(t, err)

	// latest open time has not moved past the last persisted candle
	provider.latest = startDate.Add(55 * time.Minute)
	result, err := syncer.Sync(ctx, "BTC", "ETH", models.ActionUpdate)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Fetched)
	assert.Equal(t, 0, result.Merge.Written)
}

func TestSyncerDryRun(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{latest: startDate.Add(time.Hour)}
	store := storagetest.NewMemoryStore()
	syncer := newTestSyncer(t, provider, store, true)

	result, err := syncer.Sync(ctx, "BTC", "ETH", models.ActionInitialLoad)
	require.NoError(t, err)
	assert.Equal(t, 12, result.Merge.Written)
	assert.Empty(t, store.Keys())
}

func TestSyncerRejectsRecreate(t *testing.T) {
	provider := &fakeProvider{latest: startDate.Add(time.Hour)}
	syncer := newTestSyncer(t, provider, storagetest.NewMemoryStore(), false)

	_, err := syncer.Sync(context.Background(), "BTC", "ETH", models.ActionRecreate)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrConfiguration))
	assert.Empty(t, provider.windows)
}

// surgeProvider returns one candle whose volume jumps far above its neighbour.
type surgeProvider struct {
	fakeProvider
}

func (p *surgeProvider) GetHistoricalCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	candles, err := p.fakeProvider.GetHistoricalCandles(ctx, symbol, interval, start, end)
	if len(candles) > 1 {
		candles[1].Volume = decimal.NewFromInt(10000)
	}
	return candles, err
}

func TestSyncerReportsAnomaliesWithoutDroppingData(t *testing.T) {
	ctx := context.Background()
	provider := &surgeProvider{fakeProvider{latest: startDate.Add(time.Hour)}}
	store := storagetest.NewMemoryStore()
	f := fetcher.New(provider, "5m", createTestLogger())
	merger := storage.NewMergeWriter(store, false, createTestLogger())
	syncer := NewSyncer(f, store, merger, "5m", startDate, createTestLogger(),
		WithValidator(validator.New(validator.DefaultConfig(), createTestLogger())))

	result, err := syncer.Sync(ctx, "BTC", "ETH", models.ActionInitialLoad)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Anomalies)
	assert.Equal(t, 12, result.Merge.Written)
}

// tailOnlyStore fails any full series read.
type tailOnlyStore struct {
	*storagetest.MemoryStore
}

func (s tailOnlyStore) Read(ctx context.Context, key models.SeriesKey) ([]models.Candle, error) {
	return nil, errors.New("full series read")
}

func TestSyncerUpdateReadsOnlyLastOpenTime(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{latest: startDate.Add(time.Hour)}
	store := tailOnlyStore{storagetest.NewMemoryStore()}
	syncer := newTestSyncer(t, provider, store, false)

	_, err := syncer.Sync(ctx, "BTC", "ETH", models.ActionUpdate)
	require.NoError(t, err)

	provider.latest = startDate.Add(2 * time.Hour)
	result, err := syncer.Sync(ctx, "BTC", "ETH", models.ActionUpdate)
	require.NoError(t, err)
	assert.True(t, startDate.Add(55*time.Minute).Equal(result.Window.Oldest))
	assert.Equal(t, 12, result.Merge.Written)
}
