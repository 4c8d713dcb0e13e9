// Package storagetest provides an in-memory series store for tests of code
// built on the storage interfaces.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/models"
	"github.com/johnayoung/go-kline-fetcher/internal/storage"
)

var _ storage.SeriesStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory storage.SeriesStore. It is safe for
// concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[models.SeriesKey][]models.Candle

	// headers counts how many times each series was written from scratch
	headers map[models.SeriesKey]int
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series:  make(map[models.SeriesKey][]models.Candle),
		headers: make(map[models.SeriesKey]int),
	}
}

// Read implements SeriesReader.
func (m *MemoryStore) Read(ctx context.Context, key models.SeriesKey) ([]models.Candle, error) {
	if ctx.Err() != nil {
		return nil, storage.NewStorageError("read", key.String(), ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, storage.NewStorageError("read", key.String(), errors.New("storage is closed"))
	}

	out := make([]models.Candle, len(m.series[key]))
	copy(out, m.series[key])
	return out, nil
}

// LastOpenTime implements SeriesReader.
func (m *MemoryStore) LastOpenTime(ctx context.Context, key models.SeriesKey) (time.Time, bool, error) {
	candles, err := m.Read(ctx, key)
	if err != nil || len(candles) == 0 {
		return time.Time{}, false, err
	}
	return candles[len(candles)-1].OpenTime, true, nil
}

// Write implements SeriesWriter.
func (m *MemoryStore) Write(ctx context.Context, key models.SeriesKey, candles []models.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return storage.NewStorageError("write", key.String(), errors.New("storage is closed"))
	}

	m.series[key] = append([]models.Candle(nil), candles...)
	m.headers[key]++
	return nil
}

// Append implements SeriesWriter.
func (m *MemoryStore) Append(ctx context.Context, key models.SeriesKey, candles []models.Candle) error {
	m.mu.Lock()
	if _, exists := m.series[key]; !exists {
		m.mu.Unlock()
		return m.Write(ctx, key, candles)
	}
	defer m.mu.Unlock()

	if m.closed {
		return storage.NewStorageError("append", key.String(), errors.New("storage is closed"))
	}

	m.series[key] = append(m.series[key], candles...)
	return nil
}

// Remove implements SeriesWriter.
func (m *MemoryStore) Remove(ctx context.Context, key models.SeriesKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.series, key)
	delete(m.headers, key)
	return nil
}

// Keys returns every stored series key.
func (m *MemoryStore) Keys() []models.SeriesKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]models.SeriesKey, 0, len(m.series))
	for k := range m.series {
		keys = append(keys, k)
	}
	return keys
}

// HeaderWrites returns how many times the series for key was written with a header.
func (m *MemoryStore) HeaderWrites(key models.SeriesKey) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headers[key]
}

// Close marks the store closed. Further operations fail.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
