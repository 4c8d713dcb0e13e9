// Package storage defines the persistence layer for kline series.
// A series is one CSV file per (base currency, ticker, interval) that only
// ever grows by appending newer candles; these interfaces abstract the file
// backend so the merge logic and the orchestrator can be tested in memory.
package storage

import (
	"context"
	"fmt"
	"time"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
)

// SeriesReader handles series retrieval.
type SeriesReader interface {
	// Read loads the full series for key, oldest first.
	// Returns an empty slice if the series does not exist yet.
	Read(ctx context.Context, key models.SeriesKey) ([]models.Candle, error)

	// LastOpenTime returns the open time of the newest persisted candle.
	// The boolean is false when the series does not exist or is empty.
	LastOpenTime(ctx context.Context, key models.SeriesKey) (time.Time, bool, error)
}

// SeriesWriter handles series mutation.
type SeriesWriter interface {
	// Write replaces the series for key with candles, header included.
	Write(ctx context.Context, key models.SeriesKey, candles []models.Candle) error

	// Append adds candles after the existing rows without repeating the header.
	// Appending to a missing series behaves like Write.
	Append(ctx context.Context, key models.SeriesKey, candles []models.Candle) error

	// Remove deletes the series. Removing a missing series is not an error.
	Remove(ctx context.Context, key models.SeriesKey) error
}

// SeriesStore combines read and write access.
type SeriesStore interface {
	SeriesReader
	SeriesWriter
}

// StorageError represents a failed storage operation on one series.
type StorageError struct {
	// Operation is the storage operation that failed (read, write, append, remove)
	Operation string

	// Path is the series file involved (may be empty)
	Path string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps a failed storage operation as a PersistenceError.
func NewStorageError(operation, path string, err error) *kerrors.ClassifiedError {
	return kerrors.NewPersistenceError(&StorageError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}, "storage", operation)
}
