package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/models"
	"github.com/shopspring/decimal"
)

// TimestampLayout is the on-disk time format: a space between date and time,
// milliseconds only when non-zero.
const TimestampLayout = "2006-01-02 15:04:05.999"

// tailChunk is the read size used when scanning a series backwards.
const tailChunk = 4096

// Header is the column set of a series file.
var Header = []string{
	"timestamp", "open", "high", "low", "close", "volume",
	"close_time", "quote_av", "trades", "tb_base_av", "tb_quote_av", "symbol",
}

// CSVStore persists series as CSV files below a base directory.
type CSVStore struct {
	basePath string
	logger   *slog.Logger
}

// NewCSVStore creates a store rooted at basePath.
func NewCSVStore(basePath string, logger *slog.Logger) *CSVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVStore{basePath: basePath, logger: logger}
}

// Path returns the file backing key.
func (s *CSVStore) Path(key models.SeriesKey) string {
	return key.Path(s.basePath)
}

// Exists reports whether the series file is present.
func (s *CSVStore) Exists(key models.SeriesKey) (bool, error) {
	_, err := os.Stat(s.Path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, NewStorageError("stat", s.Path(key), err)
}

// Read implements SeriesReader.
func (s *CSVStore) Read(ctx context.Context, key models.SeriesKey) ([]models.Candle, error) {
	path := s.Path(key)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []models.Candle{}, nil
	}
	if err != nil {
		return nil, NewStorageError("read", path, err)
	}
	defer f.Close()

	candles, err := decodeSeries(f)
	if err != nil {
		return nil, NewStorageError("read", path, err)
	}
	return candles, nil
}

// LastOpenTime implements SeriesReader. Only the final row is parsed; the
// file is read backwards from its end.
func (s *CSVStore) LastOpenTime(ctx context.Context, key models.SeriesKey) (time.Time, bool, error) {
	path := s.Path(key)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, NewStorageError("read", path, err)
	}
	defer f.Close()

	line, err := lastLine(f)
	if err != nil {
		return time.Time{}, false, NewStorageError("read", path, err)
	}
	if len(line) == 0 {
		return time.Time{}, false, nil
	}

	record, err := csv.NewReader(bytes.NewReader(line)).Read()
	if err != nil {
		return time.Time{}, false, NewStorageError("read", path, fmt.Errorf("last row: %w", err))
	}
	if len(record) != len(Header) {
		return time.Time{}, false, NewStorageError("read", path,
			fmt.Errorf("last row has %d fields, want %d", len(record), len(Header)))
	}
	if record[0] == Header[0] {
		// header only
		return time.Time{}, false, nil
	}

	open, err := parseTimestamp(record[0])
	if err != nil {
		return time.Time{}, false, NewStorageError("read", path, fmt.Errorf("last row timestamp: %w", err))
	}
	return open, true, nil
}

// lastLine returns the final non-empty line of f, reading tailChunk bytes at
// a time from the end. It returns nil for an empty file.
func lastLine(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var tail []byte
	for offset := info.Size(); offset > 0; {
		n := int64(tailChunk)
		if n > offset {
			n = offset
		}
		offset -= n

		chunk := make([]byte, n, n+int64(len(tail)))
		if _, err := f.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return nil, err
		}
		tail = append(chunk, tail...)

		trimmed := bytes.TrimRight(tail, "\r\n")
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return trimmed[i+1:], nil
		}
		if offset == 0 {
			return trimmed, nil
		}
	}
	return nil, nil
}

// Write implements SeriesWriter.
func (s *CSVStore) Write(ctx context.Context, key models.SeriesKey, candles []models.Candle) error {
	path := s.Path(key)

	err := replaceFile(path, func(w io.Writer) error {
		return encodeRows(w, candles, true)
	})
	if err != nil {
		return NewStorageError("write", path, err)
	}

	s.logger.Debug("Wrote series", "path", path, "rows", len(candles))
	return nil
}

// Append implements SeriesWriter. The existing bytes are streamed untouched
// into the replacement file and the new rows follow them, so the header
// appears exactly once.
func (s *CSVStore) Append(ctx context.Context, key models.SeriesKey, candles []models.Candle) error {
	path := s.Path(key)

	existing, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.Write(ctx, key, candles)
	}
	if err != nil {
		return NewStorageError("append", path, err)
	}
	defer existing.Close()

	info, err := existing.Stat()
	if err != nil {
		return NewStorageError("append", path, err)
	}
	if info.Size() == 0 {
		return s.Write(ctx, key, candles)
	}
	if len(candles) == 0 {
		return nil
	}

	lastByte := make([]byte, 1)
	if _, err := existing.ReadAt(lastByte, info.Size()-1); err != nil && err != io.EOF {
		return NewStorageError("append", path, err)
	}

	err = replaceFile(path, func(w io.Writer) error {
		if _, err := io.Copy(w, existing); err != nil {
			return err
		}
		if lastByte[0] != '\n' {
			if _, err := w.Write([]byte{'\n'}); err != nil {
				return err
			}
		}
		return encodeRows(w, candles, false)
	})
	if err != nil {
		return NewStorageError("append", path, err)
	}

	s.logger.Debug("Appended to series", "path", path, "rows", len(candles))
	return nil
}

// Remove implements SeriesWriter.
func (s *CSVStore) Remove(ctx context.Context, key models.SeriesKey) error {
	path := s.Path(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return NewStorageError("remove", path, err)
	}
	return nil
}

// replaceFile streams fill into a temporary file next to path, syncs it and
// renames it over path.
func replaceFile(path string, fill func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	buf := bufio.NewWriter(tmp)
	if err := fill(buf); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

func encodeRows(w io.Writer, candles []models.Candle, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(Header); err != nil {
			return err
		}
	}
	for _, c := range candles {
		if err := cw.Write(encodeCandle(c)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeCandle(c models.Candle) []string {
	return []string{
		c.OpenTime.UTC().Format(TimestampLayout),
		c.Open.String(),
		c.High.String(),
		c.Low.String(),
		c.Close.String(),
		c.Volume.String(),
		c.CloseTime.UTC().Format(TimestampLayout),
		c.QuoteVolume.String(),
		strconv.FormatInt(c.Trades, 10),
		c.TakerBaseVolume.String(),
		c.TakerQuoteVolume.String(),
		c.Symbol,
	}
}

func decodeSeries(r io.Reader) ([]models.Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	cr.ReuseRecord = true

	candles := make([]models.Candle, 0)
	line := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 {
			if record[0] != Header[0] {
				return nil, fmt.Errorf("missing header, first column is %q", record[0])
			}
			continue
		}

		candle, err := decodeCandle(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func decodeCandle(record []string) (models.Candle, error) {
	var (
		c   models.Candle
		err error
	)

	if c.OpenTime, err = parseTimestamp(record[0]); err != nil {
		return c, fmt.Errorf("timestamp: %w", err)
	}
	if c.CloseTime, err = parseTimestamp(record[6]); err != nil {
		return c, fmt.Errorf("close_time: %w", err)
	}
	if c.Trades, err = strconv.ParseInt(record[8], 10, 64); err != nil {
		return c, fmt.Errorf("trades: %w", err)
	}

	decimals := []struct {
		index int
		dst   *decimal.Decimal
	}{
		{1, &c.Open}, {2, &c.High}, {3, &c.Low}, {4, &c.Close}, {5, &c.Volume},
		{7, &c.QuoteVolume}, {9, &c.TakerBaseVolume}, {10, &c.TakerQuoteVolume},
	}
	for _, d := range decimals {
		if *d.dst, err = decimal.NewFromString(record[d.index]); err != nil {
			return c, fmt.Errorf("%s: %w", Header[d.index], err)
		}
	}

	c.Symbol = record[11]
	return c, nil
}

func parseTimestamp(value string) (time.Time, error) {
	// fractional seconds are accepted after the seconds field when parsing
	return time.ParseInLocation("2006-01-02 15:04:05", value, time.UTC)
}
