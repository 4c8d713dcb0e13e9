// Package logger provides structured logging with context propagation for the kline fetcher.
// It builds on the standard library's slog package, rotates file output through lumberjack,
// and carries run-scoped attributes (run id, base currency, symbol, batch) through contexts.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-kline-fetcher/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	// RunIDKey is the context key for the fetch run id
	RunIDKey ContextKey = "run_id"
	// BaseCurrencyKey is the context key for the base currency being processed
	BaseCurrencyKey ContextKey = "base_currency"
	// SymbolKey is the context key for the ticker being synced
	SymbolKey ContextKey = "symbol"
	// IntervalKey is the context key for the kline interval
	IntervalKey ContextKey = "interval"
	// BatchKey is the context key for the 1-indexed batch number
	BatchKey ContextKey = "batch"
)

// LoggerManager manages structured logging for the application
type LoggerManager struct {
	baseLogger     *slog.Logger
	config         config.LoggingConfig
	writer         io.WriteCloser
	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// ComponentLogger represents a logger for a specific component
type ComponentLogger struct {
	*slog.Logger
	component string
}

// NewLoggerManager creates a new logger manager with the specified configuration
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	return newLoggerManager(cfg, writer), nil
}

// NewLoggerManagerWithWriter creates a logger manager writing to w.
func NewLoggerManagerWithWriter(cfg config.LoggingConfig, w io.Writer) *LoggerManager {
	return newLoggerManager(cfg, nopWriteCloser{w})
}

func newLoggerManager(cfg config.LoggingConfig, writer io.WriteCloser) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	baseAttrs := make([]slog.Attr, 0, len(cfg.ContextFields))
	for key, value := range cfg.ContextFields {
		baseAttrs = append(baseAttrs, slog.String(key, value))
	}
	if len(baseAttrs) > 0 {
		handler = handler.WithAttrs(baseAttrs)
	}

	return &LoggerManager{
		baseLogger:     slog.New(handler),
		config:         cfg,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}
}

// createWriter creates the appropriate writer based on configuration
func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stdout":
		return nopWriteCloser{os.Stdout}, nil
	case "stderr", "":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}

		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported log output %q", cfg.Output)
	}
}

// nopWriteCloser wraps an io.Writer to provide a Close method
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the base logger instance
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.baseLogger
}

// GetComponentLogger returns a logger for the specified component
func (lm *LoggerManager) GetComponentLogger(component string) *ComponentLogger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if cached, exists := lm.componentCache[component]; exists {
		return &ComponentLogger{Logger: cached, component: component}
	}

	componentLogger := lm.baseLogger.With(slog.String("component", component))
	lm.componentCache[component] = componentLogger

	return &ComponentLogger{Logger: componentLogger, component: component}
}

// Close closes the logger and any associated resources
func (lm *LoggerManager) Close() error {
	if lm.writer != nil {
		return lm.writer.Close()
	}
	return nil
}

// extractContextAttributes extracts logging attributes from context
func extractContextAttributes(ctx context.Context) []interface{} {
	var attrs []interface{}

	for _, key := range []ContextKey{RunIDKey, BaseCurrencyKey, SymbolKey, IntervalKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if batch, ok := ctx.Value(BatchKey).(int); ok && batch > 0 {
		attrs = append(attrs, slog.Int(string(BatchKey), batch))
	}

	return attrs
}

// FromContext returns logger enriched with the run attributes stored in ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := extractContextAttributes(ctx)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// NewRunContext starts a run: it generates a run id and stores it in the context.
func NewRunContext(ctx context.Context) (context.Context, string) {
	runID := uuid.NewString()
	return WithRunID(ctx, runID), runID
}

// WithRunID adds a run id to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithBaseCurrency adds a base currency to the context
func WithBaseCurrency(ctx context.Context, base string) context.Context {
	return context.WithValue(ctx, BaseCurrencyKey, base)
}

// WithSymbol adds a ticker to the context
func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, SymbolKey, symbol)
}

// WithInterval adds a kline interval to the context
func WithInterval(ctx context.Context, interval string) context.Context {
	return context.WithValue(ctx, IntervalKey, interval)
}

// WithBatch adds a batch number to the context
func WithBatch(ctx context.Context, batch int) context.Context {
	return context.WithValue(ctx, BatchKey, batch)
}

// GetRunID extracts the run id from context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// ComponentLogger methods

// InfoWithContext logs info with full context information
func (cl *ComponentLogger) InfoWithContext(ctx context.Context, msg string, args ...interface{}) {
	attrs := extractContextAttributes(ctx)
	cl.Info(msg, append(attrs, args...)...)
}

// WarnWithContext logs a warning with full context information
func (cl *ComponentLogger) WarnWithContext(ctx context.Context, msg string, args ...interface{}) {
	attrs := extractContextAttributes(ctx)
	cl.Warn(msg, append(attrs, args...)...)
}

// DebugWithContext logs debug information with full context
func (cl *ComponentLogger) DebugWithContext(ctx context.Context, msg string, args ...interface{}) {
	attrs := extractContextAttributes(ctx)
	cl.Debug(msg, append(attrs, args...)...)
}

// ErrorWithContext logs an error with full context information
func (cl *ComponentLogger) ErrorWithContext(ctx context.Context, msg string, err error, args ...interface{}) {
	attrs := extractContextAttributes(ctx)
	attrs = append(attrs, slog.Any("error", err))
	cl.Error(msg, append(attrs, args...)...)
}

// TimedOperation logs an operation with automatic timing
func TimedOperation(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	logger = FromContext(ctx, logger)
	if err != nil {
		logger.Error("timed operation failed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return err
	}

	logger.Info("timed operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", duration))

	return nil
}
