// Package errors provides the error taxonomy of the kline fetcher together with
// retry execution driven by that classification. Every failure that crosses a
// component boundary is a ClassifiedError, so callers decide retry and abort
// behavior from the error type rather than from message text.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-kline-fetcher/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeTransient ErrorType = "transient"  // Timeouts and recoverable transport failures
	ErrorTypeRateLimit ErrorType = "rate_limit" // Provider signalled throttling

	// Non-retryable error types
	ErrorTypeConfiguration ErrorType = "configuration"  // Missing or invalid configuration
	ErrorTypeProviderLogic ErrorType = "provider_logic" // Provider rejected the request, e.g. unknown symbol
	ErrorTypePersistence   ErrorType = "persistence"    // Disk read or write failure

	ErrorTypeUnknown ErrorType = "unknown"
)

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error                  `json:"error"`
	Type      ErrorType              `json:"type"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Attempts  int                    `json:"attempts"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Attempts > 1 {
		return fmt.Sprintf("[%s/%s] %s after %d attempts: %v", ce.Component, ce.Type, ce.Operation, ce.Attempts, ce.Err)
	}
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// ContextRetryAfter is the context key carrying a provider-requested pause
// as a time.Duration.
const ContextRetryAfter = "retry_after"

// WithContext attaches a key/value pair and returns the receiver.
func (ce *ClassifiedError) WithContext(key string, value interface{}) *ClassifiedError {
	if ce.Context == nil {
		ce.Context = make(map[string]interface{})
	}
	ce.Context[key] = value
	return ce
}

func newClassified(t ErrorType, err error, component, operation string) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      t,
		Retryable: t == ErrorTypeTransient || t == ErrorTypeRateLimit,
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
		Attempts:  1,
	}
}

// NewConfigurationError reports a configuration problem, e.g. a base currency without a canary ticker.
func NewConfigurationError(err error, component, operation string) *ClassifiedError {
	return newClassified(ErrorTypeConfiguration, err, component, operation)
}

// NewTransientError reports a timeout or other recoverable network failure.
func NewTransientError(err error, component, operation string) *ClassifiedError {
	return newClassified(ErrorTypeTransient, err, component, operation)
}

// NewRateLimitError reports that the provider is throttling requests.
func NewRateLimitError(err error, component, operation string) *ClassifiedError {
	return newClassified(ErrorTypeRateLimit, err, component, operation)
}

// NewProviderLogicError reports a request the provider will never accept.
func NewProviderLogicError(err error, component, operation string) *ClassifiedError {
	return newClassified(ErrorTypeProviderLogic, err, component, operation)
}

// NewPersistenceError reports a failure reading or writing a series.
func NewPersistenceError(err error, component, operation string) *ClassifiedError {
	return newClassified(ErrorTypePersistence, err, component, operation)
}

// Sentinels usable with errors.Is to test an error's classification.
var (
	ErrConfiguration = &ClassifiedError{Type: ErrorTypeConfiguration}
	ErrTransient     = &ClassifiedError{Type: ErrorTypeTransient}
	ErrRateLimit     = &ClassifiedError{Type: ErrorTypeRateLimit}
	ErrProviderLogic = &ClassifiedError{Type: ErrorTypeProviderLogic}
	ErrPersistence   = &ClassifiedError{Type: ErrorTypePersistence}
)

// Classify returns err as a ClassifiedError. Errors that are already
// classified anywhere in their chain are returned as-is; timeouts become
// transient errors; anything else is unknown and not retryable.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	if isTimeoutError(err) {
		return NewTransientError(err, component, operation)
	}

	return &ClassifiedError{
		Err:       err,
		Type:      ErrorTypeUnknown,
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
		Attempts:  1,
	}
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryPolicy describes how an operation is retried.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Retryable    map[ErrorType]bool
}

// PolicyFromConfig converts a configured retry policy.
func PolicyFromConfig(cfg config.RetryPolicyConfig) RetryPolicy {
	initial, err := time.ParseDuration(cfg.InitialDelay)
	if err != nil {
		initial = 500 * time.Millisecond
	}
	maxDelay, err := time.ParseDuration(cfg.MaxDelay)
	if err != nil {
		maxDelay = 30 * time.Second
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	retryable := make(map[ErrorType]bool, len(cfg.RetryableErrors))
	for _, t := range cfg.RetryableErrors {
		retryable[ErrorType(t)] = true
	}

	return RetryPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		Retryable:    retryable,
	}
}

// Retrier executes operations under a retry policy.
type Retrier struct {
	logger *slog.Logger
	// newBackOff is replaced in tests to avoid real delays.
	newBackOff func(RetryPolicy) backoff.BackOff
}

// NewRetrier creates a retrier that logs each failed attempt.
func NewRetrier(logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{logger: logger, newBackOff: exponentialBackOff}
}

// NewRetrierWithBackOff creates a retrier with a custom backoff factory.
func NewRetrierWithBackOff(logger *slog.Logger, factory func(RetryPolicy) backoff.BackOff) *Retrier {
	r := NewRetrier(logger)
	if factory != nil {
		r.newBackOff = factory
	}
	return r
}

func exponentialBackOff(policy RetryPolicy) backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialDelay
	exponential.MaxInterval = policy.MaxDelay
	exponential.Multiplier = policy.Multiplier
	exponential.MaxElapsedTime = 0 // attempts, not wall time, bound the retry
	return exponential
}

// Do runs fn until it succeeds, returns an error the policy does not retry,
// or the attempt ceiling is reached. The returned error is always classified
// and carries the number of attempts made.
func (r *Retrier) Do(ctx context.Context, policy RetryPolicy, component, operation string, fn func(ctx context.Context) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	var last *ClassifiedError

	strategy := backoff.WithContext(&retryAfterBackOff{
		BackOff: backoff.WithMaxRetries(r.newBackOff(policy), uint64(maxAttempts-1)),
		last:    &last,
	}, ctx)

	operationFn := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}

		last = Classify(err, component, operation)
		if !policy.Retryable[last.Type] {
			return backoff.Permanent(last)
		}

		r.logger.Warn("operation failed, retrying",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", maxAttempts,
			"error_type", last.Type,
			"error", err.Error())
		return last
	}

	if err := backoff.Retry(operationFn, strategy); err != nil {
		if last == nil {
			// the context ended before the first attempt
			return NewTransientError(err, component, operation)
		}
		last.Attempts = attempts
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(last.Err, ctxErr) {
			// cancelled while waiting to retry
			last.Err = errors.Join(last.Err, ctxErr)
		}
		return last
	}

	if attempts > 1 {
		r.logger.Debug("operation succeeded after retry",
			"component", component,
			"operation", operation,
			"attempts", attempts)
	}
	return nil
}

// maxRetryAfter bounds the provider-requested pause a retry waits for.
// Longer requests end the retry.
const maxRetryAfter = 5 * time.Minute

// RetryAfter returns the pause the provider requested with err, or zero.
func RetryAfter(err error) time.Duration {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if d, ok := ce.Context[ContextRetryAfter].(time.Duration); ok {
			return d
		}
	}
	return 0
}

// retryAfterBackOff waits at least as long as the last error asked for.
type retryAfterBackOff struct {
	backoff.BackOff
	last **ClassifiedError
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop || *b.last == nil {
		return next
	}
	wait := RetryAfter(*b.last)
	if wait > maxRetryAfter {
		return backoff.Stop
	}
	if wait > next {
		return wait
	}
	return next
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}

// GetAttempts returns how many attempts produced err, or 1 for unclassified errors.
func GetAttempts(err error) int {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Attempts > 0 {
		return ce.Attempts
	}
	return 1
}
