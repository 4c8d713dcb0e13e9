package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-kline-fetcher/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func zeroBackOff(RetryPolicy) backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name              string
		err               error
		expectedType      ErrorType
		expectedRetryable bool
	}{
		{
			name:              "context deadline is transient",
			err:               fmt.Errorf("fetch: %w", context.DeadlineExceeded),
			expectedType:      ErrorTypeTransient,
			expectedRetryable: true,
		},
		{
			name:              "net timeout is transient",
			err:               timeoutErr{},
			expectedType:      ErrorTypeTransient,
			expectedRetryable: true,
		},
		{
			name:              "wrapped rate limit keeps its type",
			err:               fmt.Errorf("page 3: %w", NewRateLimitError(errors.New("429"), "exchange", "klines")),
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
		},
		{
			name:              "provider logic is permanent",
			err:               NewProviderLogicError(errors.New("Invalid symbol."), "exchange", "klines"),
			expectedType:      ErrorTypeProviderLogic,
			expectedRetryable: false,
		},
		{
			name:              "plain error is unknown",
			err:               errors.New("something went wrong"),
			expectedType:      ErrorTypeUnknown,
			expectedRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify(tt.err, "test_component", "test_operation")
			require.NotNil(t, classified)
			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedRetryable, classified.Retryable)
		})
	}

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Classify(nil, "c", "o"))
	})
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("sync ETH: %w", NewPersistenceError(errors.New("disk full"), "storage", "append"))

	assert.True(t, errors.Is(err, ErrPersistence))
	assert.False(t, errors.Is(err, ErrTransient))
	assert.Equal(t, ErrorTypePersistence, GetErrorType(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestRetrierAttemptCeilings(t *testing.T) {
	retrier := NewRetrierWithBackOff(createTestLogger(), zeroBackOff)
	ctx := context.Background()

	historical := PolicyFromConfig(config.DefaultConfig().ErrorHandling.Historical)
	latest := PolicyFromConfig(config.DefaultConfig().ErrorHandling.LatestOpenTime)

	t.Run("historical policy stops at five attempts", func(t *testing.T) {
		calls := 0
		err := retrier.Do(ctx, historical, "fetcher", "historical", func(context.Context) error {
			calls++
			return NewTransientError(errors.New("timeout"), "exchange", "klines")
		})
		require.Error(t, err)
		assert.Equal(t, 5, calls)
		assert.Equal(t, 5, GetAttempts(err))
		assert.True(t, errors.Is(err, ErrTransient))
	})

	t.Run("latest open time policy stops at three attempts", func(t *testing.T) {
		calls := 0
		err := retrier.Do(ctx, latest, "fetcher", "latest_open_time", func(context.Context) error {
			calls++
			return NewTransientError(errors.New("timeout"), "exchange", "klines")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("latest open time policy does not retry rate limits", func(t *testing.T) {
		calls := 0
		err := retrier.Do(ctx, latest, "fetcher", "latest_open_time", func(context.Context) error {
			calls++
			return NewRateLimitError(errors.New("429"), "exchange", "klines")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, errors.Is(err, ErrRateLimit))
	})

	t.Run("historical policy retries rate limits", func(t *testing.T) {
		calls := 0
		err := retrier.Do(ctx, historical, "fetcher", "historical", func(context.Context) error {
			calls++
			if calls < 3 {
				return NewRateLimitError(errors.New("429"), "exchange", "klines")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("provider logic errors propagate immediately", func(t *testing.T) {
		calls := 0
		err := retrier.Do(ctx, historical, "fetcher", "historical", func(context.Context) error {
			calls++
			return NewProviderLogicError(errors.New("Invalid symbol."), "exchange", "klines")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, errors.Is(err, ErrProviderLogic))
	})

	t.Run("success after one retry stops retrying", func(t *testing.T) {
		calls := 0
		err := retrier.Do(ctx, historical, "fetcher", "historical", func(context.Context) error {
			calls++
			if calls == 1 {
				return NewTransientError(errors.New("timeout"), "exchange", "klines")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})
}

func TestRetrierCancelledWhileWaiting(t *testing.T) {
	retrier := NewRetrierWithBackOff(createTestLogger(), func(RetryPolicy) backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	})
	policy := PolicyFromConfig(config.DefaultConfig().ErrorHandling.Historical)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := retrier.Do(ctx, policy, "fetcher", "historical", func(context.Context) error {
		return NewTransientError(errors.New("timeout"), "exchange", "klines")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Equal(t, 1, GetAttempts(err))
}

func TestRetrierHonorsRetryAfter(t *testing.T) {
	retrier := NewRetrierWithBackOff(createTestLogger(), zeroBackOff)
	policy := PolicyFromConfig(config.DefaultConfig().ErrorHandling.Historical)
	ctx := context.Background()

	t.Run("waits at least the requested pause", func(t *testing.T) {
		calls := 0
		start := time.Now()
		err := retrier.Do(ctx, policy, "fetcher", "historical", func(context.Context) error {
			calls++
			if calls == 1 {
				return NewRateLimitError(errors.New("429"), "exchange", "klines").
					WithContext(ContextRetryAfter, 40*time.Millisecond)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})

	t.Run("pauses beyond the ceiling end the retry", func(t *testing.T) {
		calls := 0
		err := retrier.Do(ctx, policy, "fetcher", "historical", func(context.Context) error {
			calls++
			return NewRateLimitError(errors.New("418"), "exchange", "klines").
				WithContext(ContextRetryAfter, time.Hour)
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, errors.Is(err, ErrRateLimit))
		assert.Equal(t, time.Hour, RetryAfter(err))
	})

	assert.Equal(t, time.Duration(0), RetryAfter(errors.New("plain")))
}

func TestPolicyFromConfig(t *testing.T) {
	policy := PolicyFromConfig(config.RetryPolicyConfig{
		MaxAttempts:     4,
		InitialDelay:    "250ms",
		MaxDelay:        "bogus",
		RetryableErrors: []string{"transient"},
	})

	assert.Equal(t, 4, policy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, policy.InitialDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
	assert.Equal(t, 2.0, policy.Multiplier)
	assert.True(t, policy.Retryable[ErrorTypeTransient])
	assert.False(t, policy.Retryable[ErrorTypeRateLimit])
}
