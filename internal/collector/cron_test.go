package collector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCronRunner(t *testing.T) {
	noop := func(ctx context.Context) error { return nil }

	for _, spec := range []string{"0 */15 * * * *", "*/5 * * * *", "@every 1m", "@hourly"} {
		_, err := NewCronRunner(spec, noop, createTestLogger())
		assert.NoError(t, err, spec)
	}

	_, err := NewCronRunner("every fifteen minutes", noop, createTestLogger())
	assert.Error(t, err)

	_, err = NewCronRunner("@hourly", nil, createTestLogger())
	assert.Error(t, err)
}

func TestCronRunnerRunNow(t *testing.T) {
	var calls int32
	runner, err := NewCronRunner("@hourly", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}, createTestLogger())
	require.NoError(t, err)

	ran, err := runner.RunNow(context.Background())
	assert.True(t, ran)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCronRunnerSkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner, err := NewCronRunner("@hourly", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, createTestLogger())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = runner.RunNow(context.Background())
	}()
	<-started

	ran, err := runner.RunNow(context.Background())
	assert.False(t, ran)
	assert.NoError(t, err)

	close(release)
	<-done
}

func TestCronRunnerTriggersAndStops(t *testing.T) {
	var calls int32
	runner, err := NewCronRunner("@every 1s", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, createTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}
