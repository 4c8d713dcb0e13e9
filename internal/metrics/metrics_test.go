package metrics

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/config"
	"github.com/johnayoung/go-kline-fetcher/internal/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	r.ObserveFetch("historical", 5, errors.New("timeout"))
	r.ObserveFetch("historical", 2, nil)
	r.ObservePlan("BTC", 10, 96)
	r.ObserveBatch("BTC", 300)
	r.ObserveBatch("BTC", 200)
	r.ObserveThrottle(1500 * time.Millisecond)
	r.ObserveRun("BTC", "completed")

	assert.Equal(t, 5.0, testutil.ToFloat64(r.FetchAttempts.WithLabelValues("historical", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.FetchAttempts.WithLabelValues("historical", "success")))
	assert.Equal(t, 10.0, testutil.ToFloat64(r.CallWeight.WithLabelValues("BTC")))
	assert.Equal(t, 96.0, testutil.ToFloat64(r.BatchSize.WithLabelValues("BTC")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Batches.WithLabelValues("BTC")))
	assert.Equal(t, 500.0, testutil.ToFloat64(r.CandlesWritten.WithLabelValues("BTC")))
	assert.Equal(t, 1.5, testutil.ToFloat64(r.ThrottleSeconds))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Runs.WithLabelValues("BTC", "completed")))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveFetch("historical", 1, nil)
		r.ObservePlan("BTC", 1, 1)
		r.ObserveBatch("BTC", 1)
		r.ObserveThrottle(time.Second)
		r.ObserveRun("BTC", "failed")
	})
}

func TestServerMux(t *testing.T) {
	r := NewRecorder()
	r.ObserveBatch("USDT", 7)

	lm := logger.NewLoggerManagerWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, io.Discard)
	srv := NewServer(config.MetricsConfig{Enabled: true, Port: 0, Path: "/metrics"}, r, lm)

	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	t.Run("exposes prometheus metrics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), `ohlcv_candles_written_total{base="USDT"} 7`)
		assert.Contains(t, string(body), `ohlcv_batches_total{base="USDT"} 1`)
	})

	t.Run("health endpoint", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	})
}

func TestServeDisabledReturnsImmediately(t *testing.T) {
	lm := logger.NewLoggerManagerWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, io.Discard)
	srv := NewServer(config.MetricsConfig{Enabled: false}, NewRecorder(), lm)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Serve(ctx))
}

func TestServeReportsListenFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	var buf bytes.Buffer
	lm := logger.NewLoggerManagerWithWriter(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	srv := NewServer(config.MetricsConfig{Enabled: true, Port: port, Path: "/metrics"}, NewRecorder(), lm)

	ctx, runID := logger.NewRunContext(context.Background())
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = srv.Serve(ctx)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "Metrics HTTP server failed")
	assert.Contains(t, buf.String(), runID)
}
