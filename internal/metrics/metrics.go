// Package metrics exposes Prometheus metrics for fetch runs. Collectors live
// on a private registry so tests and embedded uses never collide with the
// global default registry.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/config"
	"github.com/johnayoung/go-kline-fetcher/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ohlcv"

// Recorder holds the fetch-run collectors. A nil *Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry

	CandlesWritten  *prometheus.CounterVec
	FetchAttempts   *prometheus.CounterVec
	Batches         *prometheus.CounterVec
	Runs            *prometheus.CounterVec
	ThrottleSeconds prometheus.Counter
	CallWeight      *prometheus.GaugeVec
	BatchSize       *prometheus.GaugeVec
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		CandlesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candles_written_total",
				Help:      "Total number of candles persisted",
			},
			[]string{"base"},
		),
		FetchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_attempts_total",
				Help:      "Provider call attempts, retries included",
			},
			[]string{"operation", "outcome"},
		),
		Batches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Completed fetch batches",
			},
			[]string{"base"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Base-currency runs by final status",
			},
			[]string{"base", "status"},
		),
		ThrottleSeconds: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttle_seconds_total",
				Help:      "Time spent waiting for the provider rate window to reset",
			},
		),
		CallWeight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "call_weight",
				Help:      "Measured weight cost of one provider call",
			},
			[]string{"base"},
		),
		BatchSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Planned number of concurrent symbol fetches per batch",
			},
			[]string{"base"},
		),
	}
}

// Registry returns the private registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveFetch records the attempts of one retried provider call.
func (r *Recorder) ObserveFetch(operation string, attempts int, err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.FetchAttempts.WithLabelValues(operation, outcome).Add(float64(attempts))
}

// ObservePlan records the measured call cost and resulting batch size.
func (r *Recorder) ObservePlan(base string, callCost, batchSize int) {
	if r == nil {
		return
	}
	r.CallWeight.WithLabelValues(base).Set(float64(callCost))
	r.BatchSize.WithLabelValues(base).Set(float64(batchSize))
}

// ObserveBatch records one completed batch and the candles it wrote.
func (r *Recorder) ObserveBatch(base string, candles int) {
	if r == nil {
		return
	}
	r.Batches.WithLabelValues(base).Inc()
	r.CandlesWritten.WithLabelValues(base).Add(float64(candles))
}

// ObserveThrottle records an inter-batch pause.
func (r *Recorder) ObserveThrottle(d time.Duration) {
	if r == nil {
		return
	}
	r.ThrottleSeconds.Add(d.Seconds())
}

// ObserveRun records the final status of a base-currency run.
func (r *Recorder) ObserveRun(base, status string) {
	if r == nil {
		return
	}
	r.Runs.WithLabelValues(base, status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Server exposes the metrics and a health endpoint over HTTP.
type Server struct {
	config    config.MetricsConfig
	recorder  *Recorder
	logger    *logger.ComponentLogger
	startTime time.Time
}

// NewServer creates a metrics server for recorder.
func NewServer(cfg config.MetricsConfig, recorder *Recorder, loggerMgr *logger.LoggerManager) *Server {
	return &Server{
		config:    cfg,
		recorder:  recorder,
		logger:    loggerMgr.GetComponentLogger("metrics"),
		startTime: time.Now(),
	}
}

// Mux returns the routes served by the metrics server.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s.recorder.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Serve runs the HTTP server until ctx is cancelled. It returns immediately
// when metrics are disabled.
func (s *Server) Serve(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.DebugWithContext(ctx, "metrics endpoint disabled")
		return nil
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Metrics HTTP server starting", "addr", server.Addr, "path", s.config.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.WarnWithContext(ctx, "Metrics HTTP server failed, continuing without metrics",
				"addr", server.Addr, "error", err)
			return fmt.Errorf("metrics HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.ErrorWithContext(ctx, "error shutting down metrics server", err)
		return err
	}
	s.logger.Info("Metrics HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
	})
}
