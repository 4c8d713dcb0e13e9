// Package ratebudget measures the real weight cost of a provider call and
// turns it into a safe concurrency level for a base-currency run.
//
// The cost is measured once per base currency with a probe against a canary
// ticker and is assumed uniform for every symbol of that base for the rest of
// the run.
package ratebudget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	kerrors "github.com/johnayoung/go-kline-fetcher/internal/errors"
	"github.com/johnayoung/go-kline-fetcher/internal/exchange"
	"github.com/johnayoung/go-kline-fetcher/internal/models"
)

// DefaultSessionOverhead is the weight spent on session setup before the first probe.
const DefaultSessionOverhead = 2

// Probe performs one representative fetch for ticker quoted in base under
// the run's action.
type Probe func(ctx context.Context, base, ticker string, action models.Action) error

// Estimator measures the per-call weight cost for a base currency.
type Estimator struct {
	canaries map[string]string
	probe    Probe
	weights  exchange.WeightReporter
	overhead int
	logger   *slog.Logger

	mu        sync.Mutex
	firstDone bool
}

// NewEstimator creates an estimator. canaries maps a base currency to the
// ticker probed on its behalf, e.g. BTC -> ETH.
func NewEstimator(canaries map[string]string, probe Probe, weights exchange.WeightReporter, overhead int, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		canaries: canaries,
		probe:    probe,
		weights:  weights,
		overhead: overhead,
		logger:   logger,
	}
}

// Canary returns the probe ticker for base.
func (e *Estimator) Canary(base string) (string, bool) {
	ticker, ok := e.canaries[base]
	return ticker, ok
}

// Reset marks the start of a new run so the next estimate subtracts the
// session overhead again.
func (e *Estimator) Reset() {
	e.mu.Lock()
	e.firstDone = false
	e.mu.Unlock()
}

// Estimate runs the probe for base and returns the provider-reported weight.
// The first estimate after Reset (or construction) subtracts the session overhead.
func (e *Estimator) Estimate(ctx context.Context, base string, action models.Action) (int, error) {
	ticker, ok := e.Canary(base)
	if !ok {
		return 0, kerrors.NewConfigurationError(
			fmt.Errorf("no canary ticker configured for base currency %s", base),
			"ratebudget", "estimate").WithContext("base_currency", base)
	}

	if err := e.probe(ctx, base, ticker, action); err != nil {
		return 0, err
	}

	used := e.weights.UsedWeight()
	cost := used

	e.mu.Lock()
	if !e.firstDone {
		cost -= e.overhead
		e.firstDone = true
	}
	e.mu.Unlock()

	if cost <= 0 {
		return 0, kerrors.NewProviderLogicError(
			fmt.Errorf("provider reported weight %d, cannot derive a call cost", used),
			"ratebudget", "estimate").WithContext("base_currency", base)
	}

	e.logger.Info("Estimated call cost",
		"base_currency", base,
		"canary", ticker,
		"used_weight", used,
		"call_cost", cost)
	return cost, nil
}
