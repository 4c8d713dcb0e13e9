package ratebudget

import (
	"fmt"
	"math"
)

const (
	// DefaultWeightLimit is the provider's weight ceiling per rolling minute.
	DefaultWeightLimit = 1200
	// DefaultSafetyFactor keeps a batch below the ceiling.
	DefaultSafetyFactor = 0.8
)

// Planner converts a measured call cost into a per-minute batch size.
type Planner struct {
	WeightLimit  int
	SafetyFactor float64
}

// NewPlanner creates a planner. Non-positive arguments fall back to the defaults.
func NewPlanner(weightLimit int, safetyFactor float64) *Planner {
	if weightLimit <= 0 {
		weightLimit = DefaultWeightLimit
	}
	if safetyFactor <= 0 {
		safetyFactor = DefaultSafetyFactor
	}
	return &Planner{WeightLimit: weightLimit, SafetyFactor: safetyFactor}
}

// MaxSafe returns floor((limit / cost) * safetyFactor).
func (p *Planner) MaxSafe(callCost int) (int, error) {
	if callCost <= 0 {
		return 0, fmt.Errorf("call cost must be a positive integer, got %d", callCost)
	}
	return int(math.Floor(float64(p.WeightLimit) / float64(callCost) * p.SafetyFactor)), nil
}

// Plan returns how many symbols may be fetched concurrently before the
// scheduler has to wait for the next rate window. When every symbol fits
// under the safe ceiling the whole list is one batch.
func (p *Planner) Plan(callCost, totalSymbols int) (int, error) {
	maxSafe, err := p.MaxSafe(callCost)
	if err != nil {
		return 0, err
	}
	if totalSymbols < maxSafe {
		return totalSymbols, nil
	}
	if maxSafe < 1 {
		// a single call costs more than the safe share of the window
		return 1, nil
	}
	return maxSafe, nil
}
