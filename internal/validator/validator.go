// Package validator checks fetched klines for data-quality anomalies. Checks
// never reject data: the provider's candles are persisted as delivered and
// anomalies are only reported.
package validator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-kline-fetcher/internal/models"
)

// AnomalyType classifies a finding.
type AnomalyType string

const (
	AnomalyInvalidCandle AnomalyType = "invalid_candle" // candle fails its own consistency rules
	AnomalyPriceSpike    AnomalyType = "price_spike"    // high jumps by more than the spike ratio
	AnomalyVolumeSurge   AnomalyType = "volume_surge"   // volume jumps by more than the surge ratio
)

// Anomaly is one finding at one open time.
type Anomaly struct {
	Type        AnomalyType
	OpenTime    time.Time
	Description string
}

// Config holds the cross-candle thresholds, expressed as ratios of the
// current value to the previous one.
type Config struct {
	PriceSpikeRatio  decimal.Decimal
	VolumeSurgeRatio decimal.Decimal
}

// DefaultConfig flags a 5x jump in high and a 10x jump in volume.
func DefaultConfig() Config {
	return Config{
		PriceSpikeRatio:  decimal.NewFromInt(5),
		VolumeSurgeRatio: decimal.NewFromInt(10),
	}
}

// CandleValidator runs the per-candle and cross-candle checks.
type CandleValidator struct {
	config Config
	logger *slog.Logger
}

// New creates a validator.
func New(cfg Config, logger *slog.Logger) *CandleValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CandleValidator{config: cfg, logger: logger}
}

// Check returns every anomaly found in candles, in open-time order.
func (v *CandleValidator) Check(key models.SeriesKey, candles []models.Candle) []Anomaly {
	var anomalies []Anomaly

	for i := range candles {
		c := candles[i]
		if err := c.Validate(); err != nil {
			anomalies = append(anomalies, Anomaly{
				Type:        AnomalyInvalidCandle,
				OpenTime:    c.OpenTime,
				Description: err.Error(),
			})
		}
		if i == 0 {
			continue
		}

		prev := candles[i-1]
		if exceeds(c.High, prev.High, v.config.PriceSpikeRatio) {
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyPriceSpike,
				OpenTime: c.OpenTime,
				Description: fmt.Sprintf("high rose from %s to %s",
					prev.High.String(), c.High.String()),
			})
		}
		if exceeds(c.Volume, prev.Volume, v.config.VolumeSurgeRatio) {
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyVolumeSurge,
				OpenTime: c.OpenTime,
				Description: fmt.Sprintf("volume rose from %s to %s",
					prev.Volume.String(), c.Volume.String()),
			})
		}
	}

	if len(anomalies) > 0 {
		v.logger.Debug("Anomalies detected",
			"series", key.String(),
			"candles", len(candles),
			"anomalies", len(anomalies))
	}
	return anomalies
}

// exceeds reports whether current/previous is above ratio. A zero ratio
// disables the check.
func exceeds(current, previous, ratio decimal.Decimal) bool {
	if ratio.IsZero() || !previous.IsPositive() {
		return false
	}
	return current.Div(previous).GreaterThan(ratio)
}
