// Package models provides the data structures shared by the kline fetcher:
// candles, the series they belong to, and the actions a fetch run can perform.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one kline: OHLCV data plus the provider's auxiliary volume and
// trade counters for a single open time.
type Candle struct {
	OpenTime         time.Time       `json:"open_time"`
	Open             decimal.Decimal `json:"open"`
	High             decimal.Decimal `json:"high"`
	Low              decimal.Decimal `json:"low"`
	Close            decimal.Decimal `json:"close"`
	Volume           decimal.Decimal `json:"volume"`
	CloseTime        time.Time       `json:"close_time"`
	QuoteVolume      decimal.Decimal `json:"quote_volume"`
	Trades           int64           `json:"trades"`
	TakerBaseVolume  decimal.Decimal `json:"taker_base_volume"`
	TakerQuoteVolume decimal.Decimal `json:"taker_quote_volume"`
	Symbol           string          `json:"symbol"`
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that prices are positive, volumes and trade counts are
// non-negative, and the OHLC relationships hold (high >= max(open, close, low),
// low <= min(open, close)).
func (c *Candle) Validate() error {
	if c.OpenTime.IsZero() {
		return &ValidationError{Field: "open_time", Message: "open time cannot be zero"}
	}
	if !c.CloseTime.IsZero() && c.CloseTime.Before(c.OpenTime) {
		return &ValidationError{Field: "close_time", Message: "close time precedes open time"}
	}

	prices := []struct {
		field string
		value decimal.Decimal
	}{
		{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close},
	}
	for _, p := range prices {
		if !p.value.IsPositive() {
			return &ValidationError{Field: p.field, Message: fmt.Sprintf("%s price must be greater than 0", p.field)}
		}
	}

	volumes := []struct {
		field string
		value decimal.Decimal
	}{
		{"volume", c.Volume}, {"quote_av", c.QuoteVolume},
		{"tb_base_av", c.TakerBaseVolume}, {"tb_quote_av", c.TakerQuoteVolume},
	}
	for _, v := range volumes {
		if v.value.IsNegative() {
			return &ValidationError{Field: v.field, Message: "volume must be greater than or equal to 0"}
		}
	}
	if c.Trades < 0 {
		return &ValidationError{Field: "trades", Message: "trade count must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(c.Open, c.Close, c.Low)
	if c.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close, low) (%s)", c.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", c.Low, minOpenClose),
		}
	}

	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}

	return nil
}

// Equal reports whether two candles carry the same values. Decimals are
// compared numerically, so "0.10" equals "0.1".
func (c Candle) Equal(other Candle) bool {
	return c.OpenTime.Equal(other.OpenTime) &&
		c.CloseTime.Equal(other.CloseTime) &&
		c.Open.Equal(other.Open) &&
		c.High.Equal(other.High) &&
		c.Low.Equal(other.Low) &&
		c.Close.Equal(other.Close) &&
		c.Volume.Equal(other.Volume) &&
		c.QuoteVolume.Equal(other.QuoteVolume) &&
		c.Trades == other.Trades &&
		c.TakerBaseVolume.Equal(other.TakerBaseVolume) &&
		c.TakerQuoteVolume.Equal(other.TakerQuoteVolume) &&
		c.Symbol == other.Symbol
}
