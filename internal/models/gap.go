package models

import (
	"fmt"
	"time"
)

// Gap is a run of missing open times inside a persisted series. Start is the
// first missing open time and End the open time of the next candle present,
// so the gap covers [Start, End).
type Gap struct {
	Key   SeriesKey `json:"key"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the wall-clock span of the gap.
func (g Gap) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

// MissingCandles returns how many candles of the series interval fit in the gap.
func (g Gap) MissingCandles() (int, error) {
	step, err := IntervalDuration(g.Key.Interval)
	if err != nil {
		return 0, err
	}
	missing := int(g.Duration() / step)
	if missing == 0 {
		missing = 1
	}
	return missing, nil
}

func (g Gap) String() string {
	return fmt.Sprintf("Gap{%s %s -> %s}", g.Key, g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339))
}
