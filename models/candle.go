package models

import "time"

// Candle is one OHLCV bar. All OHLC values are probabilities in [0,1].
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Resolution enumerates the candle intervals adapters may support. Venues
// that lack an interval report ErrExchangeNotAvailable rather than
// resampling silently.
type Resolution string

const (
	Resolution1m  Resolution = "1m"
	Resolution5m  Resolution = "5m"
	Resolution15m Resolution = "15m"
	Resolution1h  Resolution = "1h"
	Resolution6h  Resolution = "6h"
	Resolution1d  Resolution = "1d"
)

// Duration returns the wall-clock width of one candle at this resolution.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Resolution1m:
		return time.Minute
	case Resolution5m:
		return 5 * time.Minute
	case Resolution15m:
		return 15 * time.Minute
	case Resolution1h:
		return time.Hour
	case Resolution6h:
		return 6 * time.Hour
	case Resolution1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
