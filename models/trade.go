package models

import "time"

// TradeSide is the aggressor side of a public trade.
type TradeSide string

const (
	TradeSideBuy     TradeSide = "buy"
	TradeSideSell    TradeSide = "sell"
	TradeSideUnknown TradeSide = "unknown"
)

// Trade is one public execution on an outcome.
type Trade struct {
	ID        string
	Timestamp time.Time
	Price     float64
	Amount    float64
	Side      TradeSide
}
