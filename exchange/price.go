package exchange

import (
	"math"

	"github.com/pmxt/pmxt-go/models"
)

// Execution is the outcome of walking an order book with a hypothetical
// order: the size-weighted average price over the levels consumed, how much
// of the requested amount those levels could absorb, and whether the book
// held enough depth for all of it.
type Execution struct {
	Price        float64
	FilledAmount float64
	FullyFilled  bool
}

// ExecutionDetail simulates filling amount shares against the book. Buys
// consume asks from the best (lowest) price upward; sells consume bids from
// the best (highest) price downward. An empty relevant side yields a zero
// Execution.
func ExecutionDetail(book *models.OrderBook, side models.OrderSide, amount float64) Execution {
	if book == nil || amount <= 0 {
		return Execution{}
	}
	levels := book.Asks
	if side == models.OrderSideSell {
		levels = book.Bids
	}

	var cost, filled float64
	for _, lv := range levels {
		if filled >= amount {
			break
		}
		take := math.Min(lv.Size, amount-filled)
		cost += take * lv.Price
		filled += take
	}
	if filled == 0 {
		return Execution{}
	}
	return Execution{
		Price:        cost / filled,
		FilledAmount: filled,
		FullyFilled:  filled >= amount,
	}
}

// ExecutionPrice returns just the size-weighted average price of
// ExecutionDetail, or 0 when nothing could fill.
func ExecutionPrice(book *models.OrderBook, side models.OrderSide, amount float64) float64 {
	return ExecutionDetail(book, side, amount).Price
}
