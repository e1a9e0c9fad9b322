package models

import (
	"sort"
	"time"
)

// Level is a single price+size entry in an order book. Price is a
// probability in [0,1]; Size is in outcome shares (or the venue's base
// currency for synthetic pari-mutuel books).
type Level struct {
	Price float64
	Size  float64
}

// OrderBook holds bids sorted descending and asks sorted ascending by
// price. Books are transient: re-created per fetch or per push event,
// never cached across calls.
type OrderBook struct {
	Bids      []Level
	Asks      []Level
	Timestamp time.Time
}

// BestBid returns the highest bid price, or 0 when the side is empty.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 when the side is empty.
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// SortSides restores the book's ordering invariant: bids non-increasing,
// asks non-decreasing.
func (b *OrderBook) SortSides() {
	sort.SliceStable(b.Bids, func(i, j int) bool { return b.Bids[i].Price > b.Bids[j].Price })
	sort.SliceStable(b.Asks, func(i, j int) bool { return b.Asks[i].Price < b.Asks[j].Price })
}

// ApplyDelta updates one side of the book at the given price: size 0
// removes the level, a nonzero size updates-or-inserts it. The affected
// side is re-sorted afterwards.
func (b *OrderBook) ApplyDelta(side OrderSide, price, size float64) {
	levels := &b.Asks
	if side == OrderSideBuy {
		levels = &b.Bids
	}
	for i := range *levels {
		if (*levels)[i].Price == price {
			if size == 0 {
				*levels = append((*levels)[:i], (*levels)[i+1:]...)
			} else {
				(*levels)[i].Size = size
			}
			b.SortSides()
			return
		}
	}
	if size != 0 {
		*levels = append(*levels, Level{Price: price, Size: size})
	}
	b.SortSides()
}

// Clone returns a deep copy, so watchers can hand the book to callers
// without racing the reconciliation loop's cached state.
func (b *OrderBook) Clone() *OrderBook {
	out := &OrderBook{
		Bids:      make([]Level, len(b.Bids)),
		Asks:      make([]Level, len(b.Asks)),
		Timestamp: b.Timestamp,
	}
	copy(out.Bids, b.Bids)
	copy(out.Asks, b.Asks)
	return out
}
