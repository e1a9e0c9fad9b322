package models

import "time"

// Sort keys for market and event listings. Sorting is applied client-side
// as the final deterministic step, even when a vendor claims server-side
// support.
const (
	SortVolume    = "volume"
	SortLiquidity = "liquidity"
	SortNewest    = "newest"
)

// Status filters for market and event listings.
const (
	StatusActive = "active"
	StatusClosed = "closed"
	StatusAll    = "all"
)

// Search scopes for free-text queries.
const (
	SearchInTitle       = "title"
	SearchInDescription = "description"
	SearchInBoth        = "both"
)

// MarketParams are the query parameters recognized by FetchMarkets and
// FetchEvents. Zero values mean "adapter default".
type MarketParams struct {
	Query    string
	Slug     string
	Limit    int
	Offset   int
	Sort     string // SortVolume | SortLiquidity | SortNewest
	Status   string // StatusActive (default) | StatusClosed | StatusAll
	SearchIn string // SearchInTitle | SearchInDescription | SearchInBoth
}

// CandleParams narrow a FetchCandles call.
type CandleParams struct {
	Resolution Resolution
	Limit      int
	Start      time.Time
	End        time.Time
}

// TradeParams narrow a FetchTrades call.
type TradeParams struct {
	Limit int
	Start time.Time
	End   time.Time
}

// CreateOrderParams describe an order to be placed.
type CreateOrderParams struct {
	MarketID  string
	OutcomeID string
	Side      OrderSide
	Type      OrderType
	Price     float64 // required for limit orders, in [0,1]
	Amount    float64 // shares (or base currency for pari-mutuel venues)
}
