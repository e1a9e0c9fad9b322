package models

import "time"

// OrderSide indicates whether an order buys or sells outcome shares.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the normalized order kind.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the normalized lifecycle enum. Adapters translate their
// native vocabulary ("resting"→open, "executed"→filled, "LIVE"→open) at the
// mapping boundary.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Order is a normalized trading order.
type Order struct {
	ID        string
	MarketID  string
	OutcomeID string
	Side      OrderSide
	Type      OrderType
	Price     float64
	Amount    float64
	Filled    float64
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Position is a holding in one outcome.
type Position struct {
	MarketID     string
	OutcomeID    string
	Label        string
	Size         float64
	AveragePrice float64
	CurrentPrice float64
}

// Balance is one currency's account balance.
type Balance struct {
	Currency  string
	Total     float64
	Available float64
}
