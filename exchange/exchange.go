// Package exchange defines the unified exchange contract and implements the
// adapter-independent half of it: the market cache state machine, lookup by
// id/outcome/slug, the filtering DSL, and execution-price math. Concrete
// venue adapters live under exchanges/ and plug in through the Backend
// interface.
package exchange

import (
	"context"

	"github.com/pmxt/pmxt-go/models"
)

// Exchange is the capability surface every adapter provides. The façade
// holds a reference to this interface, never to a concrete vendor type.
type Exchange interface {
	// ID returns the stable adapter identifier, e.g. "kalshi".
	ID() string
	// Name returns the display name.
	Name() string

	// LoadMarkets returns the id-keyed market cache, fetching it on first
	// use. With reload=true it always refetches and replaces the cache
	// wholesale.
	LoadMarkets(ctx context.Context, reload bool) (map[string]*models.Market, error)
	// FetchMarkets lists markets matching params, fresh per call.
	FetchMarkets(ctx context.Context, params models.MarketParams) ([]*models.Market, error)
	// FetchMarket resolves a single market by market id, outcome id, or
	// slug. It fails with models.ErrMarketNotFound on zero results.
	FetchMarket(ctx context.Context, lookup string) (*models.Market, error)
	// FetchEvents lists events matching params.
	FetchEvents(ctx context.Context, params models.MarketParams) ([]*models.Event, error)
	// FetchEvent resolves a single event by id or slug.
	FetchEvent(ctx context.Context, lookup string) (*models.Event, error)

	// FetchCandles returns OHLCV history for one outcome.
	FetchCandles(ctx context.Context, outcomeID string, params models.CandleParams) ([]models.Candle, error)
	// FetchOrderBook returns the current book for one outcome.
	FetchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error)
	// FetchTrades returns recent public trades for one outcome.
	FetchTrades(ctx context.Context, outcomeID string, params models.TradeParams) ([]models.Trade, error)

	// CreateOrder places an order. Requires credentials.
	CreateOrder(ctx context.Context, params models.CreateOrderParams) (*models.Order, error)
	// CancelOrder cancels an order by id. Requires credentials.
	CancelOrder(ctx context.Context, orderID string) error
	// FetchOrder returns one order by id. Requires credentials.
	FetchOrder(ctx context.Context, orderID string) (*models.Order, error)
	// FetchOpenOrders lists open orders, optionally narrowed to a market.
	FetchOpenOrders(ctx context.Context, marketID string) ([]*models.Order, error)
	// FetchPositions lists holdings, optionally narrowed to a market.
	FetchPositions(ctx context.Context, marketID string) ([]models.Position, error)
	// FetchBalance returns account balances.
	FetchBalance(ctx context.Context) ([]models.Balance, error)

	// WatchOrderBook blocks until the next order-book update for the
	// outcome, establishing the vendor subscription on first call.
	// Adapters without a realtime feed fail with models.ErrNotSupported.
	WatchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error)
	// WatchTrades blocks until the next trade(s) for the outcome.
	WatchTrades(ctx context.Context, outcomeID string) ([]models.Trade, error)

	// Close tears down any realtime subscriptions. Idempotent and safe to
	// call even if nothing was ever opened.
	Close() error
}

// Backend is the narrow fetch surface each adapter supplies to Base. A
// params.Slug set to a non-empty value is a direct lookup: the adapter
// resolves it against whatever identifier the venue uses (slug, ticker, or
// market id) and returns at most that one market or event.
type Backend interface {
	FetchMarketsRaw(ctx context.Context, params models.MarketParams) ([]*models.Market, error)
	FetchEventsRaw(ctx context.Context, params models.MarketParams) ([]*models.Event, error)
}
