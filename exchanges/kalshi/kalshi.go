// Package kalshi implements the unified exchange contract for Kalshi: the
// trade API v2 REST surface with RSA-PSS request signing, a cursor-walking
// market fetcher with an instance-owned TTL cache, native candlesticks,
// portfolio order flow, and the v2 WebSocket stream.
package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pmxt/pmxt-go/exchange"
	"github.com/pmxt/pmxt-go/models"
)

const (
	defaultBaseURL = "https://api.elections.kalshi.com/trade-api/v2"
	defaultWSURL   = "wss://api.elections.kalshi.com/trade-api/ws/v2"

	defaultRateLimit = 100 * time.Millisecond
)

// Options configure the adapter. APIKeyID and PrivateKeyPEM may stay empty
// for public-data use.
type Options struct {
	BaseURL string
	WSURL   string

	// APIKeyID and PrivateKeyPEM are the venue's API credential pair:
	// the key id plus the PEM-encoded RSA key used for request signing.
	APIKeyID      string
	PrivateKeyPEM []byte

	RateLimit time.Duration
	Logger    *slog.Logger
}

// Kalshi is the Kalshi adapter.
type Kalshi struct {
	*exchange.Base

	client  *client
	fetcher *fetcher

	feedMu sync.Mutex
	feed   *feed
	wsURL  string
}

var _ exchange.Exchange = (*Kalshi)(nil)

// New builds a Kalshi adapter.
func New(opts Options) (*Kalshi, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.WSURL == "" {
		opts.WSURL = defaultWSURL
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = defaultRateLimit
	}

	c := newClient(opts.BaseURL, opts.APIKeyID)
	if len(opts.PrivateKeyPEM) > 0 {
		if err := c.setRSAPrivateKey(opts.PrivateKeyPEM); err != nil {
			return nil, err
		}
	}

	k := &Kalshi{
		Base:   exchange.NewBase("kalshi", "Kalshi", opts.RateLimit, opts.Logger),
		client: c,
		wsURL:  opts.WSURL,
	}
	k.fetcher = newFetcher(c, k.Logger())
	k.Bind(k)
	return k, nil
}

// FetchMarketsRaw implements exchange.Backend.
func (k *Kalshi) FetchMarketsRaw(ctx context.Context, params models.MarketParams) ([]*models.Market, error) {
	if err := k.Throttle(ctx); err != nil {
		return nil, err
	}
	if params.Slug != "" {
		m, err := k.fetcher.Lookup(ctx, strings.ToUpper(params.Slug))
		if err != nil || m == nil {
			return nil, err
		}
		return []*models.Market{m}, nil
	}
	return k.fetcher.Markets(ctx, params)
}

// FetchEventsRaw implements exchange.Backend.
func (k *Kalshi) FetchEventsRaw(ctx context.Context, params models.MarketParams) ([]*models.Event, error) {
	if err := k.Throttle(ctx); err != nil {
		return nil, err
	}
	if params.Slug != "" {
		params.Slug = strings.ToUpper(params.Slug)
	}
	return k.fetcher.Events(ctx, params)
}

// FetchOrderBook returns the book for one outcome, rendered from that
// outcome's perspective (a NO bid is a YES ask at the complement price).
func (k *Kalshi) FetchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error) {
	if err := k.Throttle(ctx); err != nil {
		return nil, err
	}
	ticker, side := splitOutcomeID(outcomeID)
	raw, err := k.client.orderbook(ctx, ticker)
	if err != nil {
		return nil, err
	}
	return raw.toOrderBook(side), nil
}

// FetchTrades returns the public trade tape for one outcome.
func (k *Kalshi) FetchTrades(ctx context.Context, outcomeID string, params models.TradeParams) ([]models.Trade, error) {
	if err := k.Throttle(ctx); err != nil {
		return nil, err
	}
	ticker, side := splitOutcomeID(outcomeID)
	raws, err := k.client.trades(ctx, ticker, params.Limit)
	if err != nil {
		return nil, err
	}
	trades := make([]models.Trade, 0, len(raws))
	for i := range raws {
		t := raws[i].toTrade(side)
		if !params.Start.IsZero() && t.Timestamp.Before(params.Start) {
			continue
		}
		if !params.End.IsZero() && t.Timestamp.After(params.End) {
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// nativePeriods maps resolutions to the venue's candlestick intervals in
// minutes. Anything else is not resampled.
var nativePeriods = map[models.Resolution]int{
	models.Resolution1m: 1,
	models.Resolution1h: 60,
	models.Resolution1d: 1440,
}

// FetchCandles returns native candlesticks. Only 1m, 1h, and 1d exist on
// the venue; other resolutions fail with ErrExchangeNotAvailable rather
// than resampling silently.
func (k *Kalshi) FetchCandles(ctx context.Context, outcomeID string, params models.CandleParams) ([]models.Candle, error) {
	res := params.Resolution
	if res == "" {
		res = models.Resolution1h
	}
	periodMinutes, ok := nativePeriods[res]
	if !ok {
		return nil, fmt.Errorf("kalshi: resolution %s not offered natively: %w",
			res, models.ErrExchangeNotAvailable)
	}
	if err := k.Throttle(ctx); err != nil {
		return nil, err
	}

	period := time.Duration(periodMinutes) * time.Minute
	end := params.End
	if end.IsZero() {
		end = time.Now()
	}
	start := params.Start
	if start.IsZero() {
		span := 300
		if params.Limit > 0 {
			span = params.Limit
		}
		start = end.Add(-time.Duration(span) * period)
	}

	ticker, _ := splitOutcomeID(outcomeID)
	raws, err := k.client.candles(ctx, seriesTicker(ticker), ticker, start, end, periodMinutes)
	if err != nil {
		return nil, err
	}
	candles := make([]models.Candle, 0, len(raws))
	for i := range raws {
		candles = append(candles, raws[i].toCandle(period))
	}
	if params.Limit > 0 && len(candles) > params.Limit {
		candles = candles[len(candles)-params.Limit:]
	}
	return candles, nil
}

// seriesTicker derives the series from a market ticker: the segment
// before the first '-' ("KXBTC-24DEC31-B100" belongs to series "KXBTC").
func seriesTicker(ticker string) string {
	if i := strings.IndexByte(ticker, '-'); i > 0 {
		return ticker[:i]
	}
	return ticker
}

// CreateOrder places a portfolio order. Prices convert to whole cents;
// amounts are contract counts.
func (k *Kalshi) CreateOrder(ctx context.Context, params models.CreateOrderParams) (*models.Order, error) {
	if err := k.requireAuth(); err != nil {
		return nil, err
	}
	ticker, side := splitOutcomeID(params.OutcomeID)

	action := "buy"
	if params.Side == models.OrderSideSell {
		action = "sell"
	}
	payload := map[string]any{
		"ticker":          ticker,
		"action":          action,
		"side":            side,
		"count":           int64(params.Amount),
		"client_order_id": uuid.NewString(),
	}
	switch params.Type {
	case models.OrderTypeMarket:
		payload["type"] = "market"
	default:
		cents := int64(math.Round(params.Price * 100))
		if cents < 1 || cents > 99 {
			return nil, fmt.Errorf("kalshi: limit price %v outside (0.01,0.99): %w",
				params.Price, models.ErrInvalidOrder)
		}
		payload["type"] = "limit"
		if side == "no" {
			payload["no_price"] = cents
		} else {
			payload["yes_price"] = cents
		}
	}

	if err := k.Throttle(ctx); err != nil {
		return nil, err
	}
	raw, err := k.client.placeOrder(ctx, payload)
	if err != nil {
		return nil, err
	}
	return raw.toOrder(), nil
}

// CancelOrder cancels one resting order.
func (k *Kalshi) CancelOrder(ctx context.Context, orderID string) error {
	if err := k.requireAuth(); err != nil {
		return err
	}
	if err := k.Throttle(ctx); err != nil {
		return err
	}
	return k.client.cancelOrder(ctx, orderID)
}

// FetchOrder returns one order by id.
func (k *Kalshi) FetchOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if err := k.requireAuth(); err != nil {
		return nil, err
	}
	if err := k.Throttle(ctx); err != nil {
		return nil, err
	}
	raw, err := k.client.order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return raw.toOrder(), nil
}

// FetchOpenOrders lists resting orders, optionally narrowed to a market.
func (k *Kalshi) FetchOpenOrders(ctx context.Context, marketID string) ([]*models.Order, error) {
	if err := k.requireAuth(); err != nil {
		return nil, err
	}
	if err := k.Throttle(ctx); err != nil {
		return nil, err
	}
	raws, err := k.client.openOrders(ctx, marketID)
	if err != nil {
		return nil, err
	}
	orders := make([]*models.Order, 0, len(raws))
	for i := range raws {
		orders = append(orders, raws[i].toOrder())
	}
	return orders, nil
}

// FetchPositions lists contract holdings. A positive venue position is
// YES contracts, a negative one NO contracts.
func (k *Kalshi) FetchPositions(ctx context.Context, marketID string) ([]models.Position, error) {
	if err := k.requireAuth(); err != nil {
		return nil, err
	}
	if err := k.Throttle(ctx); err != nil {
		return nil, err
	}

	path := "/portfolio/positions"
	if marketID != "" {
		path += "?ticker=" + marketID
	}
	body, err := k.client.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get positions: %w", err)
	}
	var resp struct {
		MarketPositions []struct {
			Ticker         string  `json:"ticker"`
			Position       float64 `json:"position"` // signed: + yes, - no
			MarketExposure float64 `json:"market_exposure"`
		} `json:"market_positions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode positions: %w", err)
	}

	positions := make([]models.Position, 0, len(resp.MarketPositions))
	for _, p := range resp.MarketPositions {
		if p.Position == 0 {
			continue
		}
		side, label := "yes", "Yes"
		if p.Position < 0 {
			side, label = "no", "No"
		}
		size := math.Abs(p.Position)
		positions = append(positions, models.Position{
			MarketID:     p.Ticker,
			OutcomeID:    p.Ticker + ":" + side,
			Label:        label,
			Size:         size,
			AveragePrice: p.MarketExposure / size / 100,
		})
	}
	return positions, nil
}

// FetchBalance returns the account's dollar balance.
func (k *Kalshi) FetchBalance(ctx context.Context) ([]models.Balance, error) {
	if err := k.requireAuth(); err != nil {
		return nil, err
	}
	if err := k.Throttle(ctx); err != nil {
		return nil, err
	}

	body, err := k.client.do(ctx, http.MethodGet, "/portfolio/balance", nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get balance: %w", err)
	}
	var resp struct {
		Balance float64 `json:"balance"` // cents
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode balance: %w", err)
	}
	total := resp.Balance / 100
	return []models.Balance{{Currency: "USD", Total: total, Available: total}}, nil
}

// WatchOrderBook blocks until the next book update for outcomeID.
func (k *Kalshi) WatchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error) {
	ch, err := k.ensureFeed().BookChannel(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	return ch.Next(ctx)
}

// WatchTrades blocks until the next trade print for outcomeID.
func (k *Kalshi) WatchTrades(ctx context.Context, outcomeID string) ([]models.Trade, error) {
	ch, err := k.ensureFeed().TradeChannel(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	return ch.Next(ctx)
}

// Close tears down the realtime feed. Idempotent.
func (k *Kalshi) Close() error {
	k.feedMu.Lock()
	defer k.feedMu.Unlock()
	if k.feed == nil {
		return nil
	}
	return k.feed.Close()
}

func (k *Kalshi) ensureFeed() *feed {
	k.feedMu.Lock()
	defer k.feedMu.Unlock()
	if k.feed == nil {
		k.feed = newFeed(k.wsURL, k.client, k.Logger())
	}
	return k.feed
}

func (k *Kalshi) requireAuth() error {
	if !k.client.authenticated() {
		return fmt.Errorf("kalshi: API credentials not configured: %w", models.ErrAuthentication)
	}
	return nil
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, models.ErrMarketNotFound) || errors.Is(err, models.ErrEventNotFound)
}
