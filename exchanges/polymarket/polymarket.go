// Package polymarket implements the unified exchange contract for
// Polymarket: Gamma REST for discovery, the CLOB REST API for books,
// trades, history, and order flow (EIP-712 + HMAC L2 auth), and the CLOB
// WebSocket market channel for realtime watching.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pmxt/pmxt-go/exchange"
	"github.com/pmxt/pmxt-go/models"
)

const (
	defaultGammaURL = "https://gamma-api.polymarket.com"
	defaultClobURL  = "https://clob.polymarket.com"
	defaultDataURL  = "https://data-api.polymarket.com"
	defaultWSURL    = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	defaultRateLimit = 100 * time.Millisecond
)

// Options configure the adapter. Zero values fall back to production
// endpoints; PrivateKey may stay empty for public-data use.
type Options struct {
	GammaURL string
	ClobURL  string
	DataURL  string
	WSURL    string

	// PrivateKey is the hex-encoded wallet key used for EIP-712 order
	// signing and the derive-api-key flow.
	PrivateKey string
	ChainID    int // default 137 (Polygon mainnet)

	RateLimit time.Duration
	Logger    *slog.Logger
}

// Polymarket is the Polymarket adapter.
type Polymarket struct {
	*exchange.Base

	gamma   *gammaClient
	clob    *clobClient
	dataURL string
	httpc   *http.Client

	feedMu sync.Mutex
	feed   *marketFeed
	wsURL  string

	authMu sync.Mutex
}

var _ exchange.Exchange = (*Polymarket)(nil)

// New builds a Polymarket adapter.
func New(opts Options) (*Polymarket, error) {
	if opts.GammaURL == "" {
		opts.GammaURL = defaultGammaURL
	}
	if opts.ClobURL == "" {
		opts.ClobURL = defaultClobURL
	}
	if opts.DataURL == "" {
		opts.DataURL = defaultDataURL
	}
	if opts.WSURL == "" {
		opts.WSURL = defaultWSURL
	}
	if opts.ChainID == 0 {
		opts.ChainID = 137
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = defaultRateLimit
	}

	var s *signer
	if opts.PrivateKey != "" {
		var err error
		s, err = newSigner(opts.PrivateKey, opts.ChainID)
		if err != nil {
			return nil, err
		}
	}

	p := &Polymarket{
		Base:    exchange.NewBase("polymarket", "Polymarket", opts.RateLimit, opts.Logger),
		gamma:   newGammaClient(opts.GammaURL),
		clob:    newClobClient(opts.ClobURL, s),
		dataURL: opts.DataURL,
		wsURL:   opts.WSURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	p.Bind(p)
	return p, nil
}

// FetchMarketsRaw implements exchange.Backend.
func (p *Polymarket) FetchMarketsRaw(ctx context.Context, params models.MarketParams) ([]*models.Market, error) {
	if err := p.Throttle(ctx); err != nil {
		return nil, err
	}
	return p.gamma.Markets(ctx, params)
}

// FetchEventsRaw implements exchange.Backend.
func (p *Polymarket) FetchEventsRaw(ctx context.Context, params models.MarketParams) ([]*models.Event, error) {
	if err := p.Throttle(ctx); err != nil {
		return nil, err
	}
	return p.gamma.Events(ctx, params)
}

// FetchOrderBook returns the current CLOB book for one token.
func (p *Polymarket) FetchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error) {
	if err := p.Throttle(ctx); err != nil {
		return nil, err
	}
	return p.clob.Book(ctx, outcomeID)
}

// FetchTrades returns the public trade tape for one token.
func (p *Polymarket) FetchTrades(ctx context.Context, outcomeID string, params models.TradeParams) ([]models.Trade, error) {
	if err := p.Throttle(ctx); err != nil {
		return nil, err
	}
	return p.clob.Trades(ctx, outcomeID, params)
}

// FetchCandles builds OHLC candles client-side from the CLOB price
// history, bucketed by the requested resolution. The venue exposes raw
// price samples only, so candle volume is always zero.
func (p *Polymarket) FetchCandles(ctx context.Context, outcomeID string, params models.CandleParams) ([]models.Candle, error) {
	if err := p.Throttle(ctx); err != nil {
		return nil, err
	}

	res := params.Resolution
	if res == "" {
		res = models.Resolution1h
	}
	step := res.Duration()

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
		start = end.Add(-time.Duration(span) * step)
	}

	points, err := p.clob.PriceHistory(ctx, outcomeID, start, end)
	if err != nil {
		return nil, err
	}
	candles := bucketCandles(points, step)
	if params.Limit > 0 && len(candles) > params.Limit {
		candles = candles[len(candles)-params.Limit:]
	}
	return candles, nil
}

// bucketCandles folds raw price samples into fixed-width OHLC buckets.
// Buckets with no samples are omitted rather than forward-filled.
func bucketCandles(points []pricePoint, step time.Duration) []models.Candle {
	if len(points) == 0 {
		return nil
	}
	sort.Slice(points, func(i, j int) bool { return points[i].T < points[j].T })

	stepSec := int64(step / time.Second)
	byBucket := make(map[int64]*models.Candle)
	var order []int64
	for _, pt := range points {
		bucket := pt.T - pt.T%stepSec
		c, ok := byBucket[bucket]
		if !ok {
			c = &models.Candle{
				Timestamp: time.Unix(bucket, 0),
				Open:      pt.P,
				High:      pt.P,
				Low:       pt.P,
				Close:     pt.P,
			}
			byBucket[bucket] = c
			order = append(order, bucket)
			continue
		}
		if pt.P > c.High {
			c.High = pt.P
		}
		if pt.P < c.Low {
			c.Low = pt.P
		}
		c.Close = pt.P
	}

	out := make([]models.Candle, 0, len(order))
	for _, b := range order {
		out = append(out, *byBucket[b])
	}
	return out
}

// CreateOrder signs and places an order. Requires a configured private
// key.
func (p *Polymarket) CreateOrder(ctx context.Context, params models.CreateOrderParams) (*models.Order, error) {
	if err := p.ensureAuth(ctx); err != nil {
		return nil, err
	}
	if params.Type == models.OrderTypeLimit && (params.Price <= 0 || params.Price >= 1) {
		return nil, fmt.Errorf("polymarket: limit price %v outside (0,1): %w",
			params.Price, models.ErrInvalidOrder)
	}
	if err := p.Throttle(ctx); err != nil {
		return nil, err
	}
	return p.clob.PostOrder(ctx, params)
}

// CancelOrder cancels one order.
func (p *Polymarket) CancelOrder(ctx context.Context, orderID string) error {
	if err := p.ensureAuth(ctx); err != nil {
		return err
	}
	if err := p.Throttle(ctx); err != nil {
		return err
	}
	return p.clob.CancelOrder(ctx, orderID)
}

// FetchOrder returns one order by id.
func (p *Polymarket) FetchOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if err := p.ensureAuth(ctx); err != nil {
		return nil, err
	}
	if err := p.Throttle(ctx); err != nil {
		return nil, err
	}
	return p.clob.Order(ctx, orderID)
}

// FetchOpenOrders lists open orders, optionally narrowed to a market.
func (p *Polymarket) FetchOpenOrders(ctx context.Context, marketID string) ([]*models.Order, error) {
	if err := p.ensureAuth(ctx); err != nil {
		return nil, err
	}
	if err := p.Throttle(ctx); err != nil {
		return nil, err
	}
	return p.clob.OpenOrders(ctx, marketID)
}

// FetchPositions lists the wallet's outcome holdings via the data API.
func (p *Polymarket) FetchPositions(ctx context.Context, marketID string) ([]models.Position, error) {
	if p.clob.signer == nil {
		return nil, fmt.Errorf("polymarket: no private key configured: %w", models.ErrAuthentication)
	}
	if err := p.Throttle(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("user", p.clob.signer.Address().Hex())
	if marketID != "" {
		q.Set("market", marketID)
	}
	body, err := p.dataGet(ctx, "/positions?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket: fetch positions: %w", err)
	}

	var raw []struct {
		ConditionID string  `json:"conditionId"`
		Asset       string  `json:"asset"`
		Outcome     string  `json:"outcome"`
		Size        float64 `json:"size"`
		AvgPrice    float64 `json:"avgPrice"`
		CurPrice    float64 `json:"curPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket: decode positions: %w", err)
	}

	positions := make([]models.Position, 0, len(raw))
	for _, r := range raw {
		positions = append(positions, models.Position{
			MarketID:     r.ConditionID,
			OutcomeID:    r.Asset,
			Label:        r.Outcome,
			Size:         r.Size,
			AveragePrice: r.AvgPrice,
			CurrentPrice: r.CurPrice,
		})
	}
	return positions, nil
}

// FetchBalance returns the wallet's USDC collateral balance.
func (p *Polymarket) FetchBalance(ctx context.Context) ([]models.Balance, error) {
	if err := p.ensureAuth(ctx); err != nil {
		return nil, err
	}
	if err := p.Throttle(ctx); err != nil {
		return nil, err
	}

	body, err := p.clob.doAuthenticated(ctx, http.MethodGet, "/balance-allowance?asset_type=COLLATERAL", nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket: fetch balance: %w", err)
	}
	var raw struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket: decode balance: %w", err)
	}
	units, _ := strconv.ParseFloat(raw.Balance, 64)
	total := units / usdcDecimals
	return []models.Balance{{Currency: "USDC", Total: total, Available: total}}, nil
}

// WatchOrderBook blocks until the next book update for outcomeID.
func (p *Polymarket) WatchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error) {
	ch, err := p.ensureFeed().BookChannel(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	return ch.Next(ctx)
}

// WatchTrades blocks until the next trade print for outcomeID.
func (p *Polymarket) WatchTrades(ctx context.Context, outcomeID string) ([]models.Trade, error) {
	ch, err := p.ensureFeed().TradeChannel(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	return ch.Next(ctx)
}

// Close tears down the realtime feed. Idempotent.
func (p *Polymarket) Close() error {
	p.feedMu.Lock()
	defer p.feedMu.Unlock()
	if p.feed == nil {
		return nil
	}
	return p.feed.Close()
}

func (p *Polymarket) ensureFeed() *marketFeed {
	p.feedMu.Lock()
	defer p.feedMu.Unlock()
	if p.feed == nil {
		p.feed = newMarketFeed(p.wsURL, p.Logger())
	}
	return p.feed
}

// ensureAuth lazily runs the derive-api-key flow the first time an
// authenticated endpoint is used.
func (p *Polymarket) ensureAuth(ctx context.Context) error {
	if p.clob.signer == nil {
		return fmt.Errorf("polymarket: no private key configured: %w", models.ErrAuthentication)
	}
	p.authMu.Lock()
	defer p.authMu.Unlock()
	if p.clob.auth != nil {
		return nil
	}
	return p.clob.DeriveAPIKey(ctx)
}

func (p *Polymarket) dataGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.dataURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", models.ErrNetwork, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body, models.ErrMarketNotFound); err != nil {
		return nil, err
	}
	return body, nil
}
