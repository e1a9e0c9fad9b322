package limitless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pmxt/pmxt-go/exchange"
	"github.com/pmxt/pmxt-go/models"
)

const (
	defaultBaseURL = "https://api.limitless.exchange"

	defaultChainID   = 8453 // Base mainnet
	defaultRateLimit = 100 * time.Millisecond

	// pageSize is the venue's fixed page size on /markets/active.
	pageSize = 25

	// maxPages caps full walks for query filtering.
	maxPages = 40

	usdcDecimals = 1e6
)

// Options configure the adapter. PrivateKey may stay empty for
// public-data use.
type Options struct {
	BaseURL string

	// PrivateKey is the hex-encoded wallet key used for EIP-712 order
	// signing.
	PrivateKey string
	ChainID    int

	RateLimit time.Duration
	Logger    *slog.Logger

	// PollInterval tunes the book-watch poll loop; the venue has no
	// public push stream.
	PollInterval time.Duration
}

// Limitless is the Limitless adapter.
type Limitless struct {
	*exchange.Base

	client *client

	pollerMu sync.Mutex
	poller   *poller
	pollRate time.Duration
}

var _ exchange.Exchange = (*Limitless)(nil)

// New builds a Limitless adapter.
func New(opts Options) (*Limitless, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.ChainID == 0 {
		opts.ChainID = defaultChainID
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}

	c := newClient(opts.BaseURL)
	if opts.PrivateKey != "" {
		s, err := newSigner(opts.PrivateKey, opts.ChainID)
		if err != nil {
			return nil, err
		}
		c.signer = s
	}

	l := &Limitless{
		Base:     exchange.NewBase("limitless", "Limitless", opts.RateLimit, opts.Logger),
		client:   c,
		pollRate: opts.PollInterval,
	}
	l.Bind(l)
	return l, nil
}

// FetchMarketsRaw implements exchange.Backend. The venue paginates with
// fixed 25-row pages; free-text queries walk the whole listing (capped)
// and filter client-side.
func (l *Limitless) FetchMarketsRaw(ctx context.Context, params models.MarketParams) ([]*models.Market, error) {
	if err := l.Throttle(ctx); err != nil {
		return nil, err
	}
	if params.Slug != "" {
		m, err := l.lookup(ctx, params.Slug)
		if err != nil || m == nil {
			return nil, err
		}
		return []*models.Market{m}, nil
	}

	limit := params.Limit
	if limit <= 0 {
		limit = pageSize
	}
	target := params.Offset + limit
	if params.Query != "" {
		target = 0 // full walk
	}

	var markets []*models.Market
	for page := 1; page <= maxPages; page++ {
		raws, totalPages, err := l.client.marketsPage(ctx, page, pageSize)
		if err != nil {
			return nil, err
		}
		for i := range raws {
			markets = append(markets, raws[i].toMarket())
		}
		if len(raws) < pageSize || (totalPages > 0 && page >= totalPages) {
			break
		}
		if target > 0 && len(markets) >= target {
			break
		}
	}

	if params.Query != "" {
		filtered := markets[:0]
		for _, m := range markets {
			if m.MatchesText(params.Query, params.SearchIn) {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	if params.Status == models.StatusClosed {
		// The active listing has nothing settled to offer.
		return nil, nil
	}
	markets = sortMarkets(markets, params.Sort)

	if params.Offset >= len(markets) {
		return nil, nil
	}
	end := params.Offset + limit
	if end > len(markets) {
		end = len(markets)
	}
	return markets[params.Offset:end], nil
}

// FetchEventsRaw implements exchange.Backend. The venue has no event
// grouping, so each market stands alone as its own event.
func (l *Limitless) FetchEventsRaw(ctx context.Context, params models.MarketParams) ([]*models.Event, error) {
	markets, err := l.FetchMarketsRaw(ctx, params)
	if err != nil {
		return nil, err
	}
	events := make([]*models.Event, 0, len(markets))
	for _, m := range markets {
		events = append(events, &models.Event{
			ID:      m.MarketID,
			Slug:    m.Slug,
			Title:   m.Title,
			URL:     m.URL,
			Markets: []*models.Market{m},
		})
	}
	return events, nil
}

func (l *Limitless) lookup(ctx context.Context, slug string) (*models.Market, error) {
	raw, err := l.client.market(ctx, slug)
	if err != nil {
		if errors.Is(err, models.ErrMarketNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return raw.toMarket(), nil
}

// FetchOrderBook returns the book for one outcome; the NO view mirrors
// the YES-quoted venue book.
func (l *Limitless) FetchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error) {
	if err := l.Throttle(ctx); err != nil {
		return nil, err
	}
	slug, side := splitOutcomeID(outcomeID)
	raw, err := l.client.orderbook(ctx, slug)
	if err != nil {
		return nil, err
	}
	return raw.toOrderBook(side), nil
}

// FetchTrades returns recent fills for one outcome.
func (l *Limitless) FetchTrades(ctx context.Context, outcomeID string, params models.TradeParams) ([]models.Trade, error) {
	if err := l.Throttle(ctx); err != nil {
		return nil, err
	}
	slug, side := splitOutcomeID(outcomeID)
	raws, err := l.client.trades(ctx, slug, params.Limit)
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

// FetchCandles buckets the venue's price-history samples client-side;
// there is no native candle endpoint.
func (l *Limitless) FetchCandles(ctx context.Context, outcomeID string, params models.CandleParams) ([]models.Candle, error) {
	if err := l.Throttle(ctx); err != nil {
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

	slug, side := splitOutcomeID(outcomeID)
	samples, err := l.client.history(ctx, slug, start, end)
	if err != nil {
		return nil, err
	}

	candles := bucketSamples(samples, side, step)
	if params.Limit > 0 && len(candles) > params.Limit {
		candles = candles[len(candles)-params.Limit:]
	}
	return candles, nil
}

// bucketSamples folds [unix seconds, cents] samples into fixed-width OHLC
// buckets. Samples arrive in YES terms; the NO view complements them.
// Buckets with no samples are omitted rather than forward-filled.
func bucketSamples(samples [][2]float64, side string, step time.Duration) []models.Candle {
	if len(samples) == 0 {
		return nil
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i][0] < samples[j][0] })

	stepSec := int64(step / time.Second)
	byBucket := make(map[int64]*models.Candle)
	var order []int64
	for _, s := range samples {
		price := centsToProb(s[1])
		if side == "no" {
			price = 1 - price
		}
		bucket := int64(s[0]) - int64(s[0])%stepSec
		c, ok := byBucket[bucket]
		if !ok {
			c = &models.Candle{
				Timestamp: time.Unix(bucket, 0),
				Open:      price,
				High:      price,
				Low:       price,
				Close:     price,
			}
			byBucket[bucket] = c
			order = append(order, bucket)
			continue
		}
		if price > c.High {
			c.High = price
		}
		if price < c.Low {
			c.Low = price
		}
		c.Close = price
	}

	out := make([]models.Candle, 0, len(order))
	for _, b := range order {
		out = append(out, *byBucket[b])
	}
	return out
}

// CreateOrder signs and places an order. Requires a configured private
// key. Market orders post as marketable limits at the price bound.
func (l *Limitless) CreateOrder(ctx context.Context, params models.CreateOrderParams) (*models.Order, error) {
	if l.client.signer == nil {
		return nil, fmt.Errorf("limitless: no signing key configured: %w", models.ErrAuthentication)
	}

	price := params.Price
	orderType := "GTC"
	if params.Type == models.OrderTypeMarket {
		orderType = "FOK"
		if params.Side == models.OrderSideBuy {
			price = 0.99
		} else {
			price = 0.01
		}
	}
	if price <= 0 || price >= 1 {
		return nil, fmt.Errorf("limitless: price %v outside (0,1): %w", price, models.ErrInvalidOrder)
	}
	if params.Amount <= 0 {
		return nil, fmt.Errorf("limitless: amount must be positive: %w", models.ErrInvalidOrder)
	}

	if err := l.Throttle(ctx); err != nil {
		return nil, err
	}
	slug, side := splitOutcomeID(params.OutcomeID)
	market, err := l.lookup(ctx, slug)
	if err != nil {
		return nil, err
	}
	if market == nil {
		return nil, fmt.Errorf("limitless: market %q: %w", slug, models.ErrMarketNotFound)
	}
	outcome := market.OutcomeByID(params.OutcomeID)
	if outcome == nil {
		return nil, fmt.Errorf("limitless: outcome %q: %w", params.OutcomeID, models.ErrMarketNotFound)
	}
	tokenID, _ := outcome.Metadata["tokenId"].(string)
	if tokenID == "" {
		return nil, fmt.Errorf("limitless: outcome %q has no token id: %w", params.OutcomeID, models.ErrInvalidOrder)
	}

	payload, err := l.buildOrder(tokenID, params.Side, price, params.Amount)
	if err != nil {
		return nil, err
	}
	signature, err := l.client.signer.SignOrder(payload)
	if err != nil {
		return nil, err
	}

	raw, err := l.client.placeOrder(ctx, map[string]any{
		"order":         payload,
		"signature":     signature,
		"ownerAddress":  l.client.signer.Address().Hex(),
		"marketSlug":    slug,
		"outcomeSide":   side,
		"orderType":     orderType,
		"price":         price * 100, // cents on the wire
		"size":          params.Amount,
		"clientOrderId": uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return raw.toOrder(), nil
}

// buildOrder assembles the signed CTF order fields. Amounts scale by the
// collateral token's 6 decimals: a buy offers price*amount USDC for
// amount shares, a sell the reverse.
func (l *Limitless) buildOrder(tokenID string, side models.OrderSide, price, amount float64) (orderPayload, error) {
	var makerAmount, takerAmount int64
	sideCode := 0
	if side == models.OrderSideSell {
		sideCode = 1
		makerAmount = int64(math.Round(amount * usdcDecimals))
		takerAmount = int64(math.Round(price * amount * usdcDecimals))
	} else {
		makerAmount = int64(math.Round(price * amount * usdcDecimals))
		takerAmount = int64(math.Round(amount * usdcDecimals))
	}

	address := l.client.signer.Address().Hex()
	return orderPayload{
		Salt:          strconv.FormatInt(time.Now().UnixNano(), 10),
		Maker:         address,
		Signer:        address,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   strconv.FormatInt(makerAmount, 10),
		TakerAmount:   strconv.FormatInt(takerAmount, 10),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideCode,
		SignatureType: 0,
	}, nil
}

// CancelOrder cancels one open order.
func (l *Limitless) CancelOrder(ctx context.Context, orderID string) error {
	if err := l.Throttle(ctx); err != nil {
		return err
	}
	return l.client.cancelOrder(ctx, orderID)
}

// FetchOrder returns one order by id.
func (l *Limitless) FetchOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if err := l.Throttle(ctx); err != nil {
		return nil, err
	}
	raw, err := l.client.order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return raw.toOrder(), nil
}

// FetchOpenOrders lists open orders, optionally narrowed to a market.
func (l *Limitless) FetchOpenOrders(ctx context.Context, marketID string) ([]*models.Order, error) {
	if err := l.Throttle(ctx); err != nil {
		return nil, err
	}
	raws, err := l.client.openOrders(ctx, marketID)
	if err != nil {
		return nil, err
	}
	orders := make([]*models.Order, 0, len(raws))
	for i := range raws {
		orders = append(orders, raws[i].toOrder())
	}
	return orders, nil
}

// FetchPositions lists share holdings.
func (l *Limitless) FetchPositions(ctx context.Context, marketID string) ([]models.Position, error) {
	if err := l.Throttle(ctx); err != nil {
		return nil, err
	}
	body, err := l.client.doAuthenticated(ctx, "GET", "/portfolio/positions", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			MarketSlug   string  `json:"marketSlug"`
			OutcomeSide  string  `json:"outcomeSide"`
			Size         float64 `json:"size"`
			AvgPrice     float64 `json:"avgPrice"`     // cents
			CurrentPrice float64 `json:"currentPrice"` // cents
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("limitless: decode positions: %w", err)
	}

	positions := make([]models.Position, 0, len(resp.Data))
	for _, p := range resp.Data {
		if marketID != "" && p.MarketSlug != marketID {
			continue
		}
		label := "Yes"
		if p.OutcomeSide == "no" {
			label = "No"
		}
		positions = append(positions, models.Position{
			MarketID:     p.MarketSlug,
			OutcomeID:    p.MarketSlug + ":" + p.OutcomeSide,
			Label:        label,
			Size:         p.Size,
			AveragePrice: centsToProb(p.AvgPrice),
			CurrentPrice: centsToProb(p.CurrentPrice),
		})
	}
	return positions, nil
}

// FetchBalance returns the USDC collateral balance.
func (l *Limitless) FetchBalance(ctx context.Context) ([]models.Balance, error) {
	if err := l.Throttle(ctx); err != nil {
		return nil, err
	}
	body, err := l.client.doAuthenticated(ctx, "GET", "/portfolio/balance", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Balance   float64 `json:"balance,string"`
		Available float64 `json:"available,string"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("limitless: decode balance: %w", err)
	}
	if resp.Available == 0 {
		resp.Available = resp.Balance
	}
	return []models.Balance{{Currency: "USDC", Total: resp.Balance, Available: resp.Available}}, nil
}

// WatchOrderBook blocks until the book next changes. The venue exposes no
// public push stream, so the watch surface is backed by a REST poll loop.
func (l *Limitless) WatchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error) {
	ch, err := l.ensurePoller().BookChannel(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	return ch.Next(ctx)
}

// WatchTrades: the venue publishes no trade stream.
func (l *Limitless) WatchTrades(ctx context.Context, outcomeID string) ([]models.Trade, error) {
	return nil, fmt.Errorf("limitless: no trade stream: %w", models.ErrNotSupported)
}

// Close tears down the poll loop. Idempotent.
func (l *Limitless) Close() error {
	l.pollerMu.Lock()
	defer l.pollerMu.Unlock()
	if l.poller == nil {
		return nil
	}
	return l.poller.Close()
}

func (l *Limitless) ensurePoller() *poller {
	l.pollerMu.Lock()
	defer l.pollerMu.Unlock()
	if l.poller == nil {
		l.poller = newPoller(l.client, l.pollRate, l.Logger())
	}
	return l.poller
}

// sortMarkets orders a listing by the requested key, stably so equal keys
// keep venue order.
func sortMarkets(markets []*models.Market, key string) []*models.Market {
	switch key {
	case models.SortLiquidity:
		sort.SliceStable(markets, func(i, j int) bool { return markets[i].Liquidity > markets[j].Liquidity })
	case models.SortNewest:
		sort.SliceStable(markets, func(i, j int) bool {
			return markets[i].ResolutionDate.After(markets[j].ResolutionDate)
		})
	case models.SortVolume:
		sort.SliceStable(markets, func(i, j int) bool { return markets[i].Volume > markets[j].Volume })
	}
	return markets
}
