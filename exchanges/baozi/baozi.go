package baozi

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pmxt/pmxt-go/exchange"
	"github.com/pmxt/pmxt-go/models"
)

const (
	defaultRPCURL = "https://api.mainnet-beta.solana.com"
	defaultWSURL  = "wss://api.mainnet-beta.solana.com"

	// defaultProgramID is the venue's deployed program.
	defaultProgramID = "BAoZi9kDkBVg5qhfGAnsqbj9FH77UuTZYzNxNPmdV2c5"

	defaultRateLimit = 200 * time.Millisecond
)

// positionOwnerOffset is the byte offset of the owner key inside a
// position account: right after the 8-byte discriminator.
const positionOwnerOffset = 8

// StakeInstruction describes one pari-mutuel stake for signing.
type StakeInstruction struct {
	Market   string
	Outcome  uint8
	Lamports uint64
}

// SignFunc builds and signs the stake transaction, returning it base64
// encoded for submission. Key custody stays with the caller.
type SignFunc func(ctx context.Context, ins StakeInstruction) (string, error)

// Options configure the adapter. Wallet and Sign may stay empty for
// public-data use.
type Options struct {
	RPCURL    string
	WSURL     string
	ProgramID string

	Wallet string
	Sign   SignFunc

	RateLimit time.Duration
	Logger    *slog.Logger
}

// Baozi is the Baozi adapter. Markets are program accounts decoded from
// their borsh layout; there is no order book, no trade tape, and no
// cancellation: a placed stake is irrevocable.
type Baozi struct {
	*exchange.Base

	rpc       *rpcClient
	programID string
	wallet    string
	sign      SignFunc

	feedMu sync.Mutex
	feed   *feed
	wsURL  string
}

var _ exchange.Exchange = (*Baozi)(nil)

// New builds a Baozi adapter.
func New(opts Options) (*Baozi, error) {
	if opts.RPCURL == "" {
		opts.RPCURL = defaultRPCURL
	}
	if opts.WSURL == "" {
		opts.WSURL = defaultWSURL
	}
	if opts.ProgramID == "" {
		opts.ProgramID = defaultProgramID
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = defaultRateLimit
	}

	b := &Baozi{
		Base:      exchange.NewBase("baozi", "Baozi", opts.RateLimit, opts.Logger),
		rpc:       newRPCClient(opts.RPCURL),
		programID: opts.ProgramID,
		wallet:    opts.Wallet,
		sign:      opts.Sign,
		wsURL:     opts.WSURL,
	}
	b.Bind(b)
	return b, nil
}

// FetchMarketsRaw implements exchange.Backend. The venue has no server
// paging or search: one program scan returns every market account, and
// query/sort/window all apply client-side.
func (b *Baozi) FetchMarketsRaw(ctx context.Context, params models.MarketParams) ([]*models.Market, error) {
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	if params.Slug != "" {
		m, err := b.lookup(ctx, params.Slug)
		if err != nil || m == nil {
			return nil, err
		}
		return []*models.Market{m}, nil
	}

	markets, err := b.scanMarkets(ctx)
	if err != nil {
		return nil, err
	}

	filtered := markets[:0]
	for _, m := range markets {
		if params.Status == models.StatusActive && m.Closed {
			continue
		}
		if params.Status == models.StatusClosed && !m.Closed {
			continue
		}
		if params.Query != "" && !m.MatchesText(params.Query, params.SearchIn) {
			continue
		}
		filtered = append(filtered, m)
	}
	markets = sortMarkets(filtered, params.Sort)

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
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
func (b *Baozi) FetchEventsRaw(ctx context.Context, params models.MarketParams) ([]*models.Event, error) {
	markets, err := b.FetchMarketsRaw(ctx, params)
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

// lookup resolves one market by account address or numeric market id.
func (b *Baozi) lookup(ctx context.Context, slug string) (*models.Market, error) {
	// An address resolves with a single account fetch.
	data, err := b.rpc.getAccountInfo(ctx, slug)
	if err != nil {
		return nil, err
	}
	if data != nil {
		return decodeMarketAccount(slug, data)
	}

	// Otherwise scan and match the numeric id.
	markets, err := b.scanMarkets(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range markets {
		if m.Slug == slug {
			return m, nil
		}
	}
	return nil, nil
}

func (b *Baozi) scanMarkets(ctx context.Context) ([]*models.Market, error) {
	accounts, err := b.rpc.getProgramAccounts(ctx, b.programID, 0, "")
	if err != nil {
		return nil, err
	}
	var markets []*models.Market
	for _, account := range accounts {
		m, err := decodeMarketAccount(account.Pubkey, account.Data)
		if err != nil {
			b.Logger().Debug("undecodable market account skipped",
				"address", account.Pubkey, "error", err)
			continue
		}
		if m != nil {
			markets = append(markets, m)
		}
	}
	return markets, nil
}

// FetchOrderBook returns the synthetic one-level book for an outcome: the
// pool-implied probability as price on both sides, total pool as size.
func (b *Baozi) FetchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error) {
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	market, outcome, err := b.resolveOutcome(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	return syntheticBook(outcome.Price, market.Volume), nil
}

func (b *Baozi) resolveOutcome(ctx context.Context, outcomeID string) (*models.Market, *models.Outcome, error) {
	address, _ := splitOutcomeID(outcomeID)
	data, err := b.rpc.getAccountInfo(ctx, address)
	if err != nil {
		return nil, nil, err
	}
	if data == nil {
		return nil, nil, fmt.Errorf("baozi: no account at %s: %w", address, models.ErrMarketNotFound)
	}
	market, err := decodeMarketAccount(address, data)
	if err != nil {
		return nil, nil, err
	}
	if market == nil {
		return nil, nil, fmt.Errorf("baozi: account %s is not a market: %w", address, models.ErrMarketNotFound)
	}
	outcome := market.OutcomeByID(outcomeID)
	if outcome == nil {
		return nil, nil, fmt.Errorf("baozi: outcome %s: %w", outcomeID, models.ErrMarketNotFound)
	}
	return market, outcome, nil
}

// FetchCandles: the chain keeps no price history, only current pool state.
func (b *Baozi) FetchCandles(ctx context.Context, outcomeID string, params models.CandleParams) ([]models.Candle, error) {
	return nil, fmt.Errorf("baozi: no price history on chain: %w", models.ErrExchangeNotAvailable)
}

// FetchTrades: pari-mutuel stakes pool rather than match, so there is no
// trade tape.
func (b *Baozi) FetchTrades(ctx context.Context, outcomeID string, params models.TradeParams) ([]models.Trade, error) {
	return nil, fmt.Errorf("baozi: no trade tape: %w", models.ErrNotSupported)
}

// CreateOrder places a stake. Pari-mutuel rules constrain the surface:
// buys only, at the pool-implied price, filled on confirmation.
func (b *Baozi) CreateOrder(ctx context.Context, params models.CreateOrderParams) (*models.Order, error) {
	if b.sign == nil {
		return nil, fmt.Errorf("baozi: no transaction signer configured: %w", models.ErrAuthentication)
	}
	if params.Side == models.OrderSideSell {
		return nil, fmt.Errorf("baozi: stakes cannot be sold back to the pool: %w", models.ErrInvalidOrder)
	}
	if params.Type == models.OrderTypeLimit {
		return nil, fmt.Errorf("baozi: pari-mutuel stakes fill at pool odds, not a limit price: %w", models.ErrInvalidOrder)
	}
	if params.Amount <= 0 {
		return nil, fmt.Errorf("baozi: stake amount must be positive: %w", models.ErrInvalidOrder)
	}

	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	market, outcome, err := b.resolveOutcome(ctx, params.OutcomeID)
	if err != nil {
		return nil, err
	}
	if market.Closed {
		return nil, fmt.Errorf("baozi: market %s is closed: %w", market.MarketID, models.ErrInvalidOrder)
	}
	index, err := outcomeIndex(market, params.OutcomeID)
	if err != nil {
		return nil, err
	}

	signedTx, err := b.sign(ctx, StakeInstruction{
		Market:   market.MarketID,
		Outcome:  index,
		Lamports: uint64(math.Round(params.Amount * lamportsPerSOL)),
	})
	if err != nil {
		return nil, fmt.Errorf("baozi: sign stake: %w", err)
	}
	signature, err := b.rpc.sendTransaction(ctx, signedTx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &models.Order{
		ID:        signature,
		MarketID:  market.MarketID,
		OutcomeID: params.OutcomeID,
		Side:      models.OrderSideBuy,
		Type:      models.OrderTypeMarket,
		Price:     outcome.Price,
		Amount:    params.Amount,
		Filled:    params.Amount,
		Status:    models.OrderStatusFilled,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// outcomeIndex maps an outcome id to the program's outcome index.
func outcomeIndex(market *models.Market, outcomeID string) (uint8, error) {
	_, suffix := splitOutcomeID(outcomeID)
	switch suffix {
	case "yes":
		return 0, nil
	case "no":
		return 1, nil
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 || n >= len(market.Outcomes) {
		return 0, fmt.Errorf("baozi: outcome index %q out of range: %w", suffix, models.ErrInvalidOrder)
	}
	return uint8(n), nil
}

// CancelOrder always fails: a pari-mutuel stake joins the pool and cannot
// be withdrawn.
func (b *Baozi) CancelOrder(ctx context.Context, orderID string) error {
	return fmt.Errorf("baozi: stakes are irrevocable: %w", models.ErrInvalidOrder)
}

// FetchOrder: a stake fills on confirmation and leaves no order record.
func (b *Baozi) FetchOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return nil, fmt.Errorf("baozi: stakes leave no order record: %w", models.ErrNotSupported)
}

// FetchOpenOrders: nothing rests on a pari-mutuel venue.
func (b *Baozi) FetchOpenOrders(ctx context.Context, marketID string) ([]*models.Order, error) {
	return nil, nil
}

// FetchPositions scans the wallet's position accounts. Current prices are
// filled best-effort from each position's market account.
func (b *Baozi) FetchPositions(ctx context.Context, marketID string) ([]models.Position, error) {
	if b.wallet == "" {
		return nil, fmt.Errorf("baozi: no wallet configured: %w", models.ErrAuthentication)
	}
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}

	accounts, err := b.rpc.getProgramAccounts(ctx, b.programID, positionOwnerOffset, b.wallet)
	if err != nil {
		return nil, err
	}

	var positions []models.Position
	for _, account := range accounts {
		p, err := decodePositionAccount(account.Data)
		if err != nil || p == nil {
			continue
		}
		if p.Claimed {
			continue
		}
		if marketID != "" && p.Market != marketID {
			continue
		}

		outcomeID := p.Market + ":" + strconv.Itoa(int(p.Outcome))
		pos := models.Position{
			MarketID:  p.Market,
			OutcomeID: outcomeID,
			Size:      float64(p.Stake) / lamportsPerSOL,
		}
		if _, outcome, err := b.resolveOutcome(ctx, p.Market+":"+outcomeSuffix(p.Outcome)); err == nil {
			pos.OutcomeID = outcome.OutcomeID
			pos.Label = outcome.Label
			pos.CurrentPrice = outcome.Price
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// outcomeSuffix renders an outcome index in the id convention: binary
// markets use yes/no, races use the numeric index. Index 0 and 1 render
// as yes/no and still resolve on race markets via the numeric fallback.
func outcomeSuffix(index uint8) string {
	switch index {
	case 0:
		return "yes"
	case 1:
		return "no"
	default:
		return strconv.Itoa(int(index))
	}
}

// FetchBalance returns the wallet's SOL balance.
func (b *Baozi) FetchBalance(ctx context.Context) ([]models.Balance, error) {
	if b.wallet == "" {
		return nil, fmt.Errorf("baozi: no wallet configured: %w", models.ErrAuthentication)
	}
	if err := b.Throttle(ctx); err != nil {
		return nil, err
	}
	lamports, err := b.rpc.getBalance(ctx, b.wallet)
	if err != nil {
		return nil, err
	}
	total := float64(lamports) / lamportsPerSOL
	return []models.Balance{{Currency: "SOL", Total: total, Available: total}}, nil
}

// WatchOrderBook blocks until the market account next changes, delivering
// the re-rendered synthetic book.
func (b *Baozi) WatchOrderBook(ctx context.Context, outcomeID string) (*models.OrderBook, error) {
	ch, err := b.ensureFeed().BookChannel(ctx, outcomeID)
	if err != nil {
		return nil, err
	}
	return ch.Next(ctx)
}

// WatchTrades: no trade tape exists to stream.
func (b *Baozi) WatchTrades(ctx context.Context, outcomeID string) ([]models.Trade, error) {
	return nil, fmt.Errorf("baozi: no trade tape: %w", models.ErrNotSupported)
}

// Close tears down the realtime feed. Idempotent.
func (b *Baozi) Close() error {
	b.feedMu.Lock()
	defer b.feedMu.Unlock()
	if b.feed == nil {
		return nil
	}
	return b.feed.Close()
}

func (b *Baozi) ensureFeed() *feed {
	b.feedMu.Lock()
	defer b.feedMu.Unlock()
	if b.feed == nil {
		b.feed = newFeed(b.wsURL, b.Logger())
	}
	return b.feed
}

// sortMarkets orders a listing by the requested key, stably so equal keys
// keep scan order.
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
