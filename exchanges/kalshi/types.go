package kalshi

import (
	"strings"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

// Outcome id convention: Kalshi markets are binary and the venue keys
// everything by market ticker, so outcome ids are "<TICKER>:yes" and
// "<TICKER>:no".
const (
	yesSuffix = ":yes"
	noSuffix  = ":no"
)

func splitOutcomeID(outcomeID string) (ticker, side string) {
	if t, ok := strings.CutSuffix(outcomeID, yesSuffix); ok {
		return t, "yes"
	}
	if t, ok := strings.CutSuffix(outcomeID, noSuffix); ok {
		return t, "no"
	}
	return outcomeID, "yes"
}

// apiMarket is a market as returned by the Kalshi REST API. Prices are in
// cents (1-99).
type apiMarket struct {
	Ticker        string  `json:"ticker"`
	EventTicker   string  `json:"event_ticker"`
	Title         string  `json:"title"`
	Subtitle      string  `json:"subtitle"`
	RulesPrimary  string  `json:"rules_primary"`
	Status        string  `json:"status"` // "active"/"open", "closed", "settled"
	YesBid        float64 `json:"yes_bid"`
	YesAsk        float64 `json:"yes_ask"`
	LastPrice     float64 `json:"last_price"`
	PreviousPrice float64 `json:"previous_price"`
	Volume        int64   `json:"volume"`
	Volume24H     int64   `json:"volume_24h"`
	OpenInterest  int64   `json:"open_interest"`
	Liquidity     int64   `json:"liquidity"`
	Category      string  `json:"category"`
	CloseTime     string  `json:"close_time"`
}

// centsToProb converts a 1-99 cent price into a probability.
func centsToProb(cents float64) float64 { return cents / 100 }

func (m *apiMarket) toMarket() *models.Market {
	yesPrice := centsToProb(m.LastPrice)
	if m.LastPrice == 0 {
		// No prints yet: fall back to the bid/ask midpoint.
		if m.YesBid > 0 || m.YesAsk > 0 {
			yesPrice = centsToProb((m.YesBid + m.YesAsk) / 2)
		}
	}
	change := float64(0)
	if m.PreviousPrice > 0 {
		change = centsToProb(m.LastPrice - m.PreviousPrice)
	}

	title := m.Title
	if m.Subtitle != "" {
		title = m.Title + " — " + m.Subtitle
	}

	out := &models.Market{
		MarketID:    m.Ticker,
		Title:       title,
		Description: m.RulesPrimary,
		Volume:      float64(m.Volume),
		Volume24h:   float64(m.Volume24H),
		Liquidity:   float64(m.Liquidity) / 100, // cents → dollars
		Category:    m.Category,
		URL:         "https://kalshi.com/markets/" + strings.ToLower(m.EventTicker),
		Closed:      m.Status != "active" && m.Status != "open",
	}
	if m.CloseTime != "" {
		if t, err := time.Parse(time.RFC3339, m.CloseTime); err == nil {
			out.ResolutionDate = t
		}
	}
	out.Outcomes = []*models.Outcome{
		{
			OutcomeID:      m.Ticker + yesSuffix,
			MarketID:       m.Ticker,
			Label:          "Yes",
			Price:          yesPrice,
			PriceChange24h: change,
		},
		{
			OutcomeID:      m.Ticker + noSuffix,
			MarketID:       m.Ticker,
			Label:          "No",
			Price:          1 - yesPrice,
			PriceChange24h: -change,
		},
	}
	out.LinkOutcomes()
	return out
}

// apiEvent is an event as returned by the Kalshi REST API.
type apiEvent struct {
	EventTicker string      `json:"event_ticker"`
	Title       string      `json:"title"`
	Category    string      `json:"category"`
	Markets     []apiMarket `json:"markets"`
}

func (e *apiEvent) toEvent() *models.Event {
	out := &models.Event{
		ID:    e.EventTicker,
		Title: e.Title,
		Slug:  strings.ToLower(e.EventTicker),
		URL:   "https://kalshi.com/markets/" + strings.ToLower(e.EventTicker),
	}
	for i := range e.Markets {
		m := e.Markets[i].toMarket()
		if m.Category == "" {
			m.Category = e.Category
		}
		out.Markets = append(out.Markets, m)
	}
	return out
}

// apiLevel is one price level in the venue book: [cents, contracts].
type apiLevel [2]float64

// apiOrderbook carries both sides as bids in their own outcome's cents:
// "yes" holds YES bids, "no" holds NO bids. A NO bid at price p is an ask
// for YES at 100-p.
type apiOrderbook struct {
	Yes []apiLevel `json:"yes"`
	No  []apiLevel `json:"no"`
}

// toOrderBook renders the book from the perspective of the requested side.
func (b *apiOrderbook) toOrderBook(side string) *models.OrderBook {
	own, opp := b.Yes, b.No
	if side == "no" {
		own, opp = b.No, b.Yes
	}

	out := &models.OrderBook{Timestamp: time.Now()}
	for _, lv := range own {
		out.Bids = append(out.Bids, models.Level{
			Price: centsToProb(lv[0]),
			Size:  lv[1],
		})
	}
	for _, lv := range opp {
		out.Asks = append(out.Asks, models.Level{
			Price: centsToProb(100 - lv[0]),
			Size:  lv[1],
		})
	}
	out.SortSides()
	return out
}

// apiTrade is one public trade.
type apiTrade struct {
	TradeID     string  `json:"trade_id"`
	Ticker      string  `json:"ticker"`
	YesPrice    float64 `json:"yes_price"`
	NoPrice     float64 `json:"no_price"`
	Count       float64 `json:"count"`
	TakerSide   string  `json:"taker_side"` // "yes" or "no"
	CreatedTime string  `json:"created_time"`
}

func (t *apiTrade) toTrade(side string) models.Trade {
	price := centsToProb(t.YesPrice)
	if side == "no" {
		price = centsToProb(t.NoPrice)
	}
	out := models.Trade{
		ID:     t.TradeID,
		Price:  price,
		Amount: t.Count,
	}
	// The taker lifting the yes side is a buy of YES.
	switch t.TakerSide {
	case side:
		out.Side = models.TradeSideBuy
	case "":
		out.Side = models.TradeSideUnknown
	default:
		out.Side = models.TradeSideSell
	}
	if ts, err := time.Parse(time.RFC3339, t.CreatedTime); err == nil {
		out.Timestamp = ts
	}
	return out
}

// apiCandle is one candlestick row. Price OHLC is in cents.
type apiCandle struct {
	EndPeriodTS int64 `json:"end_period_ts"`
	Price       struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"price"`
	Volume float64 `json:"volume"`
}

func (c *apiCandle) toCandle(period time.Duration) models.Candle {
	return models.Candle{
		Timestamp: time.Unix(c.EndPeriodTS, 0).Add(-period),
		Open:      centsToProb(c.Price.Open),
		High:      centsToProb(c.Price.High),
		Low:       centsToProb(c.Price.Low),
		Close:     centsToProb(c.Price.Close),
		Volume:    c.Volume,
	}
}

// apiOrder is an order in portfolio responses.
type apiOrder struct {
	OrderID        string  `json:"order_id"`
	Ticker         string  `json:"ticker"`
	Status         string  `json:"status"` // "resting", "canceled", "executed", "pending"
	Action         string  `json:"action"` // "buy" or "sell"
	Side           string  `json:"side"`   // "yes" or "no"
	Type           string  `json:"type"`
	YesPrice       float64 `json:"yes_price"`
	NoPrice        float64 `json:"no_price"`
	InitialCount   float64 `json:"initial_count"`
	RemainingCount float64 `json:"remaining_count"`
	CreatedTime    string  `json:"created_time"`
	LastUpdateTime string  `json:"last_update_time"`
}

func (o *apiOrder) toOrder() *models.Order {
	price := centsToProb(o.YesPrice)
	if o.Side == "no" {
		price = centsToProb(o.NoPrice)
	}
	out := &models.Order{
		ID:        o.OrderID,
		MarketID:  o.Ticker,
		OutcomeID: o.Ticker + ":" + o.Side,
		Price:     price,
		Amount:    o.InitialCount,
		Filled:    o.InitialCount - o.RemainingCount,
	}
	if o.Action == "sell" {
		out.Side = models.OrderSideSell
	} else {
		out.Side = models.OrderSideBuy
	}
	if o.Type == "market" {
		out.Type = models.OrderTypeMarket
	} else {
		out.Type = models.OrderTypeLimit
	}
	out.Status = mapOrderStatus(o.Status, out.Filled, out.Amount)
	if t, err := time.Parse(time.RFC3339, o.CreatedTime); err == nil {
		out.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, o.LastUpdateTime); err == nil {
		out.UpdatedAt = t
	}
	return out
}

// mapOrderStatus translates the venue's status vocabulary ("resting" means
// open on the book) into the normalized lifecycle enum.
func mapOrderStatus(status string, filled, amount float64) models.OrderStatus {
	switch status {
	case "resting":
		if filled > 0 && filled < amount {
			return models.OrderStatusPartiallyFilled
		}
		return models.OrderStatusOpen
	case "executed":
		return models.OrderStatusFilled
	case "canceled", "cancelled":
		return models.OrderStatusCancelled
	case "pending":
		return models.OrderStatusPending
	default:
		return models.OrderStatusPending
	}
}

// apiError is the venue's error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
