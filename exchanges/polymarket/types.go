package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// stringList unmarshals Gamma's doubly-encoded arrays: some fields arrive
// as a JSON string containing a JSON array, e.g. "[\"Yes\",\"No\"]", others
// as a plain array.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var direct []string
	if err := json.Unmarshal(data, &direct); err == nil {
		*l = direct
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	if encoded == "" {
		*l = nil
		return nil
	}
	var inner []string
	if err := json.Unmarshal([]byte(encoded), &inner); err != nil {
		return err
	}
	*l = inner
	return nil
}

// gammaMarket is a market as returned by the Gamma API.
type gammaMarket struct {
	ID            string     `json:"id"`
	Question      string     `json:"question"`
	Description   string     `json:"description"`
	Slug          string     `json:"slug"`
	Active        flexBool   `json:"active"`
	Closed        bool       `json:"closed"`
	Outcomes      stringList `json:"outcomes"`
	OutcomePrices stringList `json:"outcomePrices"`
	ClobTokenIDs  stringList `json:"clobTokenIds"`
	Volume        string     `json:"volume"`
	Volume24h     float64    `json:"volume24hr"`
	Liquidity     string     `json:"liquidity"`
	EndDateISO    string     `json:"endDateIso"`
	Category      string     `json:"category"`
	OneDayChange  float64    `json:"oneDayPriceChange"`
}

// gammaEvent is an event as returned by the Gamma API.
type gammaEvent struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Slug    string        `json:"slug"`
	Markets []gammaMarket `json:"markets"`
}

func (m *gammaMarket) toMarket() *models.Market {
	out := &models.Market{
		MarketID:    m.ID,
		Slug:        m.Slug,
		Title:       m.Question,
		Description: m.Description,
		Volume24h:   m.Volume24h,
		Category:    m.Category,
		Closed:      m.Closed || !bool(m.Active),
	}
	out.Volume, _ = strconv.ParseFloat(m.Volume, 64)
	out.Liquidity, _ = strconv.ParseFloat(m.Liquidity, 64)
	if m.Slug != "" {
		out.URL = "https://polymarket.com/event/" + m.Slug
	}
	if m.EndDateISO != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
			out.ResolutionDate = t
		} else if t, err := time.Parse("2006-01-02", m.EndDateISO); err == nil {
			out.ResolutionDate = t
		}
	}

	for i, label := range m.Outcomes {
		o := &models.Outcome{
			MarketID: m.ID,
			Label:    label,
		}
		if i < len(m.ClobTokenIDs) {
			o.OutcomeID = m.ClobTokenIDs[i]
		}
		if i < len(m.OutcomePrices) {
			o.Price, _ = strconv.ParseFloat(m.OutcomePrices[i], 64)
		}
		if i == 0 {
			o.PriceChange24h = m.OneDayChange
		}
		out.Outcomes = append(out.Outcomes, o)
	}
	out.LinkOutcomes()
	return out
}

func (e *gammaEvent) toEvent() *models.Event {
	out := &models.Event{
		ID:    e.ID,
		Title: e.Title,
		Slug:  e.Slug,
	}
	if e.Slug != "" {
		out.URL = "https://polymarket.com/event/" + e.Slug
	}
	for i := range e.Markets {
		out.Markets = append(out.Markets, e.Markets[i].toMarket())
	}
	return out
}

// clobBook is the CLOB order-book response for one token.
type clobBook struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Timestamp string      `json:"timestamp"`
	Bids      []clobLevel `json:"bids"`
	Asks      []clobLevel `json:"asks"`
}

type clobLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func (b *clobBook) toOrderBook() *models.OrderBook {
	out := &models.OrderBook{Timestamp: parseMillis(b.Timestamp)}
	for _, lv := range b.Bids {
		out.Bids = append(out.Bids, toLevel(lv))
	}
	for _, lv := range b.Asks {
		out.Asks = append(out.Asks, toLevel(lv))
	}
	out.SortSides()
	return out
}

func toLevel(lv clobLevel) models.Level {
	p, _ := strconv.ParseFloat(lv.Price, 64)
	s, _ := strconv.ParseFloat(lv.Size, 64)
	return models.Level{Price: p, Size: s}
}

// clobTrade is one row of the public trade tape.
type clobTrade struct {
	ID        string `json:"id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"` // "BUY" or "SELL"
	Timestamp string `json:"timestamp"`
}

func (t *clobTrade) toTrade() models.Trade {
	out := models.Trade{
		ID:        t.ID,
		Timestamp: parseMillis(t.Timestamp),
	}
	out.Price, _ = strconv.ParseFloat(t.Price, 64)
	out.Amount, _ = strconv.ParseFloat(t.Size, 64)
	switch t.Side {
	case "BUY":
		out.Side = models.TradeSideBuy
	case "SELL":
		out.Side = models.TradeSideSell
	default:
		out.Side = models.TradeSideUnknown
	}
	return out
}

// pricePoint is one sample of the CLOB price history.
type pricePoint struct {
	T int64   `json:"t"` // unix seconds
	P float64 `json:"p"`
}

// clobOrder is an order as returned by the CLOB API.
type clobOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    int64  `json:"created_at"`
}

func (o *clobOrder) toOrder() *models.Order {
	out := &models.Order{
		ID:        o.ID,
		MarketID:  o.Market,
		OutcomeID: o.AssetID,
		Type:      models.OrderTypeLimit,
	}
	switch o.Side {
	case "BUY":
		out.Side = models.OrderSideBuy
	case "SELL":
		out.Side = models.OrderSideSell
	}
	out.Price, _ = strconv.ParseFloat(o.Price, 64)
	out.Amount, _ = strconv.ParseFloat(o.OriginalSize, 64)
	out.Filled, _ = strconv.ParseFloat(o.SizeMatched, 64)
	out.Status = mapOrderStatus(o.Status, out.Filled, out.Amount)
	if o.CreatedAt > 0 {
		out.CreatedAt = time.Unix(o.CreatedAt, 0)
	}
	return out
}

// mapOrderStatus translates the CLOB status vocabulary into the normalized
// lifecycle enum.
func mapOrderStatus(status string, filled, amount float64) models.OrderStatus {
	switch strings.ToLower(status) {
	case "live", "open":
		if filled > 0 && filled < amount {
			return models.OrderStatusPartiallyFilled
		}
		return models.OrderStatusOpen
	case "matched", "filled":
		return models.OrderStatusFilled
	case "cancelled", "canceled":
		return models.OrderStatusCancelled
	case "rejected", "failed":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusPending
	}
}

// parseMillis reads CLOB timestamps, which arrive as unix milliseconds in a
// string, falling back to seconds for older endpoints.
func parseMillis(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
