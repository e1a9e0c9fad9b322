// Package limitless implements the unified exchange contract for
// Limitless, a CTF-based CLOB on Base. Discovery is plain REST with
// offset pagination; orders are EIP-712 signed.
package limitless

import (
	"strings"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

// Outcome id convention: markets are binary and keyed by slug, so outcome
// ids are "<slug>:yes" and "<slug>:no".
const (
	yesSuffix = ":yes"
	noSuffix  = ":no"
)

func splitOutcomeID(outcomeID string) (slug, side string) {
	if s, ok := strings.CutSuffix(outcomeID, yesSuffix); ok {
		return s, "yes"
	}
	if s, ok := strings.CutSuffix(outcomeID, noSuffix); ok {
		return s, "no"
	}
	return outcomeID, "yes"
}

// centsToProb converts a 0-100 cent quote into a probability.
func centsToProb(cents float64) float64 { return cents / 100 }

// apiMarket is a market as returned by the Limitless API. Prices arrive
// as [yes, no] percentages.
type apiMarket struct {
	Address        string    `json:"address"`
	Slug           string    `json:"slug"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Prices         []float64 `json:"prices"` // [yes, no] in cents
	Volume         float64   `json:"volumeFormatted,string"`
	Liquidity      float64   `json:"liquidityFormatted,string"`
	Category       string    `json:"category"`
	Tags           []string  `json:"tags"`
	ExpirationDate string    `json:"expirationDate"`
	Expired        bool      `json:"expired"`
	YesTokenID     string    `json:"yesTokenId"`
	NoTokenID      string    `json:"noTokenId"`
}

func (m *apiMarket) toMarket() *models.Market {
	yesPrice := 0.5
	if len(m.Prices) > 0 {
		yesPrice = centsToProb(m.Prices[0])
	}

	out := &models.Market{
		MarketID:    m.Address,
		Slug:        m.Slug,
		Title:       m.Title,
		Description: m.Description,
		Volume:      m.Volume,
		Liquidity:   m.Liquidity,
		Category:    m.Category,
		Tags:        m.Tags,
		URL:         "https://limitless.exchange/markets/" + m.Slug,
		Closed:      m.Expired,
	}
	if m.ExpirationDate != "" {
		if t, err := time.Parse(time.RFC3339, m.ExpirationDate); err == nil {
			out.ResolutionDate = t
		}
	}
	out.Outcomes = []*models.Outcome{
		{
			OutcomeID: m.Slug + yesSuffix, MarketID: m.Address, Label: "Yes", Price: yesPrice,
			Metadata: map[string]any{"tokenId": m.YesTokenID},
		},
		{
			OutcomeID: m.Slug + noSuffix, MarketID: m.Address, Label: "No", Price: 1 - yesPrice,
			Metadata: map[string]any{"tokenId": m.NoTokenID},
		},
	}
	out.LinkOutcomes()
	return out
}

// apiLevel is one book level; prices in cents, sizes in shares.
type apiLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// apiOrderbook is the venue book, quoted for the YES side.
type apiOrderbook struct {
	Bids []apiLevel `json:"bids"`
	Asks []apiLevel `json:"asks"`
}

// toOrderBook renders the YES-quoted book for the requested side. The NO
// view mirrors it: a YES bid at p is a NO ask at 100-p.
func (b *apiOrderbook) toOrderBook(side string) *models.OrderBook {
	out := &models.OrderBook{Timestamp: time.Now()}
	if side == "no" {
		for _, lv := range b.Asks {
			out.Bids = append(out.Bids, models.Level{Price: centsToProb(100 - lv.Price), Size: lv.Size})
		}
		for _, lv := range b.Bids {
			out.Asks = append(out.Asks, models.Level{Price: centsToProb(100 - lv.Price), Size: lv.Size})
		}
	} else {
		for _, lv := range b.Bids {
			out.Bids = append(out.Bids, models.Level{Price: centsToProb(lv.Price), Size: lv.Size})
		}
		for _, lv := range b.Asks {
			out.Asks = append(out.Asks, models.Level{Price: centsToProb(lv.Price), Size: lv.Size})
		}
	}
	out.SortSides()
	return out
}

// apiTrade is one fill from the market feed.
type apiTrade struct {
	ID        string  `json:"id"`
	Price     float64 `json:"price"` // cents, YES terms
	Size      float64 `json:"size"`
	Side      string  `json:"side"` // "buy" or "sell", YES terms
	Timestamp int64   `json:"timestamp"`
}

func (t *apiTrade) toTrade(side string) models.Trade {
	price := centsToProb(t.Price)
	tradeSide := t.Side
	if side == "no" {
		price = 1 - price
		switch t.Side {
		case "buy":
			tradeSide = "sell"
		case "sell":
			tradeSide = "buy"
		}
	}
	out := models.Trade{
		ID:        t.ID,
		Price:     price,
		Amount:    t.Size,
		Timestamp: time.Unix(t.Timestamp, 0),
	}
	switch tradeSide {
	case "buy":
		out.Side = models.TradeSideBuy
	case "sell":
		out.Side = models.TradeSideSell
	default:
		out.Side = models.TradeSideUnknown
	}
	return out
}

// apiOrder is an order in API responses.
type apiOrder struct {
	ID          string  `json:"id"`
	MarketSlug  string  `json:"marketSlug"`
	Side        string  `json:"side"` // "buy" or "sell"
	OutcomeSide string  `json:"outcomeSide"`
	Price       float64 `json:"price"` // cents
	Size        float64 `json:"size"`
	Filled      float64 `json:"filledSize"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"createdAt"`
}

func (o *apiOrder) toOrder() *models.Order {
	outcomeSide := o.OutcomeSide
	if outcomeSide == "" {
		outcomeSide = "yes"
	}
	out := &models.Order{
		ID:        o.ID,
		MarketID:  o.MarketSlug,
		OutcomeID: o.MarketSlug + ":" + outcomeSide,
		Price:     centsToProb(o.Price),
		Amount:    o.Size,
		Filled:    o.Filled,
		Type:      models.OrderTypeLimit,
	}
	if o.Side == "sell" {
		out.Side = models.OrderSideSell
	} else {
		out.Side = models.OrderSideBuy
	}
	out.Status = mapOrderStatus(o.Status, o.Filled, o.Size)
	if t, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
		out.CreatedAt = t
	}
	return out
}

func mapOrderStatus(status string, filled, size float64) models.OrderStatus {
	switch strings.ToLower(status) {
	case "open", "live":
		if filled > 0 && filled < size {
			return models.OrderStatusPartiallyFilled
		}
		return models.OrderStatusOpen
	case "filled", "matched":
		return models.OrderStatusFilled
	case "cancelled", "canceled":
		return models.OrderStatusCancelled
	case "rejected":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusPending
	}
}

// apiError is the venue's error envelope.
type apiError struct {
	Message string `json:"message"`
}
