// Package models defines the unified data shapes shared by every exchange
// adapter: markets, events, order books, candles, trades, and the trading
// account entities. Vendor quirks (cents vs probabilities, status vocab)
// are normalized before any of these types are constructed.
package models

import (
	"strings"
	"time"
)

// Market is one tradeable question or contract, normalized across venues.
type Market struct {
	MarketID       string
	Slug           string
	Title          string
	Description    string
	Outcomes       []*Outcome
	ResolutionDate time.Time
	Volume         float64
	Volume24h      float64
	Liquidity      float64
	URL            string
	Category       string
	Tags           []string

	// Convenience aliases into Outcomes, populated by LinkOutcomes. They
	// are never independent copies; pointer identity matches an entry of
	// Outcomes.
	Yes  *Outcome
	No   *Outcome
	Up   *Outcome
	Down *Outcome

	// Closed reports whether the market no longer accepts orders.
	Closed bool
}

// Outcome is one side of a market. OutcomeID is the opaque token or ticker
// used for all per-outcome operations (trading, history, order book) and is
// distinct from the market id.
type Outcome struct {
	OutcomeID      string
	MarketID       string
	Label          string
	Price          float64
	PriceChange24h float64

	// Metadata carries adapter-specific fields (on-chain token ids,
	// outcome indexes) without leaking them into the shared model.
	Metadata map[string]any
}

// LinkOutcomes wires the Yes/No/Up/Down aliases to the matching entries of
// m.Outcomes based on their labels. Call it after the outcome list is final.
func (m *Market) LinkOutcomes() {
	m.Yes, m.No, m.Up, m.Down = nil, nil, nil, nil
	for _, o := range m.Outcomes {
		switch strings.ToLower(o.Label) {
		case "yes":
			m.Yes = o
		case "no":
			m.No = o
		case "up":
			m.Up = o
		case "down":
			m.Down = o
		}
	}
}

// OutcomeByID returns the outcome with the given id, or nil.
func (m *Market) OutcomeByID(outcomeID string) *Outcome {
	for _, o := range m.Outcomes {
		if o.OutcomeID == outcomeID {
			return o
		}
	}
	return nil
}

// MatchesText reports whether the query occurs case-insensitively in the
// market's title or description, depending on scope ("title", "description",
// or "both"; empty means both).
func (m *Market) MatchesText(query, scope string) bool {
	q := strings.ToLower(query)
	inTitle := strings.Contains(strings.ToLower(m.Title), q)
	inDesc := strings.Contains(strings.ToLower(m.Description), q)
	switch scope {
	case SearchInTitle:
		return inTitle
	case SearchInDescription:
		return inDesc
	default:
		return inTitle || inDesc
	}
}
