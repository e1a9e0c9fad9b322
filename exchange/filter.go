package exchange

import (
	"fmt"
	"strings"

	"github.com/pmxt/pmxt-go/models"
)

// MarketFilter is the declarative criteria form of market filtering. Zero
// values mean "no constraint"; Max fields of 0 are treated as unbounded.
type MarketFilter struct {
	Query        string // case-insensitive substring on title and description
	MinVolume    float64
	MaxVolume    float64
	MinLiquidity float64
	MaxLiquidity float64

	// Outcome names the outcome label whose price Min/MaxPrice constrain,
	// e.g. "Yes". Empty with a price bound set means any outcome may match.
	Outcome  string
	MinPrice float64
	MaxPrice float64

	Category string // exact, case-insensitive
	Tags     []string
}

// FilterMarkets narrows markets with a polymorphic filter:
//
//	string                      — case-insensitive substring on title/description
//	MarketFilter                — declarative criteria, all of which must hold
//	func(*models.Market) bool   — arbitrary predicate
//
// Any other filter type fails with models.ErrBadRequest. A nil filter
// returns the input unchanged.
func FilterMarkets(markets []*models.Market, filter any) ([]*models.Market, error) {
	pred, err := marketPredicate(filter)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return markets, nil
	}
	out := make([]*models.Market, 0, len(markets))
	for _, m := range markets {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// FilterEvents narrows events with the same polymorphic filter forms as
// FilterMarkets; an event matches when any of its markets matches (a string
// filter also matches on the event's own title). Predicates may be either
// func(*models.Event) bool or func(*models.Market) bool.
func FilterEvents(events []*models.Event, filter any) ([]*models.Event, error) {
	if filter == nil {
		return events, nil
	}
	if pred, ok := filter.(func(*models.Event) bool); ok {
		out := make([]*models.Event, 0, len(events))
		for _, e := range events {
			if pred(e) {
				out = append(out, e)
			}
		}
		return out, nil
	}

	pred, err := marketPredicate(filter)
	if err != nil {
		return nil, err
	}
	query := ""
	if s, ok := filter.(string); ok {
		query = strings.ToLower(s)
	}

	out := make([]*models.Event, 0, len(events))
	for _, e := range events {
		if query != "" && strings.Contains(strings.ToLower(e.Title), query) {
			out = append(out, e)
			continue
		}
		for _, m := range e.Markets {
			if pred(m) {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func marketPredicate(filter any) (func(*models.Market) bool, error) {
	switch f := filter.(type) {
	case nil:
		return nil, nil
	case string:
		return func(m *models.Market) bool {
			return m.MatchesText(f, models.SearchInBoth)
		}, nil
	case func(*models.Market) bool:
		return f, nil
	case MarketFilter:
		return f.matches, nil
	case *MarketFilter:
		return f.matches, nil
	default:
		return nil, fmt.Errorf("exchange: unsupported filter type %T: %w", filter, models.ErrBadRequest)
	}
}

func (f *MarketFilter) matches(m *models.Market) bool {
	if f.Query != "" && !m.MatchesText(f.Query, models.SearchInBoth) {
		return false
	}
	if m.Volume < f.MinVolume {
		return false
	}
	if f.MaxVolume > 0 && m.Volume > f.MaxVolume {
		return false
	}
	if m.Liquidity < f.MinLiquidity {
		return false
	}
	if f.MaxLiquidity > 0 && m.Liquidity > f.MaxLiquidity {
		return false
	}
	if f.Category != "" && !strings.EqualFold(f.Category, m.Category) {
		return false
	}
	for _, want := range f.Tags {
		if !hasTag(m.Tags, want) {
			return false
		}
	}
	if f.MinPrice > 0 || f.MaxPrice > 0 {
		if !f.priceMatches(m) {
			return false
		}
	}
	return true
}

func (f *MarketFilter) priceMatches(m *models.Market) bool {
	maxPrice := f.MaxPrice
	if maxPrice == 0 {
		maxPrice = 1
	}
	for _, o := range m.Outcomes {
		if f.Outcome != "" && !strings.EqualFold(o.Label, f.Outcome) {
			continue
		}
		if o.Price >= f.MinPrice && o.Price <= maxPrice {
			return true
		}
	}
	return false
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
