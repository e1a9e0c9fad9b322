package exchange

import (
	"errors"
	"testing"

	"github.com/pmxt/pmxt-go/models"
)

func sampleMarkets() []*models.Market {
	return []*models.Market{
		{
			MarketID: "m1", Title: "Will BTC close above 100k?",
			Volume: 50000, Liquidity: 12000, Category: "Crypto",
			Tags: []string{"bitcoin", "price"},
			Outcomes: []*models.Outcome{
				{OutcomeID: "m1-yes", Label: "Yes", Price: 0.62},
				{OutcomeID: "m1-no", Label: "No", Price: 0.38},
			},
		},
		{
			MarketID: "m2", Title: "Fed cuts rates in September",
			Description: "FOMC decision", Volume: 900, Liquidity: 300,
			Category: "Economics",
			Outcomes: []*models.Outcome{
				{OutcomeID: "m2-yes", Label: "Yes", Price: 0.15},
				{OutcomeID: "m2-no", Label: "No", Price: 0.85},
			},
		},
	}
}

func TestFilterMarkets_String(t *testing.T) {
	got, err := FilterMarkets(sampleMarkets(), "fomc")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 1 || got[0].MarketID != "m2" {
		t.Errorf("got %d markets, want only m2", len(got))
	}
}

func TestFilterMarkets_Criteria(t *testing.T) {
	got, err := FilterMarkets(sampleMarkets(), MarketFilter{
		MinVolume: 1000,
		Outcome:   "Yes",
		MinPrice:  0.5,
		Tags:      []string{"bitcoin"},
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 1 || got[0].MarketID != "m1" {
		t.Errorf("got %v, want only m1", got)
	}

	// The price window must bind to the named outcome, not any outcome.
	got, err = FilterMarkets(sampleMarkets(), MarketFilter{Outcome: "Yes", MaxPrice: 0.2})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 1 || got[0].MarketID != "m2" {
		t.Errorf("got %v, want only m2", got)
	}
}

func TestFilterMarkets_Predicate(t *testing.T) {
	got, err := FilterMarkets(sampleMarkets(), func(m *models.Market) bool {
		return m.Liquidity < 1000
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 1 || got[0].MarketID != "m2" {
		t.Errorf("got %d markets, want only m2", len(got))
	}
}

func TestFilterMarkets_NilAndUnsupported(t *testing.T) {
	in := sampleMarkets()
	got, err := FilterMarkets(in, nil)
	if err != nil || len(got) != len(in) {
		t.Errorf("nil filter: got %d markets, err=%v", len(got), err)
	}

	if _, err := FilterMarkets(in, 42); !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("unsupported filter error = %v, want ErrBadRequest", err)
	}
}

func TestFilterEvents(t *testing.T) {
	events := []*models.Event{
		{ID: "e1", Title: "Crypto end-of-year", Markets: sampleMarkets()[:1]},
		{ID: "e2", Title: "Macro calendar", Markets: sampleMarkets()[1:]},
	}

	got, err := FilterEvents(events, "macro")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e2" {
		t.Errorf("string filter: got %v, want e2", got)
	}

	// A market-level criteria filter keeps events containing a match.
	got, err = FilterEvents(events, MarketFilter{MinVolume: 10000})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("criteria filter: got %v, want e1", got)
	}

	got, err = FilterEvents(events, func(e *models.Event) bool { return e.ID == "e2" })
	if err != nil || len(got) != 1 || got[0].ID != "e2" {
		t.Errorf("event predicate: got %v, err=%v", got, err)
	}
}
