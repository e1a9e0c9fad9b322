package polymarket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

const gammaMarketJSON = `{
	"id": "501234",
	"question": "Will BTC close above 100k on Dec 31?",
	"description": "Resolves YES if...",
	"slug": "btc-100k-dec31",
	"active": "true",
	"closed": false,
	"outcomes": "[\"Yes\",\"No\"]",
	"outcomePrices": "[\"0.62\",\"0.38\"]",
	"clobTokenIds": "[\"7131\",\"7132\"]",
	"volume": "1250000.5",
	"volume24hr": 84000,
	"liquidity": "52000",
	"endDateIso": "2026-12-31T00:00:00Z",
	"category": "Crypto",
	"oneDayPriceChange": 0.03
}`

func TestGammaMarketMapping(t *testing.T) {
	var raw gammaMarket
	if err := json.Unmarshal([]byte(gammaMarketJSON), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m := raw.toMarket()

	if m.MarketID != "501234" || m.Slug != "btc-100k-dec31" {
		t.Errorf("identity = (%s, %s)", m.MarketID, m.Slug)
	}
	if m.Closed {
		t.Error("active market mapped as closed")
	}
	if m.Volume != 1250000.5 || m.Liquidity != 52000 {
		t.Errorf("volume/liquidity = %v/%v", m.Volume, m.Liquidity)
	}
	if len(m.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(m.Outcomes))
	}
	if m.Outcomes[0].OutcomeID != "7131" || m.Outcomes[0].Price != 0.62 {
		t.Errorf("yes outcome = %+v", m.Outcomes[0])
	}

	// Alias wiring must point into the outcome slice, not copy.
	if m.Yes != m.Outcomes[0] || m.No != m.Outcomes[1] {
		t.Error("yes/no aliases not wired to outcome entries")
	}
	if want := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC); !m.ResolutionDate.Equal(want) {
		t.Errorf("resolution date = %v", m.ResolutionDate)
	}
}

func TestStringListPlainArray(t *testing.T) {
	var l stringList
	if err := json.Unmarshal([]byte(`["Yes","No"]`), &l); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(l) != 2 || l[0] != "Yes" {
		t.Errorf("list = %v", l)
	}
}

func TestClobBookMapping(t *testing.T) {
	raw := clobBook{
		AssetID:   "7131",
		Timestamp: "1724800000000",
		Bids:      []clobLevel{{Price: "0.50", Size: "120"}, {Price: "0.54", Size: "80"}},
		Asks:      []clobLevel{{Price: "0.60", Size: "200"}, {Price: "0.55", Size: "50"}},
	}
	book := raw.toOrderBook()
	if book.BestBid() != 0.54 || book.BestAsk() != 0.55 {
		t.Errorf("best bid/ask = %v/%v, want 0.54/0.55", book.BestBid(), book.BestAsk())
	}
	if book.Timestamp.IsZero() {
		t.Error("millisecond timestamp not parsed")
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := []struct {
		status         string
		filled, amount float64
		want           models.OrderStatus
	}{
		{"live", 0, 100, models.OrderStatusOpen},
		{"live", 40, 100, models.OrderStatusPartiallyFilled},
		{"matched", 100, 100, models.OrderStatusFilled},
		{"cancelled", 0, 100, models.OrderStatusCancelled},
		{"rejected", 0, 100, models.OrderStatusRejected},
		{"delayed", 0, 100, models.OrderStatusPending},
	}
	for _, tc := range cases {
		if got := mapOrderStatus(tc.status, tc.filled, tc.amount); got != tc.want {
			t.Errorf("mapOrderStatus(%q, %v, %v) = %v, want %v",
				tc.status, tc.filled, tc.amount, got, tc.want)
		}
	}
}

func TestBucketCandles(t *testing.T) {
	base := int64(1_699_999_200) // aligned to an hour boundary
	points := []pricePoint{
		{T: base + 10, P: 0.50},
		{T: base + 300, P: 0.58},
		{T: base + 1800, P: 0.47},
		{T: base + 3700, P: 0.60}, // second bucket
	}
	candles := bucketCandles(points, time.Hour)
	if len(candles) != 2 {
		t.Fatalf("candles = %d, want 2", len(candles))
	}
	first := candles[0]
	if first.Open != 0.50 || first.High != 0.58 || first.Low != 0.47 || first.Close != 0.47 {
		t.Errorf("first candle OHLC = %v/%v/%v/%v", first.Open, first.High, first.Low, first.Close)
	}
	if !first.Timestamp.Equal(time.Unix(base, 0)) {
		t.Errorf("first bucket start = %v", first.Timestamp)
	}
	if candles[1].Open != 0.60 {
		t.Errorf("second candle open = %v", candles[1].Open)
	}
}

func TestHMACHeadersDeterministic(t *testing.T) {
	auth := &hmacAuth{Key: "key-1", Secret: "c2VjcmV0LWJ5dGVz", Passphrase: "pass"}

	a := auth.l2HeadersAt("0xabc", "POST", "/order", `{"x":1}`, 1_700_000_000)
	b := auth.l2HeadersAt("0xabc", "POST", "/order", `{"x":1}`, 1_700_000_000)
	if a["POLY_SIGNATURE"] != b["POLY_SIGNATURE"] {
		t.Error("same inputs produced different signatures")
	}

	c := auth.l2HeadersAt("0xabc", "POST", "/order", `{"x":2}`, 1_700_000_000)
	if a["POLY_SIGNATURE"] == c["POLY_SIGNATURE"] {
		t.Error("body change did not change the signature")
	}

	for _, k := range []string{"POLY_ADDRESS", "POLY_API_KEY", "POLY_TIMESTAMP", "POLY_PASSPHRASE", "POLY_SIGNATURE"} {
		if a[k] == "" {
			t.Errorf("missing header %s", k)
		}
	}
}
