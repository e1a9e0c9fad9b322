package limitless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

const testPrivateKey = "0x0000000000000000000000000000000000000000000000000000000000000001"

func newTestAdapter(t *testing.T, baseURL string, opts ...func(*Options)) *Limitless {
	t.Helper()
	o := Options{
		BaseURL:      baseURL,
		RateLimit:    -1,
		PollInterval: 10 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	l, err := New(o)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func marketFixture(i int, title string, volume float64) map[string]any {
	slug := fmt.Sprintf("m-%d", i)
	return map[string]any{
		"address":            fmt.Sprintf("0xAddr%d", i),
		"slug":               slug,
		"title":              title,
		"prices":             []float64{60, 40},
		"volumeFormatted":    fmt.Sprintf("%.2f", volume),
		"liquidityFormatted": "100.00",
		"expirationDate":     "2026-12-31T00:00:00Z",
		"yesTokenId":         fmt.Sprintf("%d01", i),
		"noTokenId":          fmt.Sprintf("%d02", i),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestFetchMarketsPageWalk(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/active" {
			http.NotFound(w, r)
			return
		}
		pages.Add(1)
		var data []map[string]any
		switch r.URL.Query().Get("page") {
		case "1":
			for i := 0; i < pageSize; i++ {
				data = append(data, marketFixture(i, fmt.Sprintf("Market %d", i), float64(100-i)))
			}
		case "2":
			for i := pageSize; i < pageSize+3; i++ {
				data = append(data, marketFixture(i, fmt.Sprintf("Market %d", i), 1))
			}
		}
		writeJSON(w, map[string]any{"data": data, "totalPages": 2})
	}))
	defer srv.Close()

	l := newTestAdapter(t, srv.URL)
	markets, err := l.FetchMarkets(context.Background(), models.MarketParams{Limit: 30})
	if err != nil {
		t.Fatalf("fetch markets: %v", err)
	}
	if len(markets) != 28 {
		t.Errorf("markets = %d, want 28 (25 + short page of 3)", len(markets))
	}
	if got := pages.Load(); got != 2 {
		t.Errorf("pages fetched = %d, want 2", got)
	}
}

func TestFetchMarketsEarlyStop(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		var data []map[string]any
		for i := 0; i < pageSize; i++ {
			data = append(data, marketFixture(i, fmt.Sprintf("Market %d", i), float64(i)))
		}
		writeJSON(w, map[string]any{"data": data, "totalPages": 5})
	}))
	defer srv.Close()

	l := newTestAdapter(t, srv.URL)
	markets, err := l.FetchMarkets(context.Background(), models.MarketParams{Limit: 10})
	if err != nil {
		t.Fatalf("fetch markets: %v", err)
	}
	if len(markets) != 10 {
		t.Errorf("markets = %d, want 10", len(markets))
	}
	// One page already covers offset+limit, so the walk stops there.
	if got := pages.Load(); got != 1 {
		t.Errorf("pages fetched = %d, want 1", got)
	}
}

func TestFetchMarketsQueryWalksAllPages(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		var data []map[string]any
		if r.URL.Query().Get("page") == "1" {
			for i := 0; i < pageSize; i++ {
				data = append(data, marketFixture(i, fmt.Sprintf("Market %d", i), 1))
			}
		} else {
			data = append(data, marketFixture(90, "Solar output above forecast?", 1))
		}
		writeJSON(w, map[string]any{"data": data, "totalPages": 2})
	}))
	defer srv.Close()

	l := newTestAdapter(t, srv.URL)
	markets, err := l.FetchMarkets(context.Background(), models.MarketParams{Query: "solar", Limit: 5})
	if err != nil {
		t.Fatalf("fetch markets: %v", err)
	}
	if len(markets) != 1 || markets[0].Slug != "m-90" {
		t.Fatalf("query result = %+v", markets)
	}
	if got := pages.Load(); got != 2 {
		t.Errorf("pages fetched = %d, want full walk of 2", got)
	}
}

func TestFetchMarketDirectLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/markets/btc-150k":
			writeJSON(w, marketFixture(7, "BTC above $150k?", 500))
		default:
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]string{"message": "market not found"})
		}
	}))
	defer srv.Close()

	l := newTestAdapter(t, srv.URL)
	m, err := l.FetchMarket(context.Background(), "btc-150k")
	if err != nil {
		t.Fatalf("fetch market: %v", err)
	}
	if m.Slug != "m-7" || m.Yes == nil || m.Yes.Price != 0.60 {
		t.Errorf("market = %+v", m)
	}

	if _, err := l.FetchMarket(context.Background(), "no-such-market"); !errors.Is(err, models.ErrMarketNotFound) {
		t.Errorf("missing market error = %v, want ErrMarketNotFound", err)
	}
}

func TestFetchOrderBookSides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/m-1/orderbook" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{
			"bids": []map[string]float64{{"price": 45, "size": 100}},
			"asks": []map[string]float64{{"price": 48, "size": 200}},
		})
	}))
	defer srv.Close()

	l := newTestAdapter(t, srv.URL)
	yes, err := l.FetchOrderBook(context.Background(), "m-1:yes")
	if err != nil {
		t.Fatalf("fetch yes book: %v", err)
	}
	if yes.BestBid() != 0.45 || yes.BestAsk() != 0.48 {
		t.Errorf("yes bid/ask = %v/%v", yes.BestBid(), yes.BestAsk())
	}

	no, err := l.FetchOrderBook(context.Background(), "m-1:no")
	if err != nil {
		t.Fatalf("fetch no book: %v", err)
	}
	if math.Abs(no.BestBid()-0.52) > 1e-9 || math.Abs(no.BestAsk()-0.55) > 1e-9 {
		t.Errorf("no bid/ask = %v/%v", no.BestBid(), no.BestAsk())
	}
}

func TestFetchCandlesFromHistory(t *testing.T) {
	base := int64(1_700_000_000)
	base -= base % 3600
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/history") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("from") == "" || r.URL.Query().Get("to") == "" {
			t.Error("history request missing from/to window")
		}
		writeJSON(w, map[string]any{"prices": [][2]float64{
			{float64(base + 60), 50},
			{float64(base + 120), 55},
			{float64(base + 3660), 58},
			{float64(base + 7260), 61},
		}})
	}))
	defer srv.Close()

	l := newTestAdapter(t, srv.URL)
	candles, err := l.FetchCandles(context.Background(), "m-1:yes", models.CandleParams{
		Resolution: models.Resolution1h,
		Limit:      2,
	})
	if err != nil {
		t.Fatalf("fetch candles: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("candles = %d, want limit tail of 2", len(candles))
	}
	if candles[0].Close != 0.58 || candles[1].Close != 0.61 {
		t.Errorf("closes = %v/%v", candles[0].Close, candles[1].Close)
	}
}

func TestCreateOrderSignedPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		ordered map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/markets/m-1":
			writeJSON(w, marketFixture(1, "Test market", 100))
		case r.URL.Path == "/orders" && r.Method == http.MethodPost:
			mu.Lock()
			json.NewDecoder(r.Body).Decode(&ordered)
			mu.Unlock()
			writeJSON(w, map[string]any{
				"id": "ord-1", "marketSlug": "m-1", "side": "buy",
				"outcomeSide": "no", "price": 38.0, "size": 10.0, "status": "open",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := newTestAdapter(t, srv.URL, func(o *Options) { o.PrivateKey = testPrivateKey })
	order, err := l.CreateOrder(context.Background(), models.CreateOrderParams{
		OutcomeID: "m-1:no",
		Side:      models.OrderSideBuy,
		Type:      models.OrderTypeLimit,
		Price:     0.38,
		Amount:    10,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "ord-1" || order.Status != models.OrderStatusOpen || order.Price != 0.38 {
		t.Errorf("order = %+v", order)
	}

	mu.Lock()
	defer mu.Unlock()
	if ordered == nil {
		t.Fatal("no order payload captured")
	}
	sig, _ := ordered["signature"].(string)
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+65*2 {
		t.Errorf("signature = %q", sig)
	}
	if got, _ := ordered["outcomeSide"].(string); got != "no" {
		t.Errorf("outcomeSide = %q", got)
	}
	inner, _ := ordered["order"].(map[string]any)
	if inner == nil {
		t.Fatal("payload missing signed order")
	}
	if got, _ := inner["tokenId"].(string); got != "102" {
		t.Errorf("tokenId = %q, want NO token 102", got)
	}
	// Buy of 10 shares at 0.38: offer 3.8 USDC for 10 shares, 6 decimals.
	if got, _ := inner["makerAmount"].(string); got != "3800000" {
		t.Errorf("makerAmount = %q", got)
	}
	if got, _ := inner["takerAmount"].(string); got != "10000000" {
		t.Errorf("takerAmount = %q", got)
	}
}

func TestMarketOrderPriceBounds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/markets/m-1":
			writeJSON(w, marketFixture(1, "Test market", 100))
		case r.URL.Path == "/orders":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if got, _ := body["orderType"].(string); got != "FOK" {
				t.Errorf("orderType = %q, want FOK", got)
			}
			if got, _ := body["price"].(float64); got != 99 {
				t.Errorf("price = %v, want 99 cents", got)
			}
			writeJSON(w, map[string]any{"id": "ord-2", "status": "matched", "size": 5.0, "filledSize": 5.0})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := newTestAdapter(t, srv.URL, func(o *Options) { o.PrivateKey = testPrivateKey })
	order, err := l.CreateOrder(context.Background(), models.CreateOrderParams{
		OutcomeID: "m-1:yes",
		Side:      models.OrderSideBuy,
		Type:      models.OrderTypeMarket,
		Amount:    5,
	})
	if err != nil {
		t.Fatalf("create market order: %v", err)
	}
	if order.Status != models.OrderStatusFilled {
		t.Errorf("status = %v", order.Status)
	}
}

func TestOrdersRequireCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s without credentials", r.URL.Path)
	}))
	defer srv.Close()

	l := newTestAdapter(t, srv.URL)
	_, err := l.CreateOrder(context.Background(), models.CreateOrderParams{
		OutcomeID: "m-1:yes", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Price: 0.5, Amount: 1,
	})
	if !errors.Is(err, models.ErrAuthentication) {
		t.Errorf("create order error = %v, want ErrAuthentication", err)
	}
	if _, err := l.FetchBalance(context.Background()); !errors.Is(err, models.ErrAuthentication) {
		t.Errorf("balance error = %v, want ErrAuthentication", err)
	}
	if _, err := l.FetchPositions(context.Background(), ""); !errors.Is(err, models.ErrAuthentication) {
		t.Errorf("positions error = %v, want ErrAuthentication", err)
	}
}

func TestWatchOrderBookPolling(t *testing.T) {
	var (
		mu     sync.Mutex
		bidPct = 45.0
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/orderbook") {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		bid := bidPct
		mu.Unlock()
		writeJSON(w, map[string]any{
			"bids": []map[string]float64{{"price": bid, "size": 100}},
			"asks": []map[string]float64{{"price": bid + 3, "size": 100}},
		})
	}))
	defer srv.Close()

	l := newTestAdapter(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type bookResult struct {
		book *models.OrderBook
		err  error
	}
	watchAsync := func() <-chan bookResult {
		out := make(chan bookResult, 1)
		go func() {
			book, err := l.WatchOrderBook(ctx, "m-1:yes")
			out <- bookResult{book: book, err: err}
		}()
		return out
	}

	// The first watch parks before the poll loop's first fetch completes
	// and gets the initial snapshot.
	got := watchAsync()
	res := <-got
	if res.err != nil {
		t.Fatalf("first watch: %v", res.err)
	}
	if res.book.BestBid() != 0.45 {
		t.Errorf("first snapshot bid = %v", res.book.BestBid())
	}

	// Park the next watcher while the book is still unchanged — steady
	// polls publish nothing — then move the book; the delivery is the move.
	got = watchAsync()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	bidPct = 51
	mu.Unlock()

	res = <-got
	if res.err != nil {
		t.Fatalf("second watch: %v", res.err)
	}
	if res.book.BestBid() != 0.51 {
		t.Errorf("second snapshot bid = %v", res.book.BestBid())
	}

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := l.WatchOrderBook(ctx, "m-1:yes"); !errors.Is(err, models.ErrClosed) {
		t.Errorf("watch after close = %v, want ErrClosed", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestWatchTradesNotSupported(t *testing.T) {
	l := newTestAdapter(t, "http://unused.invalid")
	if _, err := l.WatchTrades(context.Background(), "m-1:yes"); !errors.Is(err, models.ErrNotSupported) {
		t.Errorf("watch trades = %v, want ErrNotSupported", err)
	}
}
