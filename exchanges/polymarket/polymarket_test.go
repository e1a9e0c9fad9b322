package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pmxt/pmxt-go/models"
)

func newTestAdapter(t *testing.T, gammaURL, clobURL, wsURL string) *Polymarket {
	t.Helper()
	p, err := New(Options{
		GammaURL:  gammaURL,
		ClobURL:   clobURL,
		WSURL:     wsURL,
		RateLimit: -1, // no throttling in tests
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return p
}

func TestFetchMarketsViaGamma(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("slug") == "btc-100k-dec31" {
			w.Write([]byte("[" + gammaMarketJSON + "]"))
			return
		}
		w.Write([]byte("[" + gammaMarketJSON + "]"))
	}))
	defer srv.Close()

	p := newTestAdapter(t, srv.URL, srv.URL, "")

	markets, err := p.FetchMarkets(context.Background(), models.MarketParams{Limit: 10})
	if err != nil {
		t.Fatalf("fetch markets: %v", err)
	}
	if len(markets) != 1 || markets[0].MarketID != "501234" {
		t.Errorf("markets = %v", markets)
	}

	// Slug lookup through the façade's cache-miss path.
	m, err := p.FetchMarket(context.Background(), "btc-100k-dec31")
	if err != nil {
		t.Fatalf("fetch market: %v", err)
	}
	if m.Slug != "btc-100k-dec31" {
		t.Errorf("slug = %s", m.Slug)
	}
}

func TestFetchMarketsQueryFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		second := strings.Replace(gammaMarketJSON, "Will BTC close above 100k on Dec 31?",
			"Fed rate decision", 1)
		second = strings.Replace(second, `"id": "501234"`, `"id": "501235"`, 1)
		w.Write([]byte("[" + gammaMarketJSON + "," + second + "]"))
	}))
	defer srv.Close()

	p := newTestAdapter(t, srv.URL, srv.URL, "")
	markets, err := p.FetchMarkets(context.Background(), models.MarketParams{
		Query:    "fed rate",
		SearchIn: models.SearchInTitle,
	})
	if err != nil {
		t.Fatalf("fetch markets: %v", err)
	}
	if len(markets) != 1 || markets[0].MarketID != "501235" {
		t.Errorf("query filter kept %d markets", len(markets))
	}
}

func TestFetchMarketsQueryWalksPages(t *testing.T) {
	// 30 markets, one matching title every 10. A single server page at the
	// requested limit would hold zero matches; the query path has to
	// over-fetch and walk offsets until the window fills.
	market := func(i int) string {
		title := "Fed rate decision"
		if i%10 == 0 {
			title = "Solar capacity doubles"
		}
		s := strings.Replace(gammaMarketJSON, `"id": "501234"`, `"id": "m-`+strconv.Itoa(i)+`"`, 1)
		s = strings.Replace(s, "Will BTC close above 100k on Dec 31?", title, 1)
		return strings.Replace(s, "btc-100k-dec31", "slug-"+strconv.Itoa(i), 1)
	}

	var pages [][2]string // requested (limit, offset) pairs
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		pages = append(pages, [2]string{r.URL.Query().Get("limit"), r.URL.Query().Get("offset")})

		var rows []string
		for i := offset; i < offset+limit && i < 30; i++ {
			rows = append(rows, market(i))
		}
		w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
	}))
	defer srv.Close()

	p := newTestAdapter(t, srv.URL, srv.URL, "")
	markets, err := p.FetchMarkets(context.Background(), models.MarketParams{
		Query:    "solar",
		SearchIn: models.SearchInTitle,
		Limit:    2,
	})
	if err != nil {
		t.Fatalf("fetch markets: %v", err)
	}
	if len(markets) != 2 || markets[0].MarketID != "m-0" || markets[1].MarketID != "m-10" {
		t.Fatalf("markets = %+v", markets)
	}

	// Every page request carries the doubled limit, and the walk advances
	// through offsets until the second match lands.
	if len(pages) != 3 {
		t.Fatalf("page requests = %v, want 3", pages)
	}
	for i, want := range []string{"0", "4", "8"} {
		if pages[i][0] != "4" || pages[i][1] != want {
			t.Errorf("page %d = limit %s offset %s, want limit 4 offset %s",
				i, pages[i][0], pages[i][1], want)
		}
	}
}

func TestFetchOrderBookStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/book" && r.URL.Query().Get("token_id") == "7131":
			json.NewEncoder(w).Encode(clobBook{
				AssetID:   "7131",
				Timestamp: "1724800000000",
				Bids:      []clobLevel{{Price: "0.54", Size: "80"}},
				Asks:      []clobLevel{{Price: "0.55", Size: "50"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newTestAdapter(t, srv.URL, srv.URL, "")

	book, err := p.FetchOrderBook(context.Background(), "7131")
	if err != nil {
		t.Fatalf("fetch book: %v", err)
	}
	if book.BestBid() != 0.54 || book.BestAsk() != 0.55 {
		t.Errorf("best bid/ask = %v/%v", book.BestBid(), book.BestAsk())
	}

	_, err = p.FetchOrderBook(context.Background(), "unknown")
	if !errors.Is(err, models.ErrMarketNotFound) {
		t.Errorf("404 error = %v, want ErrMarketNotFound", err)
	}
}

func TestOrdersRequireCredentials(t *testing.T) {
	p := newTestAdapter(t, "http://unused", "http://unused", "")

	_, err := p.CreateOrder(context.Background(), models.CreateOrderParams{
		OutcomeID: "7131",
		Side:      models.OrderSideBuy,
		Type:      models.OrderTypeLimit,
		Price:     0.5,
		Amount:    10,
	})
	if !errors.Is(err, models.ErrAuthentication) {
		t.Errorf("create order error = %v, want ErrAuthentication", err)
	}
	if err := p.CancelOrder(context.Background(), "x"); !errors.Is(err, models.ErrAuthentication) {
		t.Errorf("cancel order error = %v, want ErrAuthentication", err)
	}
}

// wsEcho upgrades, consumes the subscribe message, then plays one scripted
// frame per receive on the release channel. Gating the frames lets tests
// park a watcher before its event fires; an event with nobody waiting is
// absorbed, never replayed.
func wsEcho(t *testing.T, frames []string, release <-chan struct{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil { // subscribe command
			return
		}
		for _, f := range frames {
			if _, ok := <-release; !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

// watchBookAsync parks a WatchOrderBook call in the background so the test
// can fire the next event afterwards.
func watchBookAsync(ctx context.Context, p *Polymarket, outcomeID string) <-chan bookResult {
	out := make(chan bookResult, 1)
	go func() {
		book, err := p.WatchOrderBook(ctx, outcomeID)
		out <- bookResult{book: book, err: err}
	}()
	time.Sleep(20 * time.Millisecond) // let the watcher park
	return out
}

type bookResult struct {
	book *models.OrderBook
	err  error
}

func TestWatchOrderBookSnapshotThenDelta(t *testing.T) {
	snapshot := `{"event_type":"book","asset_id":"7131","timestamp":"1724800000000",
		"bids":[{"price":"0.54","size":"80"}],
		"asks":[{"price":"0.55","size":"50"},{"price":"0.60","size":"200"}]}`
	delta := `{"event_type":"price_change","asset_id":"7131","side":"SELL","price":"0.55","size":"0"}`

	release := make(chan struct{})
	defer close(release)
	srv := wsEcho(t, []string{snapshot, delta}, release)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	p := newTestAdapter(t, "http://unused", "http://unused", wsURL)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := watchBookAsync(ctx, p, "7131")
	release <- struct{}{}
	res := <-got
	if res.err != nil {
		t.Fatalf("watch (snapshot): %v", res.err)
	}
	if res.book.BestAsk() != 0.55 {
		t.Errorf("snapshot best ask = %v, want 0.55", res.book.BestAsk())
	}

	got = watchBookAsync(ctx, p, "7131")
	release <- struct{}{}
	res = <-got
	if res.err != nil {
		t.Fatalf("watch (delta): %v", res.err)
	}
	if res.book.BestAsk() != 0.60 {
		t.Errorf("best ask after level removal = %v, want 0.60", res.book.BestAsk())
	}
}

func TestWatchTradesAndClose(t *testing.T) {
	trade := `{"event_type":"last_trade_price","asset_id":"7131","price":"0.57","size":"25","side":"BUY","timestamp":"1724800000000"}`
	release := make(chan struct{})
	defer close(release)
	srv := wsEcho(t, []string{trade}, release)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	p := newTestAdapter(t, "http://unused", "http://unused", wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	type tradeResult struct {
		trades []models.Trade
		err    error
	}
	got := make(chan tradeResult, 1)
	go func() {
		trades, err := p.WatchTrades(ctx, "7131")
		got <- tradeResult{trades: trades, err: err}
	}()
	time.Sleep(20 * time.Millisecond)
	release <- struct{}{}

	res := <-got
	if res.err != nil {
		t.Fatalf("watch trades: %v", res.err)
	}
	if len(res.trades) != 1 || res.trades[0].Price != 0.57 || res.trades[0].Side != models.TradeSideBuy {
		t.Errorf("trades = %+v", res.trades)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.WatchTrades(ctx, "7131"); !errors.Is(err, models.ErrClosed) {
		t.Errorf("post-close watch error = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
