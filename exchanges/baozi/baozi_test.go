package baozi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pmxt/pmxt-go/models"
)

type rpcRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func rpcResult(w http.ResponseWriter, id int64, result any) {
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func accountJSON(data []byte) map[string]any {
	return map[string]any{"data": []string{base64.StdEncoding.EncodeToString(data), "base64"}}
}

func newTestAdapter(t *testing.T, rpcURL, wsURL string, opts ...func(*Options)) *Baozi {
	t.Helper()
	o := Options{
		RPCURL:    rpcURL,
		WSURL:     wsURL,
		RateLimit: -1, // no throttling in tests
	}
	for _, fn := range opts {
		fn(&o)
	}
	b, err := New(o)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return b
}

// marketServer answers getProgramAccounts with the given accounts and
// getAccountInfo by pubkey.
func marketServer(t *testing.T, accounts map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		switch req.Method {
		case "getProgramAccounts":
			var list []map[string]any
			for pubkey, data := range accounts {
				list = append(list, map[string]any{
					"pubkey":  pubkey,
					"account": accountJSON(data),
				})
			}
			rpcResult(w, req.ID, list)
		case "getAccountInfo":
			var params []json.RawMessage
			json.Unmarshal(req.Params, &params)
			var pubkey string
			json.Unmarshal(params[0], &pubkey)
			if data, ok := accounts[pubkey]; ok {
				rpcResult(w, req.ID, map[string]any{"value": accountJSON(data)})
			} else {
				rpcResult(w, req.ID, map[string]any{"value": nil})
			}
		case "sendTransaction":
			rpcResult(w, req.ID, "5igStakeSignature")
		case "getBalance":
			rpcResult(w, req.ID, map[string]any{"value": 3_500_000_000})
		default:
			t.Errorf("unexpected rpc method %q", req.Method)
		}
	}))
}

func TestFetchMarketsProgramScan(t *testing.T) {
	unknown := append([]byte{9, 9, 9, 9, 9, 9, 9, 9}, 0, 0, 0, 0)
	srv := marketServer(t, map[string][]byte{
		"BinAddr1":  binaryMarketBuf(30*lamportsPerSOL, 70*lamportsPerSOL, marketStatusOpen),
		"RaceAddr1": raceMarketBuf([]uint64{lamportsPerSOL, 3 * lamportsPerSOL}, 4*lamportsPerSOL),
		"CfgAddr1":  unknown, // program config, skipped
	})
	defer srv.Close()

	b := newTestAdapter(t, srv.URL, "")

	markets, err := b.FetchMarkets(context.Background(), models.MarketParams{Sort: models.SortVolume})
	if err != nil {
		t.Fatalf("fetch markets: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("markets = %d, want 2 (config account skipped)", len(markets))
	}
	if markets[0].MarketID != "BinAddr1" {
		t.Errorf("volume sort head = %s", markets[0].MarketID)
	}

	// Address lookup resolves with a single account fetch.
	m, err := b.FetchMarket(context.Background(), "RaceAddr1")
	if err != nil {
		t.Fatalf("fetch market: %v", err)
	}
	if m.MarketID != "RaceAddr1" || len(m.Outcomes) != 2 {
		t.Errorf("market = %+v", m)
	}

	_, err = b.FetchMarket(context.Background(), "NoSuchAddr")
	if !errors.Is(err, models.ErrMarketNotFound) {
		t.Errorf("missing market error = %v, want ErrMarketNotFound", err)
	}
}

func TestFetchOrderBookSynthetic(t *testing.T) {
	srv := marketServer(t, map[string][]byte{
		"BinAddr1": binaryMarketBuf(30*lamportsPerSOL, 70*lamportsPerSOL, marketStatusOpen),
	})
	defer srv.Close()

	b := newTestAdapter(t, srv.URL, "")

	book, err := b.FetchOrderBook(context.Background(), "BinAddr1:yes")
	if err != nil {
		t.Fatalf("fetch book: %v", err)
	}
	if book.BestBid() != 0.70 || book.BestAsk() != 0.70 {
		t.Errorf("bid/ask = %v/%v, want coincident 0.70", book.BestBid(), book.BestAsk())
	}
	if len(book.Bids) != 1 || book.Bids[0].Size != 100 {
		t.Errorf("bids = %v, want one level sized by the total pool", book.Bids)
	}
}

func TestCreateOrderStake(t *testing.T) {
	srv := marketServer(t, map[string][]byte{
		"BinAddr1": binaryMarketBuf(30*lamportsPerSOL, 70*lamportsPerSOL, marketStatusOpen),
	})
	defer srv.Close()

	var signed StakeInstruction
	b := newTestAdapter(t, srv.URL, "", func(o *Options) {
		o.Sign = func(ctx context.Context, ins StakeInstruction) (string, error) {
			signed = ins
			return base64.StdEncoding.EncodeToString([]byte("stake-tx")), nil
		}
	})

	order, err := b.CreateOrder(context.Background(), models.CreateOrderParams{
		OutcomeID: "BinAddr1:no",
		Side:      models.OrderSideBuy,
		Type:      models.OrderTypeMarket,
		Amount:    2.5,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "5igStakeSignature" || order.Status != models.OrderStatusFilled {
		t.Errorf("order = %+v", order)
	}
	if order.Price != 0.30 {
		t.Errorf("fill price = %v, want pool-implied 0.30", order.Price)
	}
	if signed.Outcome != 1 || signed.Lamports != 2_500_000_000 {
		t.Errorf("signed instruction = %+v", signed)
	}
}

func TestOrderRulesPariMutuel(t *testing.T) {
	srv := marketServer(t, map[string][]byte{
		"BinAddr1": binaryMarketBuf(1, 1, marketStatusOpen),
		"Closed1":  binaryMarketBuf(1, 1, marketStatusResolved),
	})
	defer srv.Close()

	b := newTestAdapter(t, srv.URL, "", func(o *Options) {
		o.Sign = func(ctx context.Context, ins StakeInstruction) (string, error) { return "", nil }
	})

	// Stakes cannot be sold, limited, or cancelled.
	_, err := b.CreateOrder(context.Background(), models.CreateOrderParams{
		OutcomeID: "BinAddr1:yes", Side: models.OrderSideSell,
		Type: models.OrderTypeMarket, Amount: 1,
	})
	if !errors.Is(err, models.ErrInvalidOrder) {
		t.Errorf("sell error = %v, want ErrInvalidOrder", err)
	}
	_, err = b.CreateOrder(context.Background(), models.CreateOrderParams{
		OutcomeID: "BinAddr1:yes", Side: models.OrderSideBuy,
		Type: models.OrderTypeLimit, Price: 0.5, Amount: 1,
	})
	if !errors.Is(err, models.ErrInvalidOrder) {
		t.Errorf("limit error = %v, want ErrInvalidOrder", err)
	}
	_, err = b.CreateOrder(context.Background(), models.CreateOrderParams{
		OutcomeID: "Closed1:yes", Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Amount: 1,
	})
	if !errors.Is(err, models.ErrInvalidOrder) {
		t.Errorf("closed market error = %v, want ErrInvalidOrder", err)
	}
	if err := b.CancelOrder(context.Background(), "sig"); !errors.Is(err, models.ErrInvalidOrder) {
		t.Errorf("cancel error = %v, want ErrInvalidOrder", err)
	}

	// No signer configured means no trading.
	unauth := newTestAdapter(t, srv.URL, "")
	_, err = unauth.CreateOrder(context.Background(), models.CreateOrderParams{
		OutcomeID: "BinAddr1:yes", Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Amount: 1,
	})
	if !errors.Is(err, models.ErrAuthentication) {
		t.Errorf("unsigned error = %v, want ErrAuthentication", err)
	}
}

func TestProgramErrorMapping(t *testing.T) {
	err := mapRPCError("sendTransaction", &rpcError{
		Code:    -32002,
		Message: "Transaction simulation failed: Error processing Instruction 0: custom program error: 0x1",
	})
	if !errors.Is(err, models.ErrInsufficientFunds) {
		t.Errorf("0x1 error = %v, want ErrInsufficientFunds", err)
	}

	err = mapRPCError("sendTransaction", &rpcError{
		Message: "custom program error: 0x1770",
	})
	if !errors.Is(err, models.ErrInvalidOrder) {
		t.Errorf("0x1770 error = %v, want ErrInvalidOrder", err)
	}

	err = mapRPCError("sendTransaction", &rpcError{
		Message: "custom program error: 0xbeef",
	})
	if !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("unknown code error = %v, want ErrBadRequest", err)
	}
	if !strings.Contains(err.Error(), "0xbeef") {
		t.Errorf("original code lost from %q", err)
	}

	err = mapRPCError("getAccountInfo", &rpcError{Code: -32602, Message: "invalid param"})
	if !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("plain rpc error = %v, want ErrBadRequest", err)
	}
}

func TestFetchBalanceAndUnsupported(t *testing.T) {
	srv := marketServer(t, nil)
	defer srv.Close()

	b := newTestAdapter(t, srv.URL, "", func(o *Options) { o.Wallet = "Wa11et" })

	balances, err := b.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("fetch balance: %v", err)
	}
	if len(balances) != 1 || balances[0].Currency != "SOL" || balances[0].Total != 3.5 {
		t.Errorf("balances = %v", balances)
	}

	if _, err := b.FetchTrades(context.Background(), "X:yes", models.TradeParams{}); !errors.Is(err, models.ErrNotSupported) {
		t.Errorf("trades error = %v, want ErrNotSupported", err)
	}
	if _, err := b.WatchTrades(context.Background(), "X:yes"); !errors.Is(err, models.ErrNotSupported) {
		t.Errorf("watch trades error = %v, want ErrNotSupported", err)
	}
	if _, err := b.FetchCandles(context.Background(), "X:yes", models.CandleParams{}); !errors.Is(err, models.ErrExchangeNotAvailable) {
		t.Errorf("candles error = %v, want ErrExchangeNotAvailable", err)
	}
}

func TestWatchOrderBookAccountNotification(t *testing.T) {
	update := binaryMarketBuf(40*lamportsPerSOL, 60*lamportsPerSOL, marketStatusOpen)

	// The notification is gated so the watcher is parked before the account
	// change fires; an event with nobody waiting is absorbed, never
	// replayed.
	release := make(chan struct{})
	defer close(release)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "accountSubscribe" {
			t.Errorf("method = %q", req.Method)
		}
		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 55})
		if _, ok := <-release; !ok {
			return
		}
		conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "accountNotification",
			"params": map[string]any{
				"subscription": 55,
				"result":       map[string]any{"value": accountJSON(update)},
			},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b := newTestAdapter(t, "http://unused.invalid", "ws"+strings.TrimPrefix(srv.URL, "http"))
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type bookResult struct {
		book *models.OrderBook
		err  error
	}
	got := make(chan bookResult, 1)
	go func() {
		book, err := b.WatchOrderBook(ctx, "BinAddr1:yes")
		got <- bookResult{book: book, err: err}
	}()
	time.Sleep(20 * time.Millisecond) // let the watcher park
	release <- struct{}{}

	res := <-got
	if res.err != nil {
		t.Fatalf("watch: %v", res.err)
	}
	if res.book.BestBid() != 0.60 {
		t.Errorf("implied yes price = %v, want 0.60", res.book.BestBid())
	}
	if res.book.Bids[0].Size != 100 {
		t.Errorf("size = %v, want total pool 100", res.book.Bids[0].Size)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := b.WatchOrderBook(ctx, "BinAddr1:yes"); !errors.Is(err, models.ErrClosed) {
		t.Errorf("post-close error = %v, want ErrClosed", err)
	}
}
