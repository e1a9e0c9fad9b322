package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pmxt/pmxt-go/exchange"
	"github.com/pmxt/pmxt-go/models"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// feed maintains one WebSocket connection to the venue's v2 stream and
// fans orderbook snapshots/deltas and trade prints out to per-outcome
// watch channels. The venue keys frames by market ticker; the feed
// re-renders each update for every watched side of that ticker.
type feed struct {
	wsURL  string
	client *client // reused for handshake signing
	log    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	nextID  int64
	tickers []string

	// venue-side book state per ticker, re-rendered per watched side
	state map[string]*apiOrderbook

	books  map[string]*exchange.BookChannel  // keyed by outcome id
	trades map[string]*exchange.TradeChannel // keyed by outcome id

	done chan struct{}
}

func newFeed(wsURL string, c *client, log *slog.Logger) *feed {
	return &feed{
		wsURL:  wsURL,
		client: c,
		log:    log,
		nextID: 1,
		state:  make(map[string]*apiOrderbook),
		books:  make(map[string]*exchange.BookChannel),
		trades: make(map[string]*exchange.TradeChannel),
		done:   make(chan struct{}),
	}
}

// BookChannel returns the watch channel for an outcome, subscribing its
// ticker on first use.
func (f *feed) BookChannel(ctx context.Context, outcomeID string) (*exchange.BookChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, models.ErrClosed
	}
	if ch, ok := f.books[outcomeID]; ok {
		return ch, nil
	}
	ticker, _ := splitOutcomeID(outcomeID)
	if err := f.subscribeLocked(ctx, ticker); err != nil {
		return nil, err
	}
	ch := exchange.NewBookChannel()
	f.books[outcomeID] = ch
	return ch, nil
}

// TradeChannel returns the trade watch channel for an outcome.
func (f *feed) TradeChannel(ctx context.Context, outcomeID string) (*exchange.TradeChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, models.ErrClosed
	}
	if ch, ok := f.trades[outcomeID]; ok {
		return ch, nil
	}
	ticker, _ := splitOutcomeID(outcomeID)
	if err := f.subscribeLocked(ctx, ticker); err != nil {
		return nil, err
	}
	ch := exchange.NewTradeChannel()
	f.trades[outcomeID] = ch
	return ch, nil
}

func (f *feed) subscribeLocked(ctx context.Context, ticker string) error {
	if f.conn == nil {
		if err := f.connectLocked(ctx); err != nil {
			return err
		}
	}
	for _, t := range f.tickers {
		if t == ticker {
			return nil
		}
	}
	f.tickers = append(f.tickers, ticker)
	return f.sendSubscribeLocked([]string{ticker})
}

func (f *feed) connectLocked(ctx context.Context) error {
	header := http.Header{}
	if f.client.authenticated() {
		if err := f.client.signRequest(header, http.MethodGet, "/trade-api/ws/v2"); err != nil {
			return fmt.Errorf("kalshi/ws: sign handshake: %w", err)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, header)
	if err != nil {
		return fmt.Errorf("kalshi/ws: connect: %w: %v", models.ErrNetwork, err)
	}
	f.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go f.readLoop(conn)
	go f.pingLoop(conn)

	if len(f.tickers) > 0 {
		if err := f.sendSubscribeLocked(f.tickers); err != nil {
			return fmt.Errorf("kalshi/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

func (f *feed) sendSubscribeLocked(tickers []string) error {
	cmd := map[string]any{
		"id":  f.nextID,
		"cmd": "subscribe",
		"params": map[string]any{
			"channels":       []string{"orderbook_delta", "trade"},
			"market_tickers": tickers,
		},
	}
	f.nextID++

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("kalshi/ws: marshal subscribe: %w", err)
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("kalshi/ws: subscribe: %w", err)
	}
	return nil
}

// Close tears down the connection and fails every parked watcher.
func (f *feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)

	for _, ch := range f.books {
		ch.Close(nil)
	}
	for _, ch := range f.trades {
		ch.Close(nil)
	}

	if f.conn != nil {
		_ = f.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return f.conn.Close()
	}
	return nil
}

func (f *feed) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case <-f.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
				return
			default:
			}
			f.log.Warn("feed disconnected, reconnecting", "error", err)
			f.reconnect()
			return
		}
		f.handleMessage(message)
	}
}

func (f *feed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *feed) handleMessage(raw []byte) {
	var envelope struct {
		Type string          `json:"type"`
		Msg  json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "orderbook_snapshot":
		var msg struct {
			Ticker string     `json:"market_ticker"`
			Yes    []apiLevel `json:"yes"`
			No     []apiLevel `json:"no"`
		}
		if err := json.Unmarshal(envelope.Msg, &msg); err != nil {
			return
		}
		f.mu.Lock()
		f.state[msg.Ticker] = &apiOrderbook{Yes: msg.Yes, No: msg.No}
		f.publishBookLocked(msg.Ticker)
		f.mu.Unlock()

	case "orderbook_delta":
		var msg struct {
			Ticker string  `json:"market_ticker"`
			Price  float64 `json:"price"` // cents, in the delta side's own terms
			Delta  float64 `json:"delta"` // contract count change
			Side   string  `json:"side"`  // "yes" or "no"
		}
		if err := json.Unmarshal(envelope.Msg, &msg); err != nil {
			return
		}
		f.mu.Lock()
		book := f.state[msg.Ticker]
		if book == nil {
			// Delta before snapshot has nothing to mutate.
			f.mu.Unlock()
			return
		}
		applyVenueDelta(book, msg.Side, msg.Price, msg.Delta)
		f.publishBookLocked(msg.Ticker)
		f.mu.Unlock()

	case "trade":
		var msg apiTrade
		if err := json.Unmarshal(envelope.Msg, &msg); err != nil {
			return
		}
		if msg.CreatedTime == "" {
			msg.CreatedTime = time.Now().Format(time.RFC3339)
		}
		f.mu.Lock()
		for _, side := range []string{"yes", "no"} {
			if ch, ok := f.trades[msg.Ticker+":"+side]; ok {
				ch.Push([]models.Trade{msg.toTrade(side)})
			}
		}
		f.mu.Unlock()
	}
}

// publishBookLocked re-renders the venue book for every watched side of
// the ticker. Caller holds f.mu.
func (f *feed) publishBookLocked(ticker string) {
	book := f.state[ticker]
	for _, side := range []string{"yes", "no"} {
		if ch, ok := f.books[ticker+":"+side]; ok {
			ch.Snapshot(book.toOrderBook(side))
		}
	}
}

// applyVenueDelta mutates one side of the venue-term book. A level whose
// quantity reaches zero is removed.
func applyVenueDelta(book *apiOrderbook, side string, price, delta float64) {
	levels := &book.Yes
	if side == "no" {
		levels = &book.No
	}
	for i := range *levels {
		if (*levels)[i][0] == price {
			(*levels)[i][1] += delta
			if (*levels)[i][1] <= 0 {
				*levels = append((*levels)[:i], (*levels)[i+1:]...)
			}
			return
		}
	}
	if delta > 0 {
		*levels = append(*levels, apiLevel{price, delta})
	}
}

func (f *feed) reconnect() {
	delay := reconnectDelay
	for {
		select {
		case <-f.done:
			return
		default:
		}
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		f.mu.Lock()
		var err error
		if !f.closed {
			f.conn = nil
			err = f.connectLocked(ctx)
		}
		f.mu.Unlock()
		cancel()
		if err == nil {
			return
		}

		f.log.Warn("reconnect failed", "error", err, "retry_in", delay)
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
