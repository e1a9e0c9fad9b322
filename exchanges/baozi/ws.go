package baozi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
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

// feed turns accountSubscribe notifications into book watch channels.
// Each subscribed market account is re-decoded on every change and the
// synthetic book is re-rendered for every watched outcome of that market.
type feed struct {
	wsURL string
	log   *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	nextID int64

	markets map[string]bool                  // subscribed market addresses
	pending map[int64]string                 // request id → address, until confirmed
	subs    map[int64]string                 // subscription id → address
	books   map[string]*exchange.BookChannel // keyed by outcome id

	done chan struct{}
}

func newFeed(wsURL string, log *slog.Logger) *feed {
	return &feed{
		wsURL:   wsURL,
		log:     log,
		nextID:  1,
		markets: make(map[string]bool),
		pending: make(map[int64]string),
		subs:    make(map[int64]string),
		books:   make(map[string]*exchange.BookChannel),
		done:    make(chan struct{}),
	}
}

// BookChannel returns the watch channel for an outcome, subscribing its
// market account on first use.
func (f *feed) BookChannel(ctx context.Context, outcomeID string) (*exchange.BookChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, models.ErrClosed
	}
	if ch, ok := f.books[outcomeID]; ok {
		return ch, nil
	}
	address, _ := splitOutcomeID(outcomeID)
	if err := f.subscribeLocked(ctx, address); err != nil {
		return nil, err
	}
	ch := exchange.NewBookChannel()
	f.books[outcomeID] = ch
	return ch, nil
}

func (f *feed) subscribeLocked(ctx context.Context, address string) error {
	if f.conn == nil {
		if err := f.connectLocked(ctx); err != nil {
			return err
		}
	}
	if f.markets[address] {
		return nil
	}
	f.markets[address] = true
	return f.sendSubscribeLocked(address)
}

func (f *feed) connectLocked(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("baozi/ws: connect: %w: %v", models.ErrNetwork, err)
	}
	f.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go f.readLoop(conn)
	go f.pingLoop(conn)

	// Re-issue subscriptions after a reconnect; subscription ids are
	// connection-scoped on the vendor side.
	f.subs = make(map[int64]string)
	f.pending = make(map[int64]string)
	for address := range f.markets {
		if err := f.sendSubscribeLocked(address); err != nil {
			return fmt.Errorf("baozi/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

func (f *feed) sendSubscribeLocked(address string) error {
	id := f.nextID
	f.nextID++
	f.pending[id] = address

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "accountSubscribe",
		"params": []any{
			address,
			map[string]any{"encoding": "base64", "commitment": "confirmed"},
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("baozi/ws: marshal subscribe: %w", err)
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("baozi/ws: subscribe: %w", err)
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
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch {
	case envelope.ID != 0 && envelope.Result != nil:
		// Subscription confirmation: result is the subscription id.
		var subID int64
		if err := json.Unmarshal(envelope.Result, &subID); err != nil {
			return
		}
		f.mu.Lock()
		if address, ok := f.pending[envelope.ID]; ok {
			delete(f.pending, envelope.ID)
			f.subs[subID] = address
		}
		f.mu.Unlock()

	case envelope.Method == "accountNotification":
		var params struct {
			Subscription int64 `json:"subscription"`
			Result       struct {
				Value struct {
					Data []string `json:"data"`
				} `json:"value"`
			} `json:"result"`
		}
		if err := json.Unmarshal(envelope.Params, &params); err != nil {
			return
		}
		data, err := decodeAccountData(params.Result.Value.Data)
		if err != nil {
			f.log.Debug("notification data undecodable", "error", err)
			return
		}

		f.mu.Lock()
		address, ok := f.subs[params.Subscription]
		if !ok {
			f.mu.Unlock()
			return
		}
		f.publishLocked(address, data)
		f.mu.Unlock()
	}
}

// publishLocked re-decodes the account and re-renders the synthetic book
// for every watched outcome of the market. Caller holds f.mu.
func (f *feed) publishLocked(address string, data []byte) {
	market, err := decodeMarketAccount(address, data)
	if err != nil || market == nil {
		if err != nil {
			f.log.Debug("account decode failed", "address", address, "error", err)
		}
		return
	}
	for _, outcome := range market.Outcomes {
		if ch, ok := f.books[outcome.OutcomeID]; ok {
			ch.Snapshot(syntheticBook(outcome.Price, market.Volume))
		}
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
