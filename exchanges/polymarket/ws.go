package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
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

// marketFeed maintains one WebSocket connection to the CLOB market channel
// and fans incoming snapshots, deltas, and trade prints out to per-token
// watch channels.
type marketFeed struct {
	wsURL string
	log   *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	assets []string // subscribed token ids, restored on reconnect

	books  map[string]*exchange.BookChannel
	trades map[string]*exchange.TradeChannel

	done chan struct{}
}

func newMarketFeed(wsURL string, log *slog.Logger) *marketFeed {
	return &marketFeed{
		wsURL:  wsURL,
		log:    log,
		books:  make(map[string]*exchange.BookChannel),
		trades: make(map[string]*exchange.TradeChannel),
		done:   make(chan struct{}),
	}
}

// BookChannel returns the watch channel for tokenID, subscribing on first
// use. The vendor subscription is idempotent per token.
func (f *marketFeed) BookChannel(ctx context.Context, tokenID string) (*exchange.BookChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, models.ErrClosed
	}
	if ch, ok := f.books[tokenID]; ok {
		return ch, nil
	}
	if err := f.subscribeLocked(ctx, tokenID); err != nil {
		return nil, err
	}
	ch := exchange.NewBookChannel()
	f.books[tokenID] = ch
	return ch, nil
}

// TradeChannel returns the trade watch channel for tokenID, subscribing on
// first use.
func (f *marketFeed) TradeChannel(ctx context.Context, tokenID string) (*exchange.TradeChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, models.ErrClosed
	}
	if ch, ok := f.trades[tokenID]; ok {
		return ch, nil
	}
	if err := f.subscribeLocked(ctx, tokenID); err != nil {
		return nil, err
	}
	ch := exchange.NewTradeChannel()
	f.trades[tokenID] = ch
	return ch, nil
}

// subscribeLocked connects on first use and registers tokenID on the
// market channel. Caller holds f.mu.
func (f *marketFeed) subscribeLocked(ctx context.Context, tokenID string) error {
	if f.conn == nil {
		if err := f.connectLocked(ctx); err != nil {
			return err
		}
	}
	for _, a := range f.assets {
		if a == tokenID {
			return nil
		}
	}
	f.assets = append(f.assets, tokenID)
	return f.sendSubscribeLocked([]string{tokenID})
}

func (f *marketFeed) connectLocked(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w: %v", models.ErrNetwork, err)
	}
	f.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go f.readLoop(conn)
	go f.pingLoop(conn)

	if len(f.assets) > 0 {
		if err := f.sendSubscribeLocked(f.assets); err != nil {
			return fmt.Errorf("polymarket/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

func (f *marketFeed) sendSubscribeLocked(assets []string) error {
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	cmd := map[string]any{
		"type":       "subscribe",
		"channel":    "market",
		"assets_ids": assets,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal subscribe: %w", err)
	}
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// Close tears down the connection and fails every parked watcher.
func (f *marketFeed) Close() error {
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

func (f *marketFeed) readLoop(conn *websocket.Conn) {
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

func (f *marketFeed) pingLoop(conn *websocket.Conn) {
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

// handleMessage routes one frame. Market-channel frames arrive either as a
// single object or as an array of them.
func (f *marketFeed) handleMessage(raw []byte) {
	if len(raw) > 0 && raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return
		}
		for _, item := range batch {
			f.handleMessage(item)
		}
		return
	}

	var envelope struct {
		EventType string `json:"event_type"`
		AssetID   string `json:"asset_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.EventType {
	case "book":
		var msg clobBook
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		f.mu.Lock()
		ch := f.books[msg.AssetID]
		f.mu.Unlock()
		if ch != nil {
			ch.Snapshot(msg.toOrderBook())
		}

	case "price_change":
		var msg struct {
			AssetID string `json:"asset_id"`
			Side    string `json:"side"`
			Price   string `json:"price"`
			Size    string `json:"size"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		f.mu.Lock()
		ch := f.books[msg.AssetID]
		f.mu.Unlock()
		if ch == nil {
			return
		}
		price, _ := strconv.ParseFloat(msg.Price, 64)
		size, _ := strconv.ParseFloat(msg.Size, 64)
		side := models.OrderSideSell
		if msg.Side == "BUY" {
			side = models.OrderSideBuy
		}
		ch.Delta(side, price, size)

	case "last_trade_price":
		var msg struct {
			AssetID   string `json:"asset_id"`
			Price     string `json:"price"`
			Size      string `json:"size"`
			Side      string `json:"side"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		f.mu.Lock()
		ch := f.trades[msg.AssetID]
		f.mu.Unlock()
		if ch == nil {
			return
		}
		trade := models.Trade{Timestamp: parseMillis(msg.Timestamp)}
		trade.Price, _ = strconv.ParseFloat(msg.Price, 64)
		trade.Amount, _ = strconv.ParseFloat(msg.Size, 64)
		switch msg.Side {
		case "BUY":
			trade.Side = models.TradeSideBuy
		case "SELL":
			trade.Side = models.TradeSideSell
		default:
			trade.Side = models.TradeSideUnknown
		}
		ch.Push([]models.Trade{trade})
	}
}

// reconnect re-establishes the connection with exponential backoff,
// resubscribing the tracked assets. Blocks until success or Close.
func (f *marketFeed) reconnect() {
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
