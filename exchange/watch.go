package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/pmxt/pmxt-go/models"
)

// BookChannel hands realtime order-book updates to blocking consumers. The
// feed side pushes snapshots and deltas; each WatchOrderBook call parks on
// Next until the next update lands. An update arriving with nobody waiting
// is absorbed into the maintained book and never replayed: Next always
// waits for an event issued after the call, not current state.
type BookChannel struct {
	mu      sync.Mutex
	current *models.OrderBook
	waiters []chan bookEvent
	closed  bool
	err     error
}

type bookEvent struct {
	book *models.OrderBook
	err  error
}

// NewBookChannel returns an empty channel with no book state yet.
func NewBookChannel() *BookChannel {
	return &BookChannel{}
}

// Snapshot replaces the full book and wakes waiters.
func (c *BookChannel) Snapshot(book *models.OrderBook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	book.SortSides()
	c.current = book
	c.deliverLocked()
}

// Delta applies one level change to the maintained book and wakes waiters.
// A delta arriving before any snapshot has no book to mutate and is
// dropped.
func (c *BookChannel) Delta(side models.OrderSide, price, size float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.current == nil {
		return
	}
	c.current.ApplyDelta(side, price, size)
	c.deliverLocked()
}

// deliverLocked resolves every parked waiter with an isolated copy of the
// current book. With nobody waiting the update stays absorbed in the
// maintained state.
func (c *BookChannel) deliverLocked() {
	for _, w := range c.waiters {
		w <- bookEvent{book: c.current.Clone()}
	}
	c.waiters = nil
}

// Next blocks until the next book update or channel close. State cached
// before the call never satisfies it.
func (c *BookChannel) Next(ctx context.Context) (*models.OrderBook, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErrLocked()
	}
	w := make(chan bookEvent, 1)
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case ev := <-w:
		return ev.book, ev.err
	case <-ctx.Done():
		c.removeBookWaiter(w)
		return nil, ctx.Err()
	}
}

func (c *BookChannel) removeBookWaiter(w chan bookEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cand := range c.waiters {
		if cand == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Close fails all parked waiters and every later Next call. A nil cause
// reports models.ErrClosed.
func (c *BookChannel) Close(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = cause
	for _, w := range c.waiters {
		w <- bookEvent{err: c.closeErrLocked()}
	}
	c.waiters = nil
}

func (c *BookChannel) closeErrLocked() error {
	if c.err != nil {
		return fmt.Errorf("exchange: subscription closed: %w", c.err)
	}
	return models.ErrClosed
}

// TradeChannel hands realtime trade batches to blocking consumers. A batch
// resolves every waiter parked at the moment it arrives; a batch with no
// waiters is dropped — only events after the watch call satisfy it.
type TradeChannel struct {
	mu      sync.Mutex
	waiters []chan tradeEvent
	closed  bool
	err     error
}

type tradeEvent struct {
	trades []models.Trade
	err    error
}

// NewTradeChannel returns an empty trade channel.
func NewTradeChannel() *TradeChannel {
	return &TradeChannel{}
}

// Push delivers one batch of trades, resolving and clearing every parked
// waiter. Empty batches are dropped.
func (c *TradeChannel) Push(trades []models.Trade) {
	if len(trades) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, w := range c.waiters {
		batch := make([]models.Trade, len(trades))
		copy(batch, trades)
		w <- tradeEvent{trades: batch}
	}
	c.waiters = nil
}

// Next blocks until the next trade batch or channel close. Trades pushed
// before the call never satisfy it.
func (c *TradeChannel) Next(ctx context.Context) ([]models.Trade, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErrLocked()
	}
	w := make(chan tradeEvent, 1)
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case ev := <-w:
		return ev.trades, ev.err
	case <-ctx.Done():
		c.removeTradeWaiter(w)
		return nil, ctx.Err()
	}
}

func (c *TradeChannel) removeTradeWaiter(w chan tradeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cand := range c.waiters {
		if cand == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Close fails all parked waiters and every later Next call.
func (c *TradeChannel) Close(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = cause
	for _, w := range c.waiters {
		w <- tradeEvent{err: c.closeErrLocked()}
	}
	c.waiters = nil
}

func (c *TradeChannel) closeErrLocked() error {
	if c.err != nil {
		return fmt.Errorf("exchange: subscription closed: %w", c.err)
	}
	return models.ErrClosed
}
