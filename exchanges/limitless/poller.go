package limitless

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pmxt/pmxt-go/exchange"
	"github.com/pmxt/pmxt-go/models"
)

// poller backs the book-watch surface with a REST poll loop: one
// goroutine per watched outcome fetches the book on an interval and
// snapshots the channel only when the levels actually changed.
type poller struct {
	client   *client
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	books  map[string]*exchange.BookChannel // keyed by outcome id

	done chan struct{}
	wg   sync.WaitGroup
}

func newPoller(c *client, interval time.Duration, log *slog.Logger) *poller {
	return &poller{
		client:   c,
		interval: interval,
		log:      log,
		books:    make(map[string]*exchange.BookChannel),
		done:     make(chan struct{}),
	}
}

// BookChannel returns the watch channel for an outcome, starting its poll
// loop on first use.
func (p *poller) BookChannel(ctx context.Context, outcomeID string) (*exchange.BookChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, models.ErrClosed
	}
	if ch, ok := p.books[outcomeID]; ok {
		return ch, nil
	}
	ch := exchange.NewBookChannel()
	p.books[outcomeID] = ch
	p.wg.Add(1)
	go p.loop(outcomeID, ch)
	return ch, nil
}

func (p *poller) loop(outcomeID string, ch *exchange.BookChannel) {
	defer p.wg.Done()

	slug, side := splitOutcomeID(outcomeID)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last *models.OrderBook
	for {
		ctx, cancel := context.WithTimeout(context.Background(), p.interval*5)
		raw, err := p.client.orderbook(ctx, slug)
		cancel()
		if err != nil {
			p.log.Debug("book poll failed", "outcome", outcomeID, "error", err)
		} else {
			book := raw.toOrderBook(side)
			if last == nil || !levelsEqual(last, book) {
				last = book
				ch.Snapshot(book)
			}
		}

		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
	}
}

func levelsEqual(a, b *models.OrderBook) bool {
	if len(a.Bids) != len(b.Bids) || len(a.Asks) != len(b.Asks) {
		return false
	}
	for i := range a.Bids {
		if a.Bids[i] != b.Bids[i] {
			return false
		}
	}
	for i := range a.Asks {
		if a.Asks[i] != b.Asks[i] {
			return false
		}
	}
	return true
}

// Close stops every poll loop and fails every parked watcher.
func (p *poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	for _, ch := range p.books {
		ch.Close(nil)
	}
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
