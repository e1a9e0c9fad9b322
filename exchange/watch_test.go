package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

func snapshotBook() *models.OrderBook {
	return &models.OrderBook{
		Bids:      []models.Level{{Price: 0.40, Size: 10}, {Price: 0.45, Size: 5}},
		Asks:      []models.Level{{Price: 0.60, Size: 7}, {Price: 0.55, Size: 3}},
		Timestamp: time.Now(),
	}
}

type bookResult struct {
	book *models.OrderBook
	err  error
}

// nextBookAsync parks a Next call in the background so the test can fire
// the event afterwards.
func nextBookAsync(ch *BookChannel) <-chan bookResult {
	out := make(chan bookResult, 1)
	go func() {
		b, err := ch.Next(context.Background())
		out <- bookResult{book: b, err: err}
	}()
	time.Sleep(10 * time.Millisecond) // let the waiter park
	return out
}

func TestBookChannel_NextWaitsForNextEvent(t *testing.T) {
	ch := NewBookChannel()
	ch.Snapshot(snapshotBook())

	// State cached before the call never satisfies a watch: this Next must
	// wait out its deadline even though a snapshot already landed.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := ch.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("next after pre-call snapshot = %v, want deadline exceeded", err)
	}

	// A waiter parked before the event gets it, sorted: best bid first,
	// best ask first.
	got := nextBookAsync(ch)
	ch.Snapshot(snapshotBook())
	select {
	case res := <-got:
		if res.err != nil {
			t.Fatalf("next: %v", res.err)
		}
		if res.book.BestBid() != 0.45 || res.book.BestAsk() != 0.55 {
			t.Errorf("best bid/ask = %v/%v, want 0.45/0.55", res.book.BestBid(), res.book.BestAsk())
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woken by snapshot")
	}
}

func TestBookChannel_DeltaMutatesAndWakes(t *testing.T) {
	ch := NewBookChannel()
	ch.Snapshot(snapshotBook()) // absorbed: nobody is waiting yet

	got := nextBookAsync(ch)

	// Size 0 removes the 0.55 ask level; the 0.60 level becomes best.
	ch.Delta(models.OrderSideSell, 0.55, 0)

	select {
	case res := <-got:
		if res.err != nil {
			t.Fatalf("next: %v", res.err)
		}
		if res.book.BestAsk() != 0.60 {
			t.Errorf("best ask after removal = %v, want 0.60", res.book.BestAsk())
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woken by delta")
	}
}

func TestBookChannel_OrphanDeltaDropped(t *testing.T) {
	ch := NewBookChannel()
	// No snapshot yet: the delta has nothing to mutate and must not wake
	// anyone.
	ch.Delta(models.OrderSideBuy, 0.50, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := ch.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("next error = %v, want deadline exceeded", err)
	}
}

func TestBookChannel_DeliveredBooksAreIsolated(t *testing.T) {
	ch := NewBookChannel()

	got := nextBookAsync(ch)
	ch.Snapshot(snapshotBook())
	res := <-got
	if res.err != nil {
		t.Fatalf("next: %v", res.err)
	}
	res.book.Asks[0].Size = 9999

	got = nextBookAsync(ch)
	ch.Delta(models.OrderSideSell, 0.70, 1)
	res = <-got
	if res.err != nil {
		t.Fatalf("next: %v", res.err)
	}
	if res.book.Asks[0].Size == 9999 {
		t.Error("consumer mutation leaked into the maintained book")
	}
}

func TestBookChannel_CloseFailsWaiters(t *testing.T) {
	ch := NewBookChannel()
	errc := make(chan error, 1)
	go func() {
		_, err := ch.Next(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)

	ch.Close(nil)

	select {
	case err := <-errc:
		if !errors.Is(err, models.ErrClosed) {
			t.Errorf("waiter error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not failed on close")
	}

	if _, err := ch.Next(context.Background()); !errors.Is(err, models.ErrClosed) {
		t.Errorf("post-close next error = %v, want ErrClosed", err)
	}
}

func TestTradeChannel_PreWatchTradesNotReplayed(t *testing.T) {
	ch := NewTradeChannel()
	ch.Push([]models.Trade{{ID: "t1"}})

	// The pre-call batch is gone; only trades after the watch satisfy it.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := ch.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("next error = %v, want deadline exceeded", err)
	}
}

func TestTradeChannel_EventResolvesAllWaiters(t *testing.T) {
	ch := NewTradeChannel()

	type result struct {
		trades []models.Trade
		err    error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			trades, err := ch.Next(context.Background())
			results <- result{trades: trades, err: err}
		}()
	}
	time.Sleep(10 * time.Millisecond)

	ch.Push([]models.Trade{{ID: "t1"}, {ID: "t2"}})

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.err != nil {
				t.Fatalf("waiter %d: %v", i, res.err)
			}
			if len(res.trades) != 2 || res.trades[0].ID != "t1" {
				t.Errorf("waiter %d batch = %v", i, res.trades)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never resolved; one event must clear every parked watcher", i)
		}
	}
}

func TestTradeChannel_CloseWithCause(t *testing.T) {
	ch := NewTradeChannel()
	cause := errors.New("feed torn down")
	ch.Close(cause)

	_, err := ch.Next(context.Background())
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want wrapped cause", err)
	}
}
