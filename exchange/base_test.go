package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

// fakeBackend serves a scripted market list and counts upstream fetches.
type fakeBackend struct {
	mu      sync.Mutex
	markets []*models.Market
	events  []*models.Event
	err     error
	calls   atomic.Int64
	block   chan struct{} // when non-nil, FetchMarketsRaw waits on it
}

func (f *fakeBackend) FetchMarketsRaw(ctx context.Context, params models.MarketParams) ([]*models.Market, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if params.Slug != "" {
		for _, m := range f.markets {
			if m.Slug == params.Slug || m.MarketID == params.Slug {
				return []*models.Market{m}, nil
			}
		}
		return nil, nil
	}
	return f.markets, nil
}

func (f *fakeBackend) FetchEventsRaw(ctx context.Context, params models.MarketParams) ([]*models.Event, error) {
	if params.Slug != "" {
		for _, e := range f.events {
			if e.Slug == params.Slug || e.ID == params.Slug {
				return []*models.Event{e}, nil
			}
		}
		return nil, nil
	}
	return f.events, nil
}

func newTestBase(backend Backend) *Base {
	b := NewBase("fake", "Fake Exchange", 0, nil)
	b.Bind(backend)
	return b
}

func twoMarkets() []*models.Market {
	return []*models.Market{
		{
			MarketID: "mkt-1", Slug: "btc-100k", Title: "BTC above 100k",
			Outcomes: []*models.Outcome{
				{OutcomeID: "tok-1y", MarketID: "mkt-1", Label: "Yes"},
				{OutcomeID: "tok-1n", MarketID: "mkt-1", Label: "No"},
			},
		},
		{
			MarketID: "mkt-2", Title: "Rate cut",
			Outcomes: []*models.Outcome{
				{OutcomeID: "tok-2y", MarketID: "mkt-2", Label: "Yes"},
			},
		},
	}
}

func TestLoadMarkets_CachesAcrossCalls(t *testing.T) {
	fb := &fakeBackend{markets: twoMarkets()}
	b := newTestBase(fb)

	m1, err := b.LoadMarkets(context.Background(), false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m2, err := b.LoadMarkets(context.Background(), false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fb.calls.Load() != 1 {
		t.Errorf("upstream fetched %d times, want 1", fb.calls.Load())
	}
	if len(m1) != 2 || len(m2) != 2 {
		t.Errorf("cache sizes %d/%d, want 2", len(m1), len(m2))
	}
}

func TestLoadMarkets_ReloadRefetches(t *testing.T) {
	fb := &fakeBackend{markets: twoMarkets()}
	b := newTestBase(fb)

	if _, err := b.LoadMarkets(context.Background(), false); err != nil {
		t.Fatalf("load: %v", err)
	}

	fb.mu.Lock()
	fb.markets = twoMarkets()[:1]
	fb.mu.Unlock()

	m, err := b.LoadMarkets(context.Background(), true)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(m) != 1 {
		t.Errorf("reloaded cache has %d markets, want 1", len(m))
	}
	if fb.calls.Load() != 2 {
		t.Errorf("upstream fetched %d times, want 2", fb.calls.Load())
	}
}

func TestLoadMarkets_ConcurrentLoadsCollapse(t *testing.T) {
	fb := &fakeBackend{markets: twoMarkets(), block: make(chan struct{})}
	b := newTestBase(fb)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.LoadMarkets(context.Background(), false)
		}(i)
	}
	close(fb.block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("loader %d: %v", i, err)
		}
	}
	if fb.calls.Load() != 1 {
		t.Errorf("upstream fetched %d times under concurrency, want 1", fb.calls.Load())
	}
}

func TestLoadMarkets_FailureLeavesCacheIntact(t *testing.T) {
	fb := &fakeBackend{markets: twoMarkets()}
	b := newTestBase(fb)

	if _, err := b.LoadMarkets(context.Background(), false); err != nil {
		t.Fatalf("load: %v", err)
	}

	fb.mu.Lock()
	fb.err = models.ErrNetwork
	fb.mu.Unlock()

	if _, err := b.LoadMarkets(context.Background(), true); !errors.Is(err, models.ErrNetwork) {
		t.Fatalf("reload error = %v, want ErrNetwork", err)
	}

	// The previous cache must still serve lookups.
	m, err := b.FetchMarket(context.Background(), "mkt-1")
	if err != nil || m.MarketID != "mkt-1" {
		t.Errorf("cache lost after failed reload: %v, %v", m, err)
	}
}

func TestFetchMarket_LookupPrecedence(t *testing.T) {
	fb := &fakeBackend{markets: twoMarkets()}
	b := newTestBase(fb)
	if _, err := b.LoadMarkets(context.Background(), false); err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := []struct {
		lookup string
		want   string
	}{
		{"mkt-1", "mkt-1"},    // market id
		{"tok-2y", "mkt-2"},   // outcome id
		{"btc-100k", "mkt-1"}, // slug
	}
	for _, tc := range cases {
		m, err := b.FetchMarket(context.Background(), tc.lookup)
		if err != nil {
			t.Errorf("lookup %q: %v", tc.lookup, err)
			continue
		}
		if m.MarketID != tc.want {
			t.Errorf("lookup %q = %s, want %s", tc.lookup, m.MarketID, tc.want)
		}
	}
}

func TestFetchMarket_ColdCacheFallsThroughToVenue(t *testing.T) {
	fb := &fakeBackend{markets: twoMarkets()}
	b := newTestBase(fb)

	m, err := b.FetchMarket(context.Background(), "btc-100k")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if m.MarketID != "mkt-1" {
		t.Errorf("got %s, want mkt-1", m.MarketID)
	}
}

func TestFetchMarket_NotFound(t *testing.T) {
	fb := &fakeBackend{markets: twoMarkets()}
	b := newTestBase(fb)

	_, err := b.FetchMarket(context.Background(), "no-such-market")
	if !errors.Is(err, models.ErrMarketNotFound) {
		t.Errorf("error = %v, want ErrMarketNotFound", err)
	}
}

func TestFetchEvent(t *testing.T) {
	fb := &fakeBackend{events: []*models.Event{{ID: "ev1", Slug: "election-2028", Title: "Election"}}}
	b := newTestBase(fb)

	e, err := b.FetchEvent(context.Background(), "election-2028")
	if err != nil || e.ID != "ev1" {
		t.Errorf("fetch event: %v, %v", e, err)
	}

	if _, err := b.FetchEvent(context.Background(), "missing"); !errors.Is(err, models.ErrEventNotFound) {
		t.Errorf("error = %v, want ErrEventNotFound", err)
	}
}

func TestResolveOutcome(t *testing.T) {
	fb := &fakeBackend{markets: twoMarkets()}
	b := newTestBase(fb)

	m, o, err := b.ResolveOutcome(context.Background(), "tok-1n")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.MarketID != "mkt-1" || o == nil || o.Label != "No" {
		t.Errorf("resolved (%v, %v)", m.MarketID, o)
	}

	if _, _, err := b.ResolveOutcome(context.Background(), "bogus"); !errors.Is(err, models.ErrMarketNotFound) {
		t.Errorf("error = %v, want ErrMarketNotFound", err)
	}
}

func TestEnableRateLimit_DisableReleasesQueuedCallers(t *testing.T) {
	b := NewBase("fake", "Fake Exchange", time.Hour, nil) // one call per hour
	b.Bind(&fakeBackend{})

	// The banked token goes to the first call; the second parks.
	if err := b.Throttle(context.Background()); err != nil {
		t.Fatalf("first throttle: %v", err)
	}
	queued := make(chan error, 1)
	go func() { queued <- b.Throttle(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	b.EnableRateLimit(false)

	// The already-parked caller is released, not grandfathered into the
	// old rate.
	select {
	case err := <-queued:
		if err != nil {
			t.Fatalf("queued caller: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued caller still parked after disable")
	}

	// Subsequent calls bypass the limiter entirely.
	done := make(chan error, 1)
	go func() { done <- b.Throttle(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("throttle after disable: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disable did not take effect for the next call")
	}
}
