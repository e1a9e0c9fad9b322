package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pmxt/pmxt-go/models"
	"github.com/pmxt/pmxt-go/throttle"
)

// cacheState tracks the market cache lifecycle. Transitions are
// unloaded→loading→loaded on first load; a failed load falls back to the
// previous state and never leaves a torn cache behind.
type cacheState int

const (
	stateUnloaded cacheState = iota
	stateLoading
	stateLoaded
)

// Base carries the adapter-independent machinery: the market cache and its
// lookup indexes, request throttling, and the shared resolution helpers.
// Adapters embed *Base and call Bind with themselves once constructed.
type Base struct {
	id      string
	name    string
	backend Backend
	log     *slog.Logger

	throttler *throttle.Throttler
	group     singleflight.Group

	mu          sync.RWMutex
	rateLimited bool
	state       cacheState
	markets     map[string]*models.Market
	byOutcome   map[string]*models.Market
	bySlug      map[string]*models.Market
}

// NewBase constructs the shared core for an adapter. rateLimit is the
// minimum spacing between outbound requests; zero disables throttling.
func NewBase(id, name string, rateLimit time.Duration, log *slog.Logger) *Base {
	if log == nil {
		log = slog.Default()
	}
	b := &Base{
		id:   id,
		name: name,
		log:  log.With("exchange", id),
	}
	if rateLimit > 0 {
		b.throttler = throttle.ForInterval(rateLimit)
		b.rateLimited = true
	}
	return b
}

// Bind attaches the adapter's fetch surface. Must be called before any
// cache-backed method.
func (b *Base) Bind(backend Backend) { b.backend = backend }

// ID returns the adapter identifier.
func (b *Base) ID() string { return b.id }

// Name returns the display name.
func (b *Base) Name() string { return b.name }

// Logger returns the adapter-scoped structured logger.
func (b *Base) Logger() *slog.Logger { return b.log }

// EnableRateLimit toggles throttling. Disabling takes effect immediately,
// including for calls already blocked behind the limiter's queue drain.
func (b *Base) EnableRateLimit(on bool) {
	b.mu.Lock()
	b.rateLimited = on && b.throttler != nil
	th := b.throttler
	b.mu.Unlock()
	if !on && th != nil {
		th.Bypass()
	}
}

// Throttle blocks until the rate limiter admits one unit of work. A nil or
// disabled limiter admits immediately.
func (b *Base) Throttle(ctx context.Context) error {
	return b.ThrottleCost(ctx, 1)
}

// ThrottleCost blocks until the rate limiter admits cost units of work.
func (b *Base) ThrottleCost(ctx context.Context, cost float64) error {
	b.mu.RLock()
	on, th := b.rateLimited, b.throttler
	b.mu.RUnlock()
	if !on || th == nil {
		return nil
	}
	return th.Throttle(ctx, cost)
}

// LoadMarkets returns the id-keyed market cache, fetching the full listing
// on first use. reload=true forces a refetch; concurrent loads collapse
// into a single upstream fetch and all callers observe its result.
func (b *Base) LoadMarkets(ctx context.Context, reload bool) (map[string]*models.Market, error) {
	b.mu.RLock()
	if b.state == stateLoaded && !reload {
		m := b.markets
		b.mu.RUnlock()
		return m, nil
	}
	b.mu.RUnlock()

	v, err, _ := b.group.Do("load-markets", func() (any, error) {
		return b.loadMarkets(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*models.Market), nil
}

func (b *Base) loadMarkets(ctx context.Context) (map[string]*models.Market, error) {
	b.mu.Lock()
	prev := b.state
	if prev == stateLoading {
		prev = stateUnloaded
	}
	b.state = stateLoading
	b.mu.Unlock()

	started := time.Now()
	list, err := b.backend.FetchMarketsRaw(ctx, models.MarketParams{Status: models.StatusAll})
	if err != nil {
		b.mu.Lock()
		b.state = prev
		b.mu.Unlock()
		return nil, fmt.Errorf("exchange %s: load markets: %w", b.id, err)
	}

	markets := make(map[string]*models.Market, len(list))
	byOutcome := make(map[string]*models.Market)
	bySlug := make(map[string]*models.Market)
	for _, m := range list {
		markets[m.MarketID] = m
		if m.Slug != "" {
			bySlug[m.Slug] = m
		}
		for _, o := range m.Outcomes {
			byOutcome[o.OutcomeID] = m
		}
	}

	b.mu.Lock()
	b.markets = markets
	b.byOutcome = byOutcome
	b.bySlug = bySlug
	b.state = stateLoaded
	b.mu.Unlock()

	b.log.Info("markets loaded", "count", len(markets), "took", time.Since(started))
	return markets, nil
}

// cachedMarket resolves a lookup token against the loaded cache in priority
// order: market id, then outcome id, then slug. Returns nil when the cache
// is cold or has no match.
func (b *Base) cachedMarket(lookup string) *models.Market {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != stateLoaded {
		return nil
	}
	if m, ok := b.markets[lookup]; ok {
		return m
	}
	if m, ok := b.byOutcome[lookup]; ok {
		return m
	}
	if m, ok := b.bySlug[lookup]; ok {
		return m
	}
	return nil
}

// FetchMarkets lists markets matching params, always fresh from the venue.
func (b *Base) FetchMarkets(ctx context.Context, params models.MarketParams) ([]*models.Market, error) {
	return b.backend.FetchMarketsRaw(ctx, params)
}

// FetchMarket resolves one market by market id, outcome id, or slug. The
// loaded cache is consulted first; a miss falls through to a direct venue
// lookup. Zero results fail with models.ErrMarketNotFound.
func (b *Base) FetchMarket(ctx context.Context, lookup string) (*models.Market, error) {
	if m := b.cachedMarket(lookup); m != nil {
		return m, nil
	}
	list, err := b.backend.FetchMarketsRaw(ctx, models.MarketParams{Slug: lookup, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("exchange %s: fetch market %q: %w", b.id, lookup, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("exchange %s: market %q: %w", b.id, lookup, models.ErrMarketNotFound)
	}
	return list[0], nil
}

// FetchEvents lists events matching params.
func (b *Base) FetchEvents(ctx context.Context, params models.MarketParams) ([]*models.Event, error) {
	return b.backend.FetchEventsRaw(ctx, params)
}

// FetchEvent resolves one event by id or slug. Zero results fail with
// models.ErrEventNotFound.
func (b *Base) FetchEvent(ctx context.Context, lookup string) (*models.Event, error) {
	list, err := b.backend.FetchEventsRaw(ctx, models.MarketParams{Slug: lookup, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("exchange %s: fetch event %q: %w", b.id, lookup, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("exchange %s: event %q: %w", b.id, lookup, models.ErrEventNotFound)
	}
	return list[0], nil
}

// ResolveOutcome maps an outcome id to its market and outcome via the
// cache, loading it if needed. Adapters use it to recover market context
// for per-outcome operations.
func (b *Base) ResolveOutcome(ctx context.Context, outcomeID string) (*models.Market, *models.Outcome, error) {
	if _, err := b.LoadMarkets(ctx, false); err != nil {
		return nil, nil, err
	}
	b.mu.RLock()
	m := b.byOutcome[outcomeID]
	b.mu.RUnlock()
	if m == nil {
		return nil, nil, fmt.Errorf("exchange %s: outcome %q: %w", b.id, outcomeID, models.ErrMarketNotFound)
	}
	return m, m.OutcomeByID(outcomeID), nil
}
