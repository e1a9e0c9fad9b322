package kalshi

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pmxt/pmxt-go/models"
)

const (
	// pageSize is the venue page size used while walking the cursor chain.
	pageSize = 200

	// cacheTTL bounds how long a walked listing is reused before the
	// cursor chain is walked again.
	cacheTTL = 5 * time.Minute

	// enrichConcurrency caps parallel event-detail fetches.
	enrichConcurrency = 8
)

// fetcher reconciles the venue's cursor pagination with offset/limit
// semantics: walk pages, cache the accumulated listing per status filter,
// and serve [offset, offset+limit) windows from it. The cache is owned by
// the adapter instance, never process-global.
type fetcher struct {
	client *client
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]*cachedList // keyed by venue status filter
}

type cachedList struct {
	markets  []*models.Market
	complete bool // the cursor chain was walked to the end
	fetched  time.Time
}

func newFetcher(c *client, log *slog.Logger) *fetcher {
	return &fetcher{
		client: c,
		log:    log,
		cache:  make(map[string]*cachedList),
	}
}

// venueStatus maps the unified status filter to the venue's vocabulary.
func venueStatus(status string) string {
	switch status {
	case models.StatusClosed:
		return "settled"
	case models.StatusAll:
		return ""
	default:
		return "open"
	}
}

// Markets serves a market listing for params. Free-text queries filter
// client-side (the list endpoint has no search parameter), sort is always
// applied client-side as the final deterministic step, and the result is
// the [offset, offset+limit) window.
func (f *fetcher) Markets(ctx context.Context, params models.MarketParams) ([]*models.Market, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	// Without a query the needed window is knowable up front; fetch at
	// most twice that depth so shallow requests stop early instead of
	// walking the whole venue. Queries must see the full listing.
	target := 0
	if params.Query == "" {
		target = 2 * (params.Offset + limit)
	}

	markets, err := f.listing(ctx, venueStatus(params.Status), target)
	if err != nil {
		return nil, err
	}

	if params.Query != "" {
		filtered := make([]*models.Market, 0, len(markets))
		for _, m := range markets {
			if m.MatchesText(params.Query, params.SearchIn) {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}

	markets = sortMarkets(markets, params.Sort)

	if params.Offset >= len(markets) {
		return nil, nil
	}
	end := params.Offset + limit
	if end > len(markets) {
		end = len(markets)
	}
	return markets[params.Offset:end], nil
}

// Lookup resolves one ticker directly against the venue, bypassing the
// listing cache. A missing ticker returns (nil, nil).
func (f *fetcher) Lookup(ctx context.Context, ticker string) (*models.Market, error) {
	raw, err := f.client.market(ctx, ticker)
	if err != nil {
		if errorsIsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return raw.toMarket(), nil
}

// listing returns the cached accumulated listing for status, rewalking the
// cursor chain when the cache is cold, expired, or shallower than target.
// target 0 means walk to the end.
func (f *fetcher) listing(ctx context.Context, status string, target int) ([]*models.Market, error) {
	f.mu.Lock()
	entry := f.cache[status]
	if entry != nil && time.Since(entry.fetched) < cacheTTL {
		if entry.complete || (target > 0 && len(entry.markets) >= target) {
			markets := entry.markets
			f.mu.Unlock()
			return markets, nil
		}
	}
	f.mu.Unlock()

	started := time.Now()
	var raws []apiMarket
	cursor := ""
	complete := true
	for {
		page, next, err := f.client.marketsPage(ctx, pageSize, cursor, status)
		if err != nil {
			return nil, err
		}
		raws = append(raws, page...)
		if next == "" || len(page) == 0 {
			break
		}
		if target > 0 && len(raws) >= target {
			complete = false
			break
		}
		cursor = next
	}

	markets := make([]*models.Market, 0, len(raws))
	for i := range raws {
		markets = append(markets, raws[i].toMarket())
	}
	f.enrich(ctx, raws, markets)

	f.mu.Lock()
	f.cache[status] = &cachedList{
		markets:  markets,
		complete: complete,
		fetched:  time.Now(),
	}
	f.mu.Unlock()

	f.log.Debug("market listing walked",
		"status", status, "count", len(markets),
		"complete", complete, "took", time.Since(started))
	return markets, nil
}

// enrich fills category gaps from event metadata, a bounded fan-out that
// is strictly best-effort: enrichment failures leave the listing usable.
func (f *fetcher) enrich(ctx context.Context, raws []apiMarket, markets []*models.Market) {
	byEvent := make(map[string][]*models.Market)
	for i := range raws {
		if markets[i].Category != "" || raws[i].EventTicker == "" {
			continue
		}
		byEvent[raws[i].EventTicker] = append(byEvent[raws[i].EventTicker], markets[i])
	}
	if len(byEvent) == 0 {
		return
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for eventTicker, group := range byEvent {
		g.Go(func() error {
			ev, err := f.client.event(gctx, eventTicker)
			if err != nil {
				f.log.Debug("event enrichment skipped", "event", eventTicker, "error", err)
				return nil
			}
			mu.Lock()
			for _, m := range group {
				m.Category = ev.Category
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// Events serves an event listing with the same windowing rules as Markets.
func (f *fetcher) Events(ctx context.Context, params models.MarketParams) ([]*models.Event, error) {
	if params.Slug != "" {
		ev, err := f.client.event(ctx, params.Slug)
		if err != nil {
			if errorsIsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return []*models.Event{ev.toEvent()}, nil
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	target := 0
	if params.Query == "" {
		target = 2 * (params.Offset + limit)
	}

	var raws []apiEvent
	cursor := ""
	for {
		page, next, err := f.client.eventsPage(ctx, pageSize, cursor, venueStatus(params.Status))
		if err != nil {
			return nil, err
		}
		raws = append(raws, page...)
		if next == "" || len(page) == 0 {
			break
		}
		if target > 0 && len(raws) >= target {
			break
		}
		cursor = next
	}

	events := make([]*models.Event, 0, len(raws))
	for i := range raws {
		e := raws[i].toEvent()
		if params.Query != "" && len(e.SearchMarkets(params.Query)) == 0 {
			continue
		}
		events = append(events, e)
	}

	if params.Offset >= len(events) {
		return nil, nil
	}
	end := params.Offset + limit
	if end > len(events) {
		end = len(events)
	}
	return events[params.Offset:end], nil
}

// Invalidate drops the listing cache, forcing the next call to rewalk.
func (f *fetcher) Invalidate() {
	f.mu.Lock()
	f.cache = make(map[string]*cachedList)
	f.mu.Unlock()
}

// sortMarkets orders a listing by the requested key, stably so equal keys
// keep venue order. The input slice is not mutated.
func sortMarkets(markets []*models.Market, key string) []*models.Market {
	out := make([]*models.Market, len(markets))
	copy(out, markets)
	switch key {
	case models.SortLiquidity:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Liquidity > out[j].Liquidity })
	case models.SortNewest:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].ResolutionDate.After(out[j].ResolutionDate)
		})
	case models.SortVolume:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Volume > out[j].Volume })
	}
	return out
}
