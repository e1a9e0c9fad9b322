package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

const (
	defaultGammaLimit = 100

	// gammaQueryPages caps the offset walk when free-text filtering thins
	// out server pages.
	gammaQueryPages = 5
)

// gammaClient is the REST client for the Gamma API: market and event
// discovery, metadata, and search. All Gamma endpoints are public.
type gammaClient struct {
	baseURL    string
	httpClient *http.Client
}

func newGammaClient(baseURL string) *gammaClient {
	return &gammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Markets lists markets for the given params. A non-empty Slug is a direct
// lookup tried first as a slug and then as a market id.
func (g *gammaClient) Markets(ctx context.Context, params models.MarketParams) ([]*models.Market, error) {
	if params.Slug != "" {
		return g.lookupMarket(ctx, params.Slug)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultGammaLimit
	}
	if params.Query != "" {
		return g.searchMarkets(ctx, params, limit)
	}

	raw, err := g.marketsPage(ctx, params, limit, params.Offset)
	if err != nil {
		return nil, err
	}
	markets := make([]*models.Market, 0, len(raw))
	for i := range raw {
		markets = append(markets, raw[i].toMarket())
	}
	return markets, nil
}

// searchMarkets walks server pages for a free-text query. Filtering happens
// client-side, so each page over-fetches at twice the requested limit and
// the walk continues until the requested window fills, a short page ends
// the listing, or the page cap is hit. The offset applies to matches.
func (g *gammaClient) searchMarkets(ctx context.Context, params models.MarketParams, limit int) ([]*models.Market, error) {
	pageLimit := 2 * limit
	target := params.Offset + limit

	var matches []*models.Market
	for page := 0; page < gammaQueryPages; page++ {
		raw, err := g.marketsPage(ctx, params, pageLimit, page*pageLimit)
		if err != nil {
			return nil, err
		}
		for i := range raw {
			m := raw[i].toMarket()
			if m.MatchesText(params.Query, params.SearchIn) {
				matches = append(matches, m)
			}
		}
		if len(raw) < pageLimit || len(matches) >= target {
			break
		}
	}

	if params.Offset >= len(matches) {
		return nil, nil
	}
	matches = matches[params.Offset:]
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// marketsPage fetches one server page of the market listing.
func (g *gammaClient) marketsPage(ctx context.Context, params models.MarketParams, limit, offset int) ([]gammaMarket, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	switch params.Status {
	case models.StatusClosed:
		q.Set("closed", "true")
	case models.StatusAll:
	default:
		q.Set("active", "true")
		q.Set("closed", "false")
	}
	switch params.Sort {
	case models.SortLiquidity:
		q.Set("order", "liquidity")
		q.Set("ascending", "false")
	case models.SortNewest:
		q.Set("order", "startDate")
		q.Set("ascending", "false")
	default:
		q.Set("order", "volume")
		q.Set("ascending", "false")
	}

	body, err := g.doGet(ctx, "/markets?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}
	var raw []gammaMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	return raw, nil
}

func (g *gammaClient) lookupMarket(ctx context.Context, token string) ([]*models.Market, error) {
	q := url.Values{}
	q.Set("slug", token)
	body, err := g.doGet(ctx, "/markets?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: lookup market %q: %w", token, err)
	}
	var raw []gammaMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(raw) > 0 {
		return []*models.Market{raw[0].toMarket()}, nil
	}

	// Not a slug: retry as a market id.
	body, err = g.doGet(ctx, "/markets/"+url.PathEscape(token))
	if err != nil {
		if errorsIsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("polymarket/gamma: lookup market %q: %w", token, err)
	}
	var one gammaMarket
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}
	return []*models.Market{one.toMarket()}, nil
}

// Events lists events for the given params, with the same direct-lookup
// convention as Markets.
func (g *gammaClient) Events(ctx context.Context, params models.MarketParams) ([]*models.Event, error) {
	if params.Slug != "" {
		return g.lookupEvent(ctx, params.Slug)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultGammaLimit
	}
	if params.Query != "" {
		return g.searchEvents(ctx, params, limit)
	}

	raw, err := g.eventsPage(ctx, params, limit, params.Offset)
	if err != nil {
		return nil, err
	}
	events := make([]*models.Event, 0, len(raw))
	for i := range raw {
		events = append(events, raw[i].toEvent())
	}
	return events, nil
}

// searchEvents walks server pages for a free-text query with the same
// over-fetch-and-window scheme as searchMarkets.
func (g *gammaClient) searchEvents(ctx context.Context, params models.MarketParams, limit int) ([]*models.Event, error) {
	pageLimit := 2 * limit
	target := params.Offset + limit

	var matches []*models.Event
	for page := 0; page < gammaQueryPages; page++ {
		raw, err := g.eventsPage(ctx, params, pageLimit, page*pageLimit)
		if err != nil {
			return nil, err
		}
		for i := range raw {
			e := raw[i].toEvent()
			if len(e.SearchMarkets(params.Query)) > 0 {
				matches = append(matches, e)
			}
		}
		if len(raw) < pageLimit || len(matches) >= target {
			break
		}
	}

	if params.Offset >= len(matches) {
		return nil, nil
	}
	matches = matches[params.Offset:]
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// eventsPage fetches one server page of the event listing.
func (g *gammaClient) eventsPage(ctx context.Context, params models.MarketParams, limit, offset int) ([]gammaEvent, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if params.Status != models.StatusAll && params.Status != models.StatusClosed {
		q.Set("active", "true")
		q.Set("closed", "false")
	}

	body, err := g.doGet(ctx, "/events?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list events: %w", err)
	}
	var raw []gammaEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode events: %w", err)
	}
	return raw, nil
}

func (g *gammaClient) lookupEvent(ctx context.Context, token string) ([]*models.Event, error) {
	q := url.Values{}
	q.Set("slug", token)
	body, err := g.doGet(ctx, "/events?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: lookup event %q: %w", token, err)
	}
	var raw []gammaEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode events: %w", err)
	}
	if len(raw) > 0 {
		return []*models.Event{raw[0].toEvent()}, nil
	}

	body, err = g.doGet(ctx, "/events/"+url.PathEscape(token))
	if err != nil {
		if errorsIsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("polymarket/gamma: lookup event %q: %w", token, err)
	}
	var one gammaEvent
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode event: %w", err)
	}
	return []*models.Event{one.toEvent()}, nil
}

func (g *gammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", models.ErrNetwork, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body, models.ErrMarketNotFound); err != nil {
		return nil, err
	}
	return body, nil
}
