package limitless

import (
	"bytes"
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

// client is the REST client for the Limitless API. Discovery endpoints
// work unauthenticated; order flow needs the signer.
type client struct {
	baseURL    string
	httpClient *http.Client
	signer     *signer
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// marketsPage fetches one page of active markets. Pages start at 1.
func (c *client) marketsPage(ctx context.Context, page, limit int) ([]apiMarket, int, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.doGet(ctx, "/markets/active?"+q.Encode())
	if err != nil {
		return nil, 0, fmt.Errorf("limitless: get markets page %d: %w", page, err)
	}
	var resp struct {
		Data       []apiMarket `json:"data"`
		TotalPages int         `json:"totalPages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, fmt.Errorf("limitless: decode markets page: %w", err)
	}
	return resp.Data, resp.TotalPages, nil
}

// market fetches one market by slug or address.
func (c *client) market(ctx context.Context, slug string) (*apiMarket, error) {
	body, err := c.doGet(ctx, "/markets/"+url.PathEscape(slug))
	if err != nil {
		return nil, fmt.Errorf("limitless: get market %s: %w", slug, err)
	}
	var m apiMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("limitless: decode market: %w", err)
	}
	return &m, nil
}

// orderbook fetches the YES-quoted book for a market.
func (c *client) orderbook(ctx context.Context, slug string) (*apiOrderbook, error) {
	body, err := c.doGet(ctx, "/markets/"+url.PathEscape(slug)+"/orderbook")
	if err != nil {
		return nil, fmt.Errorf("limitless: get orderbook %s: %w", slug, err)
	}
	var book apiOrderbook
	if err := json.Unmarshal(body, &book); err != nil {
		return nil, fmt.Errorf("limitless: decode orderbook: %w", err)
	}
	return &book, nil
}

// trades fetches recent fills for a market.
func (c *client) trades(ctx context.Context, slug string, limit int) ([]apiTrade, error) {
	path := "/markets/" + url.PathEscape(slug) + "/trades"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("limitless: get trades %s: %w", slug, err)
	}
	var resp struct {
		Data []apiTrade `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("limitless: decode trades: %w", err)
	}
	return resp.Data, nil
}

// history fetches [unix seconds, cents] price samples for a market.
func (c *client) history(ctx context.Context, slug string, from, to time.Time) ([][2]float64, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))

	body, err := c.doGet(ctx, "/markets/"+url.PathEscape(slug)+"/history?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("limitless: get history %s: %w", slug, err)
	}
	var resp struct {
		Prices [][2]float64 `json:"prices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("limitless: decode history: %w", err)
	}
	return resp.Prices, nil
}

// placeOrder submits a signed order.
func (c *client) placeOrder(ctx context.Context, payload map[string]any) (*apiOrder, error) {
	body, err := c.doAuthenticated(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return nil, fmt.Errorf("limitless: place order: %w", err)
	}
	var order apiOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("limitless: decode order response: %w", err)
	}
	return &order, nil
}

// cancelOrder cancels an order by id.
func (c *client) cancelOrder(ctx context.Context, orderID string) error {
	if _, err := c.doAuthenticated(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil); err != nil {
		return fmt.Errorf("limitless: cancel order %s: %w", orderID, err)
	}
	return nil
}

// order fetches one order by id.
func (c *client) order(ctx context.Context, orderID string) (*apiOrder, error) {
	body, err := c.doAuthenticated(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, fmt.Errorf("limitless: get order %s: %w", orderID, err)
	}
	var order apiOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("limitless: decode order: %w", err)
	}
	return &order, nil
}

// openOrders lists open orders, optionally narrowed to one market.
func (c *client) openOrders(ctx context.Context, slug string) ([]apiOrder, error) {
	q := url.Values{}
	q.Set("status", "open")
	if slug != "" {
		q.Set("marketSlug", slug)
	}
	body, err := c.doAuthenticated(ctx, http.MethodGet, "/orders?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("limitless: get open orders: %w", err)
	}
	var resp struct {
		Data []apiOrder `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("limitless: decode orders: %w", err)
	}
	return resp.Data, nil
}

func (c *client) doGet(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, false)
}

// doAuthenticated requires a configured signer; the wallet address rides
// on every private-surface request.
func (c *client) doAuthenticated(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("limitless: no signing key configured: %w", models.ErrAuthentication)
	}
	return c.do(ctx, method, path, reqBody, true)
}

func (c *client) do(ctx context.Context, method, path string, reqBody any, authed bool) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		req.Header.Set("X-Account", c.signer.Address().Hex())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", models.ErrNetwork, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx responses to the shared sentinels.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var venue apiError
	_ = json.Unmarshal(body, &venue)

	switch statusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", models.ErrBadRequest, venue.Message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", models.ErrAuthentication, venue.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", models.ErrMarketNotFound, venue.Message)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited: %s", models.ErrExchangeNotAvailable, venue.Message)
	default:
		if statusCode >= 500 {
			return fmt.Errorf("%w: HTTP %d: %s", models.ErrExchangeNotAvailable, statusCode, venue.Message)
		}
		return fmt.Errorf("limitless: HTTP %d: %s", statusCode, venue.Message)
	}
}
