package kalshi

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

// client is the REST client for the Kalshi trade API. Market-data
// endpoints work unauthenticated; portfolio endpoints need the RSA key.
type client struct {
	baseURL    string
	apiKeyID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
}

func newClient(baseURL, apiKeyID string) *client {
	return &client{
		baseURL:  baseURL,
		apiKeyID: apiKeyID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// setRSAPrivateKey loads a PEM-encoded RSA private key (PKCS#8 or PKCS#1).
func (c *client) setRSAPrivateKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("kalshi: no PEM block found in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		c.privateKey = pkcs1Key
		return nil
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	c.privateKey = rsaKey
	return nil
}

func (c *client) authenticated() bool { return c.privateKey != nil }

// marketsPage fetches one page of markets.
func (c *client) marketsPage(ctx context.Context, limit int, cursor, status string) ([]apiMarket, string, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if status != "" {
		q.Set("status", status)
	}

	body, err := c.do(ctx, http.MethodGet, "/markets?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("kalshi: get markets: %w", err)
	}
	var resp struct {
		Markets []apiMarket `json:"markets"`
		Cursor  string      `json:"cursor"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("kalshi: decode markets: %w", err)
	}
	return resp.Markets, resp.Cursor, nil
}

// market fetches one market by ticker.
func (c *client) market(ctx context.Context, ticker string) (*apiMarket, error) {
	body, err := c.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(ticker), nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get market %s: %w", ticker, err)
	}
	var resp struct {
		Market apiMarket `json:"market"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode market: %w", err)
	}
	return &resp.Market, nil
}

// event fetches one event with its nested markets.
func (c *client) event(ctx context.Context, eventTicker string) (*apiEvent, error) {
	body, err := c.do(ctx, http.MethodGet,
		"/events/"+url.PathEscape(eventTicker)+"?with_nested_markets=true", nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get event %s: %w", eventTicker, err)
	}
	var resp struct {
		Event apiEvent `json:"event"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode event: %w", err)
	}
	return &resp.Event, nil
}

// eventsPage fetches one page of events with nested markets.
func (c *client) eventsPage(ctx context.Context, limit int, cursor, status string) ([]apiEvent, string, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("with_nested_markets", "true")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if status != "" {
		q.Set("status", status)
	}

	body, err := c.do(ctx, http.MethodGet, "/events?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("kalshi: get events: %w", err)
	}
	var resp struct {
		Events []apiEvent `json:"events"`
		Cursor string     `json:"cursor"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("kalshi: decode events: %w", err)
	}
	return resp.Events, resp.Cursor, nil
}

// orderbook fetches the current book for a ticker.
func (c *client) orderbook(ctx context.Context, ticker string) (*apiOrderbook, error) {
	body, err := c.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(ticker)+"/orderbook", nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get orderbook %s: %w", ticker, err)
	}
	var resp struct {
		Orderbook apiOrderbook `json:"orderbook"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode orderbook: %w", err)
	}
	return &resp.Orderbook, nil
}

// trades fetches the public trade tape for a ticker.
func (c *client) trades(ctx context.Context, ticker string, limit int) ([]apiTrade, error) {
	q := url.Values{}
	q.Set("ticker", ticker)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, http.MethodGet, "/markets/trades?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get trades %s: %w", ticker, err)
	}
	var resp struct {
		Trades []apiTrade `json:"trades"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode trades: %w", err)
	}
	return resp.Trades, nil
}

// candles fetches candlesticks for a ticker. periodMinutes must be one of
// the venue's native intervals (1, 60, 1440).
func (c *client) candles(ctx context.Context, seriesTicker, ticker string, start, end time.Time, periodMinutes int) ([]apiCandle, error) {
	q := url.Values{}
	q.Set("start_ts", strconv.FormatInt(start.Unix(), 10))
	q.Set("end_ts", strconv.FormatInt(end.Unix(), 10))
	q.Set("period_interval", strconv.Itoa(periodMinutes))

	path := "/series/" + url.PathEscape(seriesTicker) +
		"/markets/" + url.PathEscape(ticker) + "/candlesticks?" + q.Encode()
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get candlesticks %s: %w", ticker, err)
	}
	var resp struct {
		Candlesticks []apiCandle `json:"candlesticks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode candlesticks: %w", err)
	}
	return resp.Candlesticks, nil
}

// placeOrder submits an order.
func (c *client) placeOrder(ctx context.Context, payload map[string]any) (*apiOrder, error) {
	body, err := c.do(ctx, http.MethodPost, "/portfolio/orders", payload)
	if err != nil {
		return nil, fmt.Errorf("kalshi: place order: %w", err)
	}
	var resp struct {
		Order apiOrder `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode order response: %w", err)
	}
	return &resp.Order, nil
}

// cancelOrder cancels an order by id.
func (c *client) cancelOrder(ctx context.Context, orderID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/portfolio/orders/"+url.PathEscape(orderID), nil); err != nil {
		return fmt.Errorf("kalshi: cancel order %s: %w", orderID, err)
	}
	return nil
}

// order fetches one order by id.
func (c *client) order(ctx context.Context, orderID string) (*apiOrder, error) {
	body, err := c.do(ctx, http.MethodGet, "/portfolio/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get order %s: %w", orderID, err)
	}
	var resp struct {
		Order apiOrder `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode order: %w", err)
	}
	return &resp.Order, nil
}

// openOrders lists resting orders, optionally narrowed to one ticker.
func (c *client) openOrders(ctx context.Context, ticker string) ([]apiOrder, error) {
	q := url.Values{}
	q.Set("status", "resting")
	if ticker != "" {
		q.Set("ticker", ticker)
	}
	body, err := c.do(ctx, http.MethodGet, "/portfolio/orders?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get open orders: %w", err)
	}
	var resp struct {
		Orders []apiOrder `json:"orders"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode orders: %w", err)
	}
	return resp.Orders, nil
}

// do builds, signs (when a key is configured), sends, and reads a request.
func (c *client) do(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
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

	if c.privateKey != nil {
		if err := c.signRequest(req.Header, method, req.URL.Path); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
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
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// signRequest adds the venue's auth headers: RSA-PSS-SHA256 over
// timestamp+method+path, base64-encoded.
func (c *client) signRequest(h http.Header, method, path string) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	hash := sha256.Sum256([]byte(ts + method + path))
	signature, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return fmt.Errorf("rsa sign: %w", err)
	}

	h.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	h.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(signature))
	h.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return nil
}

// checkStatus maps non-2xx status codes to the shared sentinels, keeping
// the venue's error code and message in the wrap.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var venue apiError
	_ = json.Unmarshal(body, &venue)

	switch statusCode {
	case http.StatusBadRequest:
		if venue.Code == "insufficient_balance" {
			return fmt.Errorf("%w: %s", models.ErrInsufficientFunds, venue.Message)
		}
		return fmt.Errorf("%w: %s (%s)", models.ErrBadRequest, venue.Message, venue.Code)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s (%s)", models.ErrAuthentication, venue.Message, venue.Code)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s (%s)", models.ErrMarketNotFound, venue.Message, venue.Code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited: %s", models.ErrExchangeNotAvailable, venue.Message)
	default:
		if statusCode >= 500 {
			return fmt.Errorf("%w: HTTP %d: %s", models.ErrExchangeNotAvailable, statusCode, venue.Message)
		}
		return fmt.Errorf("kalshi: HTTP %d: %s (%s)", statusCode, venue.Message, venue.Code)
	}
}
