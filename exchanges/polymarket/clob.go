package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

// usdcDecimals scales human amounts into the 6-decimal fixed point the
// exchange contract expects.
const usdcDecimals = 1e6

// clobClient is the REST client for the CLOB API: order book, trade tape,
// price history, and authenticated order flow.
type clobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *signer
	auth       *hmacAuth
}

func newClobClient(baseURL string, s *signer) *clobClient {
	return &clobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer: s,
	}
}

// Book fetches the current order book for one token.
func (c *clobClient) Book(ctx context.Context, tokenID string) (*models.OrderBook, error) {
	q := url.Values{}
	q.Set("token_id", tokenID)
	body, err := c.doPublicGet(ctx, "/book?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	var raw clobBook
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	return raw.toOrderBook(), nil
}

// Trades fetches the public trade tape for one token, newest first.
func (c *clobClient) Trades(ctx context.Context, tokenID string, params models.TradeParams) ([]models.Trade, error) {
	q := url.Values{}
	q.Set("market", tokenID)
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	body, err := c.doPublicGet(ctx, "/trades?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get trades %s: %w", tokenID, err)
	}
	var raw []clobTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode trades: %w", err)
	}
	trades := make([]models.Trade, 0, len(raw))
	for i := range raw {
		t := raw[i].toTrade()
		if !params.Start.IsZero() && t.Timestamp.Before(params.Start) {
			continue
		}
		if !params.End.IsZero() && t.Timestamp.After(params.End) {
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// PriceHistory fetches raw price samples for one token over [start, end].
func (c *clobClient) PriceHistory(ctx context.Context, tokenID string, start, end time.Time) ([]pricePoint, error) {
	q := url.Values{}
	q.Set("market", tokenID)
	if !start.IsZero() {
		q.Set("startTs", strconv.FormatInt(start.Unix(), 10))
	}
	if !end.IsZero() {
		q.Set("endTs", strconv.FormatInt(end.Unix(), 10))
	}
	q.Set("fidelity", "1")

	body, err := c.doPublicGet(ctx, "/prices-history?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: price history %s: %w", tokenID, err)
	}
	var raw struct {
		History []pricePoint `json:"history"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode price history: %w", err)
	}
	return raw.History, nil
}

// DeriveAPIKey runs the L1 auth flow: sign a ClobAuth message with the
// wallet key and exchange it for HMAC credentials.
func (c *clobClient) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	const nonce = int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w: %v", models.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket/clob: derive api key (HTTP %d): %s: %w",
			resp.StatusCode, body, models.ErrAuthentication)
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}
	c.auth = &hmacAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	return nil
}

// PostOrder signs and submits an order for tokenID.
func (c *clobClient) PostOrder(ctx context.Context, params models.CreateOrderParams) (*models.Order, error) {
	price := params.Price
	if params.Type == models.OrderTypeMarket {
		// Marketable limit: cross the book at the extreme tick.
		if params.Side == models.OrderSideBuy {
			price = 0.99
		} else {
			price = 0.01
		}
	}

	maker, taker, side := orderAmounts(params.Side, price, params.Amount)
	wallet := c.signer.Address().Hex()
	payload := orderPayload{
		Salt:        strconv.FormatInt(time.Now().UnixNano(), 10),
		Maker:       wallet,
		Signer:      wallet,
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     params.OutcomeID,
		MakerAmount: maker.String(),
		TakerAmount: taker.String(),
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        side,
	}
	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: sign order: %w", err)
	}

	sideStr := "BUY"
	if params.Side == models.OrderSideSell {
		sideStr = "SELL"
	}
	orderType := "GTC"
	if params.Type == models.OrderTypeMarket {
		orderType = "FOK"
	}
	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"tokenID":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"side":          sideStr,
			"feeRateBps":    "0",
			"nonce":         "0",
			"expiration":    "0",
			"signatureType": 0,
			"signature":     sig,
			"maker":         wallet,
			"signer":        wallet,
			"taker":         payload.Taker,
		},
		"owner":     wallet,
		"orderType": orderType,
	}

	respBody, err := c.doAuthenticated(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
		OrderID  string `json:"orderID"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("polymarket/clob: order rejected: %s: %w",
			result.ErrorMsg, models.ErrInvalidOrder)
	}

	return &models.Order{
		ID:        result.OrderID,
		MarketID:  params.MarketID,
		OutcomeID: params.OutcomeID,
		Side:      params.Side,
		Type:      params.Type,
		Price:     price,
		Amount:    params.Amount,
		Status:    mapOrderStatus(result.Status, 0, params.Amount),
		CreatedAt: time.Now(),
	}, nil
}

// CancelOrder cancels one order by id.
func (c *clobClient) CancelOrder(ctx context.Context, orderID string) error {
	respBody, err := c.doAuthenticated(ctx, http.MethodDelete, "/order", map[string]any{"orderID": orderID})
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}
	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s: %w", result.ErrorMsg, models.ErrInvalidOrder)
	}
	return nil
}

// Order fetches one order by id.
func (c *clobClient) Order(ctx context.Context, orderID string) (*models.Order, error) {
	respBody, err := c.doAuthenticated(ctx, http.MethodGet, "/data/order/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}
	var raw clobOrder
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	return raw.toOrder(), nil
}

// OpenOrders lists open orders, optionally narrowed to one market.
func (c *clobClient) OpenOrders(ctx context.Context, marketID string) ([]*models.Order, error) {
	path := "/data/orders"
	if marketID != "" {
		q := url.Values{}
		q.Set("market", marketID)
		path += "?" + q.Encode()
	}
	respBody, err := c.doAuthenticated(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get open orders: %w", err)
	}
	var raw []clobOrder
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode orders: %w", err)
	}
	orders := make([]*models.Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, raw[i].toOrder())
	}
	return orders, nil
}

// orderAmounts converts price and share amount into the contract's
// maker/taker fixed-point pair. Buys spend USDC for shares; sells the
// reverse.
func orderAmounts(side models.OrderSide, price, amount float64) (maker, taker *big.Int, sideCode int) {
	shares := big.NewInt(int64(amount * usdcDecimals))
	usdc := big.NewInt(int64(price * amount * usdcDecimals))
	if side == models.OrderSideBuy {
		return usdc, shares, 0
	}
	return shares, usdc, 1
}

func (c *clobClient) doPublicGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
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

// doAuthenticated builds, HMAC-signs, and sends a request against the CLOB
// API, returning the raw response body.
func (c *clobClient) doAuthenticated(ctx context.Context, method, path string, body any) ([]byte, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("no API credentials derived: %w", models.ErrAuthentication)
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.auth.L2Headers(c.signer.Address().Hex(), method, path, bodyStr) {
		req.Header.Set(k, v)
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
	if err := checkHTTPStatus(resp.StatusCode, respBody, models.ErrInvalidOrder); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to the shared sentinels. The
// caller picks the sentinel a 404 resolves to, since "not found" means a
// missing market on discovery endpoints but a missing order on trading
// ones.
func checkHTTPStatus(statusCode int, body []byte, notFound error) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", models.ErrBadRequest, body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", models.ErrAuthentication, body)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", notFound, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited: %s", models.ErrExchangeNotAvailable, body)
	default:
		if statusCode >= 500 {
			return fmt.Errorf("%w: HTTP %d: %s", models.ErrExchangeNotAvailable, statusCode, body)
		}
		return fmt.Errorf("HTTP %d: %s", statusCode, body)
	}
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, models.ErrMarketNotFound) || errors.Is(err, models.ErrEventNotFound)
}
