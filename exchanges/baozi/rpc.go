package baozi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pmxt/pmxt-go/models"
)

// rpcClient speaks Solana JSON-RPC over HTTP.
type rpcClient struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Int64
}

func newRPCClient(endpoint string) *rpcClient {
	return &rpcClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC request and unmarshals the result.
func (c *rpcClient) call(ctx context.Context, method string, params any, result any) error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("baozi/rpc: marshal %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("baozi/rpc: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("baozi/rpc: %s: %w: %v", method, models.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("baozi/rpc: %s: %w: read response: %v", method, models.ErrNetwork, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("baozi/rpc: %s: %w: HTTP %d", method, models.ErrExchangeNotAvailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("baozi/rpc: %s: %w: HTTP %d: %s", method, models.ErrBadRequest, resp.StatusCode, body)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("baozi/rpc: %s: decode envelope: %w", method, err)
	}
	if envelope.Error != nil {
		return mapRPCError(method, envelope.Error)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("baozi/rpc: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// programAccount is one entry from getProgramAccounts.
type programAccount struct {
	Pubkey string
	Data   []byte
}

// getProgramAccounts scans every account owned by the program. The venue
// has no server-side paging: one scan returns the whole market set.
func (c *rpcClient) getProgramAccounts(ctx context.Context, programID string, memcmpOffset int, memcmpBase58 string) ([]programAccount, error) {
	cfg := map[string]any{
		"encoding":   "base64",
		"commitment": "confirmed",
	}
	if memcmpBase58 != "" {
		cfg["filters"] = []any{
			map[string]any{"memcmp": map[string]any{
				"offset": memcmpOffset,
				"bytes":  memcmpBase58,
			}},
		}
	}

	var raw []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data []string `json:"data"` // [payload, encoding]
		} `json:"account"`
	}
	if err := c.call(ctx, "getProgramAccounts", []any{programID, cfg}, &raw); err != nil {
		return nil, err
	}

	accounts := make([]programAccount, 0, len(raw))
	for _, entry := range raw {
		data, err := decodeAccountData(entry.Account.Data)
		if err != nil {
			return nil, fmt.Errorf("baozi/rpc: account %s: %w", entry.Pubkey, err)
		}
		accounts = append(accounts, programAccount{Pubkey: entry.Pubkey, Data: data})
	}
	return accounts, nil
}

// getAccountInfo fetches one account's raw data. A missing account
// returns (nil, nil).
func (c *rpcClient) getAccountInfo(ctx context.Context, pubkey string) ([]byte, error) {
	var raw struct {
		Value *struct {
			Data []string `json:"data"`
		} `json:"value"`
	}
	params := []any{pubkey, map[string]any{"encoding": "base64", "commitment": "confirmed"}}
	if err := c.call(ctx, "getAccountInfo", params, &raw); err != nil {
		return nil, err
	}
	if raw.Value == nil {
		return nil, nil
	}
	return decodeAccountData(raw.Value.Data)
}

// getBalance returns a wallet's balance in lamports.
func (c *rpcClient) getBalance(ctx context.Context, pubkey string) (uint64, error) {
	var raw struct {
		Value uint64 `json:"value"`
	}
	params := []any{pubkey, map[string]any{"commitment": "confirmed"}}
	if err := c.call(ctx, "getBalance", params, &raw); err != nil {
		return 0, err
	}
	return raw.Value, nil
}

// sendTransaction submits a base64-encoded signed transaction and returns
// its signature.
func (c *rpcClient) sendTransaction(ctx context.Context, signedTx string) (string, error) {
	var signature string
	params := []any{signedTx, map[string]any{"encoding": "base64"}}
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

func decodeAccountData(data []string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("baozi/rpc: empty account data")
	}
	raw, err := base64.StdEncoding.DecodeString(data[0])
	if err != nil {
		return nil, fmt.Errorf("baozi/rpc: decode account data: %w", err)
	}
	return raw, nil
}

// customProgramErrorRe extracts the hex code from the runtime's
// "custom program error: 0x.." message embedded in simulation failures.
var customProgramErrorRe = regexp.MustCompile(`custom program error: (0x[0-9a-fA-F]+)`)

// Program error codes with a specific unified mapping. Everything else
// falls through to ErrBadRequest with the original message preserved.
const (
	programErrInsufficientStake = 0x1
	programErrMarketClosed      = 0x1770
	programErrOutcomeOutOfRange = 0x1771
	programErrStakeTooSmall     = 0x1772
)

// mapRPCError translates a JSON-RPC error into the shared taxonomy,
// parsing program error codes out of the message when present.
func mapRPCError(method string, rpcErr *rpcError) error {
	if match := customProgramErrorRe.FindStringSubmatch(rpcErr.Message); match != nil {
		code, err := strconv.ParseUint(match[1][2:], 16, 32)
		if err == nil {
			switch code {
			case programErrInsufficientStake:
				return fmt.Errorf("baozi/rpc: %s: %w: program error %s", method, models.ErrInsufficientFunds, match[1])
			case programErrMarketClosed, programErrOutcomeOutOfRange, programErrStakeTooSmall:
				return fmt.Errorf("baozi/rpc: %s: %w: program error %s", method, models.ErrInvalidOrder, match[1])
			}
		}
		return fmt.Errorf("baozi/rpc: %s: %w: program error %s: %s", method, models.ErrBadRequest, match[1], rpcErr.Message)
	}
	return fmt.Errorf("baozi/rpc: %s: %w: RPC %d: %s", method, models.ErrBadRequest, rpcErr.Code, rpcErr.Message)
}
