package ethrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client is a minimal Ethereum JSON-RPC client covering the read surface the
// agent needs: eth_call for vault and oracle views, eth_getCode for the
// delegation-deployment probe. The first URL is primary; the rest are
// fallbacks tried in order.
type Client struct {
	urls       []string
	httpClient *http.Client
	requestID  atomic.Int64
}

// NewClient creates a new RPC client. At least one endpoint URL is required;
// callers should validate that at config load time.
func NewClient(urls []string) *Client {
	return &Client{
		urls: urls,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EthCall executes a read-only contract call and returns the raw ABI-encoded
// result bytes.
func (c *Client) EthCall(ctx context.Context, to string, calldata []byte) ([]byte, error) {
	hexResult, err := c.call(ctx, "eth_call", []any{
		map[string]string{
			"to":   to,
			"data": "0x" + hex.EncodeToString(calldata),
		},
		"latest",
	})
	if err != nil {
		return nil, fmt.Errorf("ethrpc: eth_call %s: %w", to, err)
	}
	return decodeHexBytes(hexResult)
}

// GetCode returns the bytecode deployed at addr. An empty result means no
// contract (and for EIP-7702 accounts, no active delegation).
func (c *Client) GetCode(ctx context.Context, addr string) ([]byte, error) {
	hexResult, err := c.call(ctx, "eth_getCode", []any{addr, "latest"})
	if err != nil {
		return nil, fmt.Errorf("ethrpc: eth_getCode %s: %w", addr, err)
	}
	return decodeHexBytes(hexResult)
}

// TransactionCount returns the current nonce of addr.
func (c *Client) TransactionCount(ctx context.Context, addr string) (uint64, error) {
	hexResult, err := c.call(ctx, "eth_getTransactionCount", []any{addr, "latest"})
	if err != nil {
		return 0, fmt.Errorf("ethrpc: eth_getTransactionCount %s: %w", addr, err)
	}
	n, ok := new(big.Int).SetString(strings.TrimPrefix(hexResult, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("ethrpc: invalid nonce %q", hexResult)
	}
	return n.Uint64(), nil
}

// call tries each endpoint in order until one returns a result.
func (c *Client) call(ctx context.Context, method string, params []any) (string, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.requestID.Add(1),
	}

	var lastErr error
	for _, url := range c.urls {
		result, err := c.doRequest(ctx, url, req)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}
	return "", fmt.Errorf("all endpoints failed: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, url string, req rpcRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return "", fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var hexResult string
	if err := json.Unmarshal(rpcResp.Result, &hexResult); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	return hexResult, nil
}

func decodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: invalid hex result: %w", err)
	}
	return b, nil
}
