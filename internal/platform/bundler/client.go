package bundler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stablefi/yieldagent/internal/domain"
)

// Client talks to the sponsored execution relay. The relay wraps a batch of
// calls into a transaction from the user's delegated account and pays the gas
// itself, so neither the user nor the agent needs to hold the native token.
type Client struct {
	baseURL    string
	sponsorID  string
	httpClient *http.Client
}

// NewClient creates a relay client. sponsorID identifies the gas sponsorship
// budget the batch is billed against.
func NewClient(baseURL, sponsorID string) *Client {
	return &Client{
		baseURL:   baseURL,
		sponsorID: sponsorID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BatchRequest is a signed batch of calls to execute atomically from the
// account. Signature authorizes the batch with the account's session key.
// Authorizations carries the wallet-signed set-code artifact when the
// account's delegation has to be installed in the same transaction.
type BatchRequest struct {
	Account        string               `json:"account"`
	ChainID        int64                `json:"chainId"`
	Calls          []batchCall          `json:"calls"`
	Nonce          uint64               `json:"nonce"`
	Signature      string               `json:"signature"`
	Authorizations []batchAuthorization `json:"authorizationList,omitempty"`
	SponsorID      string               `json:"sponsorId,omitempty"`
}

type batchCall struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

type batchAuthorization struct {
	ChainID int64  `json:"chainId"`
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
	R       string `json:"r"`
	S       string `json:"s"`
	YParity uint8  `json:"yParity"`
}

type submitResponse struct {
	OperationHash string `json:"operationHash"`
	Error         string `json:"error,omitempty"`
}

// Receipt is the settlement status of a submitted batch.
type Receipt struct {
	Status  string `json:"status"` // "pending", "included", "failed"
	TxHash  string `json:"txHash"`
	GasUsed uint64 `json:"gasUsed"`
	Reason  string `json:"reason,omitempty"`
}

const (
	StatusPending  = "pending"
	StatusIncluded = "included"
	StatusFailed   = "failed"
)

// SubmitBatch submits a signed call batch and returns the relay's operation
// hash, which identifies the batch until it settles on-chain. A non-nil auth
// is forwarded as the transaction's authorization list.
func (c *Client) SubmitBatch(ctx context.Context, account string, chainID int64, nonce uint64, calls []domain.Call, signature []byte, auth *domain.SignedDelegation) (string, error) {
	req := BatchRequest{
		Account:   account,
		ChainID:   chainID,
		Nonce:     nonce,
		Signature: "0x" + hex.EncodeToString(signature),
		SponsorID: c.sponsorID,
		Calls:     make([]batchCall, 0, len(calls)),
	}
	if auth != nil {
		req.Authorizations = []batchAuthorization{{
			ChainID: auth.ChainID,
			Address: auth.Target,
			Nonce:   auth.Nonce,
			R:       auth.R,
			S:       auth.S,
			YParity: auth.YParity,
		}}
	}
	for _, call := range calls {
		value := "0x0"
		if call.Value != nil {
			value = "0x" + call.Value.Text(16)
		}
		req.Calls = append(req.Calls, batchCall{
			To:    call.To,
			Value: value,
			Data:  "0x" + hex.EncodeToString(call.Data),
		})
	}

	var resp submitResponse
	if err := c.post(ctx, "/v1/batches", req, &resp); err != nil {
		return "", fmt.Errorf("bundler: submit batch: %w", err)
	}
	if resp.Error != "" {
		if resp.Error == "sponsor budget exhausted" {
			return "", fmt.Errorf("bundler: %w", domain.ErrSponsorBudget)
		}
		return "", fmt.Errorf("bundler: relay rejected batch: %s", resp.Error)
	}
	if resp.OperationHash == "" {
		return "", fmt.Errorf("bundler: relay returned no operation hash")
	}
	return resp.OperationHash, nil
}

// GetReceipt fetches the current settlement status of an operation.
func (c *Client) GetReceipt(ctx context.Context, opHash string) (Receipt, error) {
	var receipt Receipt
	if err := c.get(ctx, "/v1/batches/"+opHash, &receipt); err != nil {
		return Receipt{}, fmt.Errorf("bundler: get receipt: %w", err)
	}
	return receipt, nil
}

// WaitForReceipt polls until the operation settles or the timeout elapses.
// The timeout is generous on purpose: L2 sequencer hiccups routinely delay
// inclusion by tens of seconds and an early give-up would mark a successful
// rebalance as failed.
func (c *Client) WaitForReceipt(ctx context.Context, opHash string, timeout, interval time.Duration) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetReceipt(ctx, opHash)
		if err == nil && receipt.Status != StatusPending {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return Receipt{}, fmt.Errorf("bundler: wait for %s: %w (last error: %v)", opHash, domain.ErrContextDone, err)
			}
			return Receipt{}, fmt.Errorf("bundler: wait for %s: %w", opHash, domain.ErrContextDone)
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
