package defillama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const yieldsURL = "https://yields.llama.fi/pools"

// Client fetches pool yields from the DefiLlama Yields API. The full pool
// list is large and changes slowly, so responses are cached briefly and all
// per-pool lookups share one fetch.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.Mutex
	pools     []Pool
	fetchedAt time.Time
	cacheTTL  time.Duration
}

// Pool is one yield pool as reported by DefiLlama. APY is in percent.
type Pool struct {
	Pool       string  `json:"pool"`
	Chain      string  `json:"chain"`
	Project    string  `json:"project"`
	Symbol     string  `json:"symbol"`
	TVLUsd     float64 `json:"tvlUsd"`
	APY        float64 `json:"apy"`
	APYBase    float64 `json:"apyBase"`
	APYReward  float64 `json:"apyReward"`
	StableCoin bool    `json:"stablecoin"`
}

func NewClient() *Client {
	return &Client{
		baseURL: yieldsURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		cacheTTL: 5 * time.Minute,
	}
}

// PoolYield returns the APY (as a fraction, not percent) and TVL in USD for
// the given project on the given chain. Symbol matching tolerates bridged
// variants like "USDC.e".
func (c *Client) PoolYield(ctx context.Context, project, chain, symbol string) (apy, tvlUSD float64, err error) {
	pools, err := c.fetchPools(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, pool := range pools {
		if !strings.EqualFold(pool.Project, project) || !strings.EqualFold(pool.Chain, chain) {
			continue
		}
		if strings.EqualFold(pool.Symbol, symbol) || strings.EqualFold(pool.Symbol, symbol+".e") {
			return pool.APY / 100, pool.TVLUsd, nil
		}
	}
	return 0, 0, fmt.Errorf("defillama: pool not found: %s/%s/%s", project, chain, symbol)
}

func (c *Client) fetchPools(ctx context.Context) ([]Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pools != nil && time.Since(c.fetchedAt) < c.cacheTTL {
		return c.pools, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("defillama: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("defillama: fetch yields: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("defillama: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("defillama: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Status string `json:"status"`
		Data   []Pool `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("defillama: decode response: %w", err)
	}

	c.pools = result.Data
	c.fetchedAt = time.Now()
	return c.pools, nil
}
