package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RequestLimiter is a sliding-window request counter backed by Redis sorted
// sets and an atomic Lua script. The HTTP middleware uses it to cap requests
// per client IP; counting in Redis keeps the limit consistent across server
// replicas.
type RequestLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
}

// NewRequestLimiter creates a RequestLimiter backed by the given Client.
func NewRequestLimiter(c *Client) *RequestLimiter {
	return &RequestLimiter{
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
	}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow reports whether a request for key is permitted under the sliding
// window limit. Allowed requests are counted; denied requests are not.
func (rl *RequestLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{rateLimitKey(key)},
		time.Now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}
