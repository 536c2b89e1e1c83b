// Package oracle gates execution on market safety: the L2 sequencer must be
// up and settled, and the stable asset must be fresh and on peg. The gate
// fails closed; any read error reports unsafe rather than guessing.
package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"
)

// latestRoundData() on a Chainlink aggregator.
var selectorLatestRoundData = mustDecodeHex("feaf968c")

// decimals()
var selectorDecimals = mustDecodeHex("313ce567")

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex: %s", s))
	}
	return b
}

// EthCaller is the read surface the gate needs. Satisfied by *ethrpc.Client.
type EthCaller interface {
	EthCall(ctx context.Context, to string, calldata []byte) ([]byte, error)
}

// Report is the outcome of a safety check. Unsafe reports always carry a
// reason suitable for action records and notifications.
type Report struct {
	Safe   bool
	Reason string
}

// Gate checks sequencer uptime and stable-asset peg before any execution.
type Gate struct {
	chain          EthCaller
	sequencerFeed  string
	priceFeed      string
	gracePeriod    time.Duration
	heartbeat      time.Duration
	depegThreshold float64
	now            func() time.Time
	logger         *slog.Logger

	mu       sync.Mutex
	decimals int32 // price feed decimals, cached after first read; 0 = unread
}

type GateOpts struct {
	SequencerFeed  string
	PriceFeed      string
	GracePeriod    time.Duration
	Heartbeat      time.Duration
	DepegThreshold float64
}

func NewGate(chain EthCaller, opts GateOpts, logger *slog.Logger) *Gate {
	return &Gate{
		chain:          chain,
		sequencerFeed:  opts.SequencerFeed,
		priceFeed:      opts.PriceFeed,
		gracePeriod:    opts.GracePeriod,
		heartbeat:      opts.Heartbeat,
		depegThreshold: opts.DepegThreshold,
		now:            time.Now,
		logger:         logger.With("component", "oracle"),
	}
}

// Check runs the full safety sequence. The sequencer check short-circuits:
// when the sequencer is down or recently restarted, the price feed is not
// consulted at all.
func (g *Gate) Check(ctx context.Context) (Report, error) {
	if report, err := g.checkSequencer(ctx); err != nil || !report.Safe {
		return report, err
	}
	return g.checkPeg(ctx)
}

// checkSequencer reads the sequencer uptime feed. answer == 0 means the
// sequencer is up; startedAt marks when the current status began, and a
// freshly restarted sequencer stays unsafe until the grace period elapses so
// stale in-flight state can drain.
func (g *Gate) checkSequencer(ctx context.Context) (Report, error) {
	if g.sequencerFeed == "" {
		// Not an L2 deployment; nothing to check.
		return Report{Safe: true}, nil
	}

	round, err := g.latestRound(ctx, g.sequencerFeed)
	if err != nil {
		return Report{Safe: false, Reason: "sequencer feed unavailable"}, fmt.Errorf("oracle: sequencer feed: %w", err)
	}

	if round.answer.Sign() != 0 {
		g.logger.Warn("sequencer down", "answer", round.answer.String())
		return Report{Safe: false, Reason: "sequencer down"}, nil
	}

	upSince := time.Unix(round.startedAt.Int64(), 0)
	if elapsed := g.now().Sub(upSince); elapsed < g.gracePeriod {
		g.logger.Warn("sequencer inside grace period", "up_for", elapsed)
		return Report{Safe: false, Reason: fmt.Sprintf("sequencer restarted %s ago, grace period %s", elapsed.Round(time.Second), g.gracePeriod)}, nil
	}

	return Report{Safe: true}, nil
}

// checkPeg reads the stable asset price feed and rejects stale or depegged
// answers.
func (g *Gate) checkPeg(ctx context.Context) (Report, error) {
	round, err := g.latestRound(ctx, g.priceFeed)
	if err != nil {
		return Report{Safe: false, Reason: "price feed unavailable"}, fmt.Errorf("oracle: price feed: %w", err)
	}

	updatedAt := time.Unix(round.updatedAt.Int64(), 0)
	if age := g.now().Sub(updatedAt); age > g.heartbeat {
		g.logger.Warn("price feed stale", "age", age)
		return Report{Safe: false, Reason: fmt.Sprintf("price feed stale: last update %s ago", age.Round(time.Second))}, nil
	}

	decimals, err := g.feedDecimals(ctx)
	if err != nil {
		return Report{Safe: false, Reason: "price feed unavailable"}, fmt.Errorf("oracle: feed decimals: %w", err)
	}

	price, _ := new(big.Float).Quo(
		new(big.Float).SetInt(round.answer),
		big.NewFloat(math.Pow10(int(decimals))),
	).Float64()
	if deviation := math.Abs(price - 1.0); deviation > g.depegThreshold {
		g.logger.Warn("stable asset depegged", "price", price)
		return Report{Safe: false, Reason: fmt.Sprintf("stable asset off peg: %.4f", price)}, nil
	}

	return Report{Safe: true}, nil
}

type roundData struct {
	answer    *big.Int
	startedAt *big.Int
	updatedAt *big.Int
}

// latestRound calls latestRoundData() and decodes the aggregator's 5-word
// response: (roundId, answer, startedAt, updatedAt, answeredInRound).
func (g *Gate) latestRound(ctx context.Context, feed string) (roundData, error) {
	out, err := g.chain.EthCall(ctx, feed, selectorLatestRoundData)
	if err != nil {
		return roundData{}, err
	}
	if len(out) < 5*32 {
		return roundData{}, fmt.Errorf("short response: %d bytes", len(out))
	}
	return roundData{
		answer:    new(big.Int).SetBytes(out[32:64]),
		startedAt: new(big.Int).SetBytes(out[64:96]),
		updatedAt: new(big.Int).SetBytes(out[96:128]),
	}, nil
}

func (g *Gate) feedDecimals(ctx context.Context) (int32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decimals != 0 {
		return g.decimals, nil
	}
	out, err := g.chain.EthCall(ctx, g.priceFeed, selectorDecimals)
	if err != nil {
		return 0, err
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("short decimals response: %d bytes", len(out))
	}
	g.decimals = int32(new(big.Int).SetBytes(out[:32]).Int64())
	return g.decimals, nil
}
