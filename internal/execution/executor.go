package execution

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stablefi/yieldagent/internal/crypto"
	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/platform/bundler"
)

// ChainReader is the chain read surface the executor needs. Satisfied by
// *ethrpc.Client.
type ChainReader interface {
	GetCode(ctx context.Context, addr string) ([]byte, error)
	TransactionCount(ctx context.Context, addr string) (uint64, error)
}

// Relay submits signed batches for sponsored execution. Satisfied by
// *bundler.Client.
type Relay interface {
	SubmitBatch(ctx context.Context, account string, chainID int64, nonce uint64, calls []domain.Call, signature []byte, auth *domain.SignedDelegation) (string, error)
	WaitForReceipt(ctx context.Context, opHash string, timeout, interval time.Duration) (bundler.Receipt, error)
}

// Executor runs call batches from a user's delegated account using their
// session key. It is the only component that ever sees decrypted key
// material, and only for the duration of a single signature.
type Executor struct {
	chain          ChainReader
	relay          Relay
	box            *crypto.SecretBox
	chainID        int64
	receiptTimeout time.Duration
	pollInterval   time.Duration
	simulation     bool
	logger         *slog.Logger
}

type ExecutorOpts struct {
	ChainID        int64
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	Simulation     bool
}

func NewExecutor(chain ChainReader, relay Relay, box *crypto.SecretBox, opts ExecutorOpts, logger *slog.Logger) *Executor {
	return &Executor{
		chain:          chain,
		relay:          relay,
		box:            box,
		chainID:        opts.ChainID,
		receiptTimeout: opts.ReceiptTimeout,
		pollInterval:   opts.PollInterval,
		simulation:     opts.Simulation,
		logger:         logger.With("component", "executor"),
	}
}

// Simulation reports whether the executor is in dry-run mode.
func (e *Executor) Simulation() bool { return e.simulation }

// Execute runs a batch under the given session. Order of checks matters:
// policy and session validity are verified before any key material is
// decrypted, and simulation mode returns before the key, the chain, or the
// relay are touched at all.
func (e *Executor) Execute(ctx context.Context, session *domain.SessionAuthorization, policy domain.CallPolicy, calls []domain.Call) (domain.ExecutionResult, error) {
	if len(calls) == 0 {
		return domain.ExecutionResult{}, fmt.Errorf("execution: empty batch")
	}
	if err := CheckPolicy(calls, policy); err != nil {
		return domain.ExecutionResult{}, err
	}
	if session.Expired(time.Now()) {
		return domain.ExecutionResult{}, fmt.Errorf("execution: session for %s: %w", session.Owner, domain.ErrSessionExpired)
	}

	if e.simulation {
		txHash, err := fabricatedHash()
		if err != nil {
			return domain.ExecutionResult{}, err
		}
		e.logger.Info("simulated batch",
			"owner", session.Owner,
			"calls", len(calls),
			"tx_hash", txHash)
		return domain.ExecutionResult{Success: true, TxHash: txHash}, nil
	}

	// 1. The account must carry live delegation code; an undelegated EOA
	// would swallow the batch without executing anything. On first use the
	// stored wallet-signed artifact rides along with the batch so deployment
	// and execution land atomically; once code is present it stays home.
	code, err := e.chain.GetCode(ctx, session.Owner)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("execution: deployment probe for %s: %w", session.Owner, err)
	}
	var auth *domain.SignedDelegation
	if len(code) == 0 {
		if session.Delegation == nil {
			return domain.ExecutionResult{}, fmt.Errorf("execution: account %s: %w", session.Owner, domain.ErrNotDeployed)
		}
		auth = session.Delegation
		e.logger.Info("attaching delegation for first use",
			"owner", session.Owner,
			"target", auth.Target)
	}

	// 2. Decrypt the session key and cross-check it against the stored
	// session address before signing anything with it.
	keyHex, err := e.box.Open(session.EncryptedKey)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("execution: decrypting session key: %w", err)
	}
	derived, err := crypto.AddressFromKeyHex(string(keyHex))
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("execution: %w", err)
	}
	if !strings.EqualFold(derived, session.SessionAddress) {
		return domain.ExecutionResult{}, fmt.Errorf("execution: decrypted key does not match session address: %w", domain.ErrSessionInvalid)
	}

	// 3. Sign the batch against the account's current nonce.
	nonce, err := e.chain.TransactionCount(ctx, session.Owner)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("execution: reading nonce: %w", err)
	}
	digest, err := crypto.BatchDigest(e.chainID, session.Owner, nonce, calls)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	signature, err := crypto.SignDigest(string(keyHex), digest)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("execution: %w: %v", domain.ErrSigningFailed, err)
	}

	// 4. Submit and wait for settlement.
	opHash, err := e.relay.SubmitBatch(ctx, session.Owner, e.chainID, nonce, calls, signature, auth)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	e.logger.Info("batch submitted",
		"owner", session.Owner,
		"calls", len(calls),
		"op_hash", opHash)

	receipt, err := e.relay.WaitForReceipt(ctx, opHash, e.receiptTimeout, e.pollInterval)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if receipt.Status != bundler.StatusIncluded {
		return domain.ExecutionResult{
			Success: false,
			TxHash:  receipt.TxHash,
			GasUsed: receipt.GasUsed,
			Error:   receipt.Reason,
		}, nil
	}

	e.logger.Info("batch included",
		"owner", session.Owner,
		"tx_hash", receipt.TxHash,
		"gas_used", receipt.GasUsed)
	return domain.ExecutionResult{
		Success: true,
		TxHash:  receipt.TxHash,
		GasUsed: receipt.GasUsed,
	}, nil
}

// fabricatedHash returns a random 32-byte hash standing in for a transaction
// hash in simulation mode, so downstream records keep their shape.
func fabricatedHash() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("execution: fabricating hash: %w", err)
	}
	return "0x" + hex.EncodeToString(b), nil
}
