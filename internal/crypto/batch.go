package crypto

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/stablefi/yieldagent/internal/domain"
)

// BatchDigest computes the signing digest for a call batch executed from the
// delegated account: keccak256(rlp([chainID, account, nonce, [[to, value,
// data], ...]])). The nonce binds the signature to a single execution.
func BatchDigest(chainID int64, account string, nonce uint64, calls []domain.Call) ([]byte, error) {
	encoded := make([][]any, 0, len(calls))
	for _, call := range calls {
		value := call.Value
		if value == nil {
			value = big.NewInt(0)
		}
		encoded = append(encoded, []any{
			common.HexToAddress(call.To),
			value,
			call.Data,
		})
	}

	payload, err := rlp.EncodeToBytes([]any{
		big.NewInt(chainID),
		common.HexToAddress(account),
		nonce,
		encoded,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding batch: %w", err)
	}
	return ethcrypto.Keccak256(payload), nil
}

// SignDigest signs a 32-byte digest with the given hex-encoded private key
// and returns the 65-byte r || s || v signature.
func SignDigest(keyHex string, digest []byte) ([]byte, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid signing key: %w", err)
	}
	sig, err := ethcrypto.Sign(digest, pk)
	if err != nil {
		return nil, fmt.Errorf("crypto: signing digest: %w", err)
	}
	return sig, nil
}
