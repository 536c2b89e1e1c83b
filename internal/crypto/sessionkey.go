package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SessionKey is a freshly generated secp256k1 keypair for delegated signing.
// KeyHex is the raw secret material; it must be encrypted with a SecretBox
// before it crosses any persistence or process boundary, and must never be
// logged or returned to API callers.
type SessionKey struct {
	Address string // 0x-prefixed, EIP-55 checksum
	KeyHex  string // 64 hex chars, no 0x prefix
}

// GenerateSessionKey creates a new random session keypair entirely in
// process.
func GenerateSessionKey() (SessionKey, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return SessionKey{}, fmt.Errorf("crypto: generating session key: %w", err)
	}
	return SessionKey{
		Address: ethcrypto.PubkeyToAddress(pk.PublicKey).Hex(),
		KeyHex:  hex.EncodeToString(ethcrypto.FromECDSA(pk)),
	}, nil
}

// AddressFromKeyHex derives the 0x-prefixed address for a hex-encoded
// secp256k1 private key. Used to cross-check decrypted session material
// against the stored session address before signing anything with it.
func AddressFromKeyHex(keyHex string) (string, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("crypto: invalid session key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(pk.PublicKey).Hex(), nil
}
