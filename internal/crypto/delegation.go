package crypto

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// setCodeMagic is the domain-separation prefix for delegation authorizations
// (EIP-7702 SET_CODE_TX_TYPE magic byte).
const setCodeMagic = 0x05

// DelegationSignature carries the secp256k1 signature components of a signed
// delegation authorization.
type DelegationSignature struct {
	R       string
	S       string
	YParity uint8
}

// SignDelegation signs a delegation authorization tying the signing account
// to the given delegation target. Passing the zero address as target revokes
// any existing delegation.
//
// The digest is keccak256(0x05 || rlp([chainID, target, nonce])).
func SignDelegation(keyHex string, chainID int64, target string, nonce uint64) (DelegationSignature, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return DelegationSignature{}, fmt.Errorf("crypto: invalid signing key: %w", err)
	}

	digest, err := delegationDigest(chainID, target, nonce)
	if err != nil {
		return DelegationSignature{}, err
	}

	sig, err := ethcrypto.Sign(digest, pk)
	if err != nil {
		return DelegationSignature{}, fmt.Errorf("crypto: signing delegation: %w", err)
	}

	// go-ethereum returns the signature as r || s || v with v in {0,1}.
	return DelegationSignature{
		R:       "0x" + hex.EncodeToString(sig[:32]),
		S:       "0x" + hex.EncodeToString(sig[32:64]),
		YParity: sig[64],
	}, nil
}

// RecoverDelegationAuthority returns the lowercased address that signed the
// delegation authorization. Under set-code semantics the signer is the
// account whose delegation changes, so checking the recovered address is how
// a relying party verifies an artifact really came from the owner's wallet.
func RecoverDelegationAuthority(chainID int64, target string, nonce uint64, sig DelegationSignature) (string, error) {
	digest, err := delegationDigest(chainID, target, nonce)
	if err != nil {
		return "", err
	}

	r, err := hex.DecodeString(strings.TrimPrefix(sig.R, "0x"))
	if err != nil || len(r) > 32 {
		return "", fmt.Errorf("crypto: malformed signature component r")
	}
	s, err := hex.DecodeString(strings.TrimPrefix(sig.S, "0x"))
	if err != nil || len(s) > 32 {
		return "", fmt.Errorf("crypto: malformed signature component s")
	}
	full := make([]byte, 65)
	copy(full[32-len(r):32], r)
	copy(full[64-len(s):64], s)
	full[64] = sig.YParity

	pub, err := ethcrypto.SigToPub(digest, full)
	if err != nil {
		return "", fmt.Errorf("crypto: recovering delegation signer: %w", err)
	}
	return strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex()), nil
}

func delegationDigest(chainID int64, target string, nonce uint64) ([]byte, error) {
	payload, err := rlp.EncodeToBytes([]any{
		big.NewInt(chainID),
		common.HexToAddress(target),
		nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding delegation: %w", err)
	}
	return ethcrypto.Keccak256(append([]byte{setCodeMagic}, payload...)), nil
}
