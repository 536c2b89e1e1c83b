package execution

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Pre-computed function selectors (first 4 bytes of keccak256 of signature).
var (
	// ERC-20
	selectorApprove   = mustDecodeHex("095ea7b3") // approve(address,uint256)
	selectorTransfer  = mustDecodeHex("a9059cbb") // transfer(address,uint256)
	selectorBalanceOf = mustDecodeHex("70a08231") // balanceOf(address)

	// ERC-4626
	selectorDeposit         = mustDecodeHex("6e553f65") // deposit(uint256,address)
	selectorRedeem          = mustDecodeHex("ba087652") // redeem(uint256,address,address)
	selectorWithdraw        = mustDecodeHex("b460af94") // withdraw(uint256,address,address)
	selectorTotalAssets     = mustDecodeHex("01e1d114") // totalAssets()
	selectorConvertToAssets = mustDecodeHex("07a2d13a") // convertToAssets(uint256)

	// MaxUint256 for unlimited approval.
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex: %s", s))
	}
	return b
}

// encodeAddress left-pads a 20-byte address to a 32-byte ABI word.
func encodeAddress(addr string) []byte {
	addr = strings.TrimPrefix(addr, "0x")
	b, _ := hex.DecodeString(addr)
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// encodeUint256 left-pads a big.Int to a 32-byte ABI word.
func encodeUint256(n *big.Int) []byte {
	padded := make([]byte, 32)
	b := n.Bytes()
	copy(padded[32-len(b):], b)
	return padded
}

// decodeUint256 reads a 32-byte big-endian ABI word.
func decodeUint256(data []byte) *big.Int {
	return new(big.Int).SetBytes(data)
}

// EncodeApprove builds calldata for ERC20.approve(spender, amount).
func EncodeApprove(spender string, amount *big.Int) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, selectorApprove...)
	data = append(data, encodeAddress(spender)...)
	data = append(data, encodeUint256(amount)...)
	return data
}

// EncodeTransfer builds calldata for ERC20.transfer(to, amount).
func EncodeTransfer(to string, amount *big.Int) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, selectorTransfer...)
	data = append(data, encodeAddress(to)...)
	data = append(data, encodeUint256(amount)...)
	return data
}

// EncodeBalanceOf builds calldata for ERC20.balanceOf(account).
func EncodeBalanceOf(account string) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, selectorBalanceOf...)
	data = append(data, encodeAddress(account)...)
	return data
}

// EncodeDeposit builds calldata for ERC4626.deposit(assets, receiver).
func EncodeDeposit(assets *big.Int, receiver string) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, selectorDeposit...)
	data = append(data, encodeUint256(assets)...)
	data = append(data, encodeAddress(receiver)...)
	return data
}

// EncodeRedeem builds calldata for ERC4626.redeem(shares, receiver, owner).
func EncodeRedeem(shares *big.Int, receiver, owner string) []byte {
	data := make([]byte, 0, 4+96)
	data = append(data, selectorRedeem...)
	data = append(data, encodeUint256(shares)...)
	data = append(data, encodeAddress(receiver)...)
	data = append(data, encodeAddress(owner)...)
	return data
}

// EncodeWithdraw builds calldata for ERC4626.withdraw(assets, receiver, owner).
func EncodeWithdraw(assets *big.Int, receiver, owner string) []byte {
	data := make([]byte, 0, 4+96)
	data = append(data, selectorWithdraw...)
	data = append(data, encodeUint256(assets)...)
	data = append(data, encodeAddress(receiver)...)
	data = append(data, encodeAddress(owner)...)
	return data
}

// EncodeTotalAssets builds calldata for ERC4626.totalAssets().
func EncodeTotalAssets() []byte {
	return append([]byte(nil), selectorTotalAssets...)
}

// EncodeConvertToAssets builds calldata for ERC4626.convertToAssets(shares).
func EncodeConvertToAssets(shares *big.Int) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, selectorConvertToAssets...)
	data = append(data, encodeUint256(shares)...)
	return data
}

// DecodeUint256Result decodes a single uint256 return word from eth_call
// output.
func DecodeUint256Result(data []byte) (*big.Int, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("execution: short ABI result: %d bytes", len(data))
	}
	return decodeUint256(data[:32]), nil
}

// Selector returns the 4-byte selector prefix of calldata as a hex string,
// or "" when the calldata is shorter than a selector.
func Selector(calldata []byte) string {
	if len(calldata) < 4 {
		return ""
	}
	return "0x" + hex.EncodeToString(calldata[:4])
}
