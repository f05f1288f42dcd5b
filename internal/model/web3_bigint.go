package model

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Web3BigInt is a token amount in base units together with the token
// precision, e.g. 8000 USDC is {"8000000000", 6}.
type Web3BigInt struct {
	Value   string `json:"value"`
	Decimal int    `json:"decimal"`
}

// NewWeb3BigIntFromDecimal converts a human amount to token base units,
// truncating anything finer than the token precision.
func NewWeb3BigIntFromDecimal(amount decimal.Decimal, decimals int) *Web3BigInt {
	return &Web3BigInt{
		Value:   amount.Shift(int32(decimals)).Truncate(0).BigInt().String(),
		Decimal: decimals,
	}
}

func NewWeb3BigInt(units *big.Int, decimals int) *Web3BigInt {
	if units == nil {
		units = new(big.Int)
	}
	return &Web3BigInt{Value: units.String(), Decimal: decimals}
}

// BigInt returns the base units. Malformed values read as zero.
func (w *Web3BigInt) BigInt() *big.Int {
	num, ok := new(big.Int).SetString(w.Value, 10)
	if !ok {
		return new(big.Int)
	}
	return num
}

func (w *Web3BigInt) ToDecimal() decimal.Decimal {
	return decimal.NewFromBigInt(w.BigInt(), -int32(w.Decimal))
}

func (w *Web3BigInt) Cmp(other *Web3BigInt) int {
	return w.BigInt().Cmp(other.BigInt())
}

// Add and Sub keep the receiver's precision; both operands must share it.
func (w *Web3BigInt) Add(other *Web3BigInt) *Web3BigInt {
	return NewWeb3BigInt(new(big.Int).Add(w.BigInt(), other.BigInt()), w.Decimal)
}

func (w *Web3BigInt) Sub(other *Web3BigInt) *Web3BigInt {
	return NewWeb3BigInt(new(big.Int).Sub(w.BigInt(), other.BigInt()), w.Decimal)
}
