package model

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNewWeb3BigIntFromDecimal(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
	}{
		{name: "whole usdc", amount: "8000", decimals: 6, want: "8000000000"},
		{name: "cents", amount: "12.345678", decimals: 6, want: "12345678"},
		{name: "dust is truncated", amount: "0.0000019", decimals: 6, want: "1"},
		{name: "zero", amount: "0", decimals: 18, want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewWeb3BigIntFromDecimal(decimal.RequireFromString(tt.amount), tt.decimals)
			assert.Equal(t, tt.want, got.Value)
			assert.Equal(t, tt.decimals, got.Decimal)
		})
	}
}

func TestWeb3BigInt_RoundTrip(t *testing.T) {
	amount := decimal.RequireFromString("2000.5")
	w := NewWeb3BigIntFromDecimal(amount, 6)

	assert.Equal(t, "2000500000", w.Value)
	assert.True(t, w.ToDecimal().Equal(amount))
	assert.Equal(t, 0, w.BigInt().Cmp(big.NewInt(2000500000)))
}

func TestWeb3BigInt_Arithmetic(t *testing.T) {
	escrowed := NewWeb3BigIntFromDecimal(decimal.NewFromInt(10000), 6)
	fee := NewWeb3BigIntFromDecimal(decimal.RequireFromString("25.5"), 6)

	payout := escrowed.Sub(fee)
	assert.Equal(t, "9974500000", payout.Value)
	assert.Equal(t, 6, payout.Decimal)
	assert.Equal(t, escrowed.Value, payout.Add(fee).Value)

	assert.Equal(t, 1, escrowed.Cmp(payout))
	assert.Equal(t, -1, fee.Cmp(payout))
	assert.Equal(t, 0, payout.Cmp(payout))

	negative := fee.Sub(escrowed)
	assert.Equal(t, -1, negative.BigInt().Sign())
}

func TestWeb3BigInt_Malformed(t *testing.T) {
	w := &Web3BigInt{Value: "not-a-number", Decimal: 6}
	assert.Zero(t, w.BigInt().Sign())
	assert.True(t, w.ToDecimal().IsZero())

	assert.Equal(t, "0", NewWeb3BigInt(nil, 6).Value)
}
