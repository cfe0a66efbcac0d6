package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the chain's native coin.
const NativeDecimals = 18

// ToUnits converts a human amount to smallest units, truncating extra precision.
func ToUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromUnits converts smallest units to a human amount.
func FromUnits(units *big.Int, decimals uint8) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -int32(decimals))
}

// FormatUnits renders units with at most places fractional digits.
func FormatUnits(units *big.Int, decimals uint8, places int32) string {
	return FromUnits(units, decimals).Truncate(places).String()
}
