package trading

import "math/big"

var hundred = big.NewInt(100)

// MinOut applies a slippage percentage to quote: quote*(100-slippage)/100, floored.
func MinOut(quote *big.Int, slippage int) *big.Int {
	out := new(big.Int).Mul(quote, big.NewInt(int64(100-slippage)))
	return out.Quo(out, hundred)
}

// SellAmount is floor(balance*pct/100); never more than balance for pct in 1..100.
func SellAmount(balance *big.Int, pct int) *big.Int {
	out := new(big.Int).Mul(balance, big.NewInt(int64(pct)))
	return out.Quo(out, hundred)
}
