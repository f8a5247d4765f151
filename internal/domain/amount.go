package domain

import "math/big"

// mulDiv computes a*b/den without intermediate int64 overflow. Inputs are
// expected to be non-negative; the quotient is truncated toward zero.
func mulDiv(a, b, den int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	n := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	n.Quo(n, big.NewInt(den))
	return n.Int64()
}

// MulDiv is the exported form of mulDiv for use by the engines, which share
// the same overflow-safe arithmetic for yield and interest accrual.
func MulDiv(a, b, den int64) int64 {
	return mulDiv(a, b, den)
}
