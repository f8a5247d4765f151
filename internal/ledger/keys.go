package ledger

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SortPair returns the two addresses in canonical (low, high) byte order.
func SortPair(a, b common.Address) (low, high common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) <= 0 {
		return a, b
	}
	return b, a
}

// BondKey derives the content-addressed key for the pair (a, b):
// keccak256(low || high) over the canonically sorted addresses, so that
// BondKey(a, b) == BondKey(b, a).
func BondKey(a, b common.Address) common.Hash {
	low, high := SortPair(a, b)
	return ethcrypto.Keccak256Hash(low.Bytes(), high.Bytes())
}
