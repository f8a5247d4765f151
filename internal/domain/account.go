package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// UserAccount is the ledger's per-user index: the bond keys the user
// participates in plus the termination counters that scale the monetary
// exit/defect penalties. Accounts are created lazily on first bond activity
// and never destroyed; terminated bonds stay in BondKeys marked inactive so
// history remains enumerable.
type UserAccount struct {
	Address     common.Address
	BondKeys    []common.Hash
	ExitCount   int
	DefectCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TrustProfile is the scorer's per-user state: penalty counters, the
// cumulative penalty offset, and the cached score. Written only in response
// to ledger-originated penalty calls and score computations.
type TrustProfile struct {
	Address       common.Address
	ExitCount     int
	DefectCount   int
	PenaltyOffset float64
	CachedScore   float64
	ScoredAt      time.Time
}
