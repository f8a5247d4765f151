package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LoanStatus is the state of a loan. Active loans transition to exactly one
// of Repaid or Defaulted; both are terminal.
type LoanStatus string

const (
	LoanActive    LoanStatus = "active"
	LoanRepaid    LoanStatus = "repaid"
	LoanDefaulted LoanStatus = "defaulted"
)

// Loan is a pool loan collateralized by the borrower's full bond set.
type Loan struct {
	ID        string
	Borrower  common.Address
	Principal int64
	RateBps   int64
	Duration  time.Duration
	StartedAt time.Time
	Status    LoanStatus
	SettledAt *time.Time
}

// Expired reports whether the loan's duration has elapsed as of now.
func (l *Loan) Expired(now time.Time) bool {
	return now.After(l.StartedAt.Add(l.Duration))
}

// Owed returns principal plus simple interest accrued from StartedAt to now.
func (l *Loan) Owed(now time.Time) int64 {
	elapsed := int64(now.Sub(l.StartedAt).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	const yearSeconds = 365 * 86400
	interest := mulDiv(l.Principal, l.RateBps*elapsed, 10000*yearSeconds)
	return l.Principal + interest
}
