package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BondStore persists bond state. The in-memory ledger is authoritative during
// operation; the store provides durability and boot-time recovery.
type BondStore interface {
	Upsert(ctx context.Context, bond Bond) error
	GetByKey(ctx context.Context, key common.Hash) (Bond, error)
	ListByUser(ctx context.Context, user common.Address) ([]Bond, error)
	ListAll(ctx context.Context) ([]Bond, error)
	// ListTerminatedBefore returns inactive bonds last updated strictly
	// before the cutoff, for archival.
	ListTerminatedBefore(ctx context.Context, before time.Time) ([]Bond, error)
}

// AccountStore persists the ledger's per-user accounts.
type AccountStore interface {
	Upsert(ctx context.Context, acct UserAccount) error
	Get(ctx context.Context, addr common.Address) (UserAccount, error)
	ListAll(ctx context.Context) ([]UserAccount, error)
}

// TrustProfileStore persists the scorer's per-user profiles.
type TrustProfileStore interface {
	Upsert(ctx context.Context, p TrustProfile) error
	Get(ctx context.Context, addr common.Address) (TrustProfile, error)
	ListAll(ctx context.Context) ([]TrustProfile, error)
}

// LoanStore persists loans and the pool liquidity balance.
type LoanStore interface {
	Upsert(ctx context.Context, loan Loan) error
	GetByID(ctx context.Context, id string) (Loan, error)
	ListByBorrower(ctx context.Context, borrower common.Address) ([]Loan, error)
	ListAll(ctx context.Context) ([]Loan, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]Loan, error)
	SetLiquidity(ctx context.Context, amount int64) error
	GetLiquidity(ctx context.Context) (int64, error)
}

// Credit is one entry of a balance credit batch.
type Credit struct {
	To     common.Address
	Amount int64
}

// BalanceStore persists withdrawable treasury balances per address. Debit
// returns ErrInsufficientBalance when the balance cannot cover the amount.
// CreditAll applies its batch atomically: on error no balance changes.
type BalanceStore interface {
	Credit(ctx context.Context, addr common.Address, amount int64) error
	CreditAll(ctx context.Context, credits []Credit) error
	Debit(ctx context.Context, addr common.Address, amount int64) error
	Get(ctx context.Context, addr common.Address) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
