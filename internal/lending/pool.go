// Package lending implements the lending pool: loan origination against a
// borrower's aggregate bond value, repayment with simple interest, and
// liquidation of expired loans via bond-yield recovery.
package lending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/trustbond/internal/domain"
)

const bpsDenominator = 10000

// Config holds the pool's lending parameters.
type Config struct {
	// MaxLTVBps caps borrowing at this fraction of collateral value.
	MaxLTVBps int64
	// BaseRateBps is the interest rate before the trust-score discount.
	BaseRateBps int64
	// MinRateBps floors the discounted rate.
	MinRateBps int64
	// BorrowFactor converts trust-score points into borrowable smallest
	// units for the score leg of the max-borrow formula.
	BorrowFactor int64
	// MinDuration is the shortest accepted loan duration.
	MinDuration time.Duration
}

// DefaultConfig returns the canonical parameter set: 80% LTV, 10% base rate
// floored at 2%, and a one-day minimum duration.
func DefaultConfig() Config {
	return Config{
		MaxLTVBps:    8000,
		BaseRateBps:  1000,
		MinRateBps:   200,
		BorrowFactor: 1_000_000,
		MinDuration:  24 * time.Hour,
	}
}

// Collateral is the slice of the bond ledger the pool drives. Calls carry
// the pool's identity, which must be on the ledger's allow-list. ClaimYield
// returns the total yield released across the user's frozen bonds.
type Collateral interface {
	FreezeUser(caller, user common.Address, frozen bool) ([]common.Hash, error)
	ClaimYield(ctx context.Context, caller, user common.Address) (int64, error)
	UserTotalValue(user common.Address) int64
}

// ScoreSource supplies trust scores for rate and limit computation.
type ScoreSource interface {
	Score(user common.Address) float64
}

// Payer disburses principal to borrowers and refunds overpayments.
type Payer interface {
	Pay(ctx context.Context, to common.Address, amount int64, memo string) error
}

// Pool owns loan state and the pool liquidity balance. Operations are
// serialized; each either fully commits or unwinds everything it staged.
type Pool struct {
	mu sync.Mutex

	cfg      Config
	owner    common.Address
	identity common.Address

	liquidity int64
	loans     map[string]*domain.Loan
	active    map[common.Address]string // borrower -> active loan id

	collateral Collateral
	scores     ScoreSource
	payer      Payer
	now        func() time.Time
}

// New creates a Pool. identity is the address the pool presents to the bond
// ledger; it must be allow-listed there before Borrow or Liquidate is called.
func New(cfg Config, owner, identity common.Address, collateral Collateral, scores ScoreSource, payer Payer) *Pool {
	return &Pool{
		cfg:        cfg,
		owner:      owner,
		identity:   identity,
		loans:      make(map[string]*domain.Loan),
		active:     make(map[common.Address]string),
		collateral: collateral,
		scores:     scores,
		payer:      payer,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Identity returns the address the pool presents to the bond ledger.
func (p *Pool) Identity() common.Address { return p.identity }

// Restore replaces the pool's loan state and liquidity with persisted state.
func (p *Pool) Restore(loans []domain.Loan, liquidity int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loans = make(map[string]*domain.Loan, len(loans))
	p.active = make(map[common.Address]string)
	for i := range loans {
		loan := loans[i]
		p.loans[loan.ID] = &loan
		if loan.Status == domain.LoanActive {
			p.active[loan.Borrower] = loan.ID
		}
	}
	p.liquidity = liquidity
}

// Borrow originates a loan: checks the borrower's limit, freezes the full
// bond set as collateral, debits pool liquidity, and disburses the principal.
func (p *Pool) Borrow(ctx context.Context, borrower common.Address, amount int64, duration time.Duration) (domain.Loan, error) {
	score := p.scores.Score(borrower)

	p.mu.Lock()
	defer p.mu.Unlock()

	if amount <= 0 {
		return domain.Loan{}, domain.ErrInvalidAmount
	}
	if duration < p.cfg.MinDuration {
		return domain.Loan{}, domain.ErrDurationTooShort
	}
	if _, busy := p.active[borrower]; busy {
		return domain.Loan{}, domain.ErrLoanActive
	}

	if amount > p.maxBorrowable(borrower, score) {
		return domain.Loan{}, domain.ErrExceedsMaxBorrow
	}
	if amount > p.liquidity {
		return domain.Loan{}, domain.ErrInsufficientLiquidity
	}

	// Collateralization is coarse: the borrower's entire active bond set is
	// frozen regardless of loan size.
	frozen, err := p.collateral.FreezeUser(p.identity, borrower, true)
	if err != nil {
		return domain.Loan{}, fmt.Errorf("lending: freeze collateral: %w", err)
	}

	loan := &domain.Loan{
		ID:        uuid.New().String(),
		Borrower:  borrower,
		Principal: amount,
		RateBps:   p.rateFor(score),
		Duration:  duration,
		StartedAt: p.now().UTC(),
		Status:    domain.LoanActive,
	}

	// Commit loan state before the outbound transfer.
	p.liquidity -= amount
	p.loans[loan.ID] = loan
	p.active[borrower] = loan.ID

	if err := p.payer.Pay(ctx, borrower, amount, "loan "+loan.ID); err != nil {
		// Unwind everything staged in this call, collateral freeze included.
		p.liquidity += amount
		delete(p.loans, loan.ID)
		delete(p.active, borrower)
		if len(frozen) > 0 {
			_, _ = p.collateral.FreezeUser(p.identity, borrower, false)
		}
		return domain.Loan{}, fmt.Errorf("lending: disburse: %w", err)
	}
	return *loan, nil
}

// Repay settles an active loan. payment must cover principal plus accrued
// interest; any overpayment is refunded. The borrower's bonds are unfrozen.
func (p *Pool) Repay(ctx context.Context, caller common.Address, loanID string, payment int64) (owed int64, refund int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	loan, ok := p.loans[loanID]
	if !ok {
		return 0, 0, domain.ErrNotFound
	}
	if caller != loan.Borrower {
		return 0, 0, domain.ErrUnauthorized
	}
	if loan.Status != domain.LoanActive {
		return 0, 0, domain.ErrLoanNotActive
	}

	now := p.now().UTC()
	owed = loan.Owed(now)
	if payment < owed {
		return owed, 0, domain.ErrInsufficientPayment
	}
	refund = payment - owed

	snap := *loan
	snapLiquidity := p.liquidity
	loan.Status = domain.LoanRepaid
	loan.SettledAt = &now
	delete(p.active, loan.Borrower)
	p.liquidity += owed

	if _, err := p.collateral.FreezeUser(p.identity, loan.Borrower, false); err != nil {
		*loan = snap
		p.active[loan.Borrower] = loan.ID
		p.liquidity = snapLiquidity
		return owed, 0, fmt.Errorf("lending: release collateral: %w", err)
	}

	if refund > 0 {
		if err := p.payer.Pay(ctx, loan.Borrower, refund, "loan refund "+loan.ID); err != nil {
			_, _ = p.collateral.FreezeUser(p.identity, loan.Borrower, true)
			*loan = snap
			p.active[loan.Borrower] = loan.ID
			p.liquidity = snapLiquidity
			return owed, 0, fmt.Errorf("lending: refund: %w", err)
		}
	}
	return owed, refund, nil
}

// Liquidate defaults a loan whose duration has elapsed without repayment.
// Owner only. Recovery claims the accrued yield on the borrower's frozen
// bonds (paid to the original bond participants, never seizing principal)
// and releases the collateral regardless of how much was recovered.
//
// The default is terminal, so a failed collateral release does not fail the
// liquidation: released reports whether the borrower's bonds were unfrozen,
// and a false value means the owner must release them through the ledger.
func (p *Pool) Liquidate(ctx context.Context, caller common.Address, loanID string) (recovered int64, released bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return 0, false, domain.ErrUnauthorized
	}
	loan, ok := p.loans[loanID]
	if !ok {
		return 0, false, domain.ErrNotFound
	}
	if loan.Status != domain.LoanActive {
		return 0, false, domain.ErrLoanNotActive
	}
	now := p.now().UTC()
	if !loan.Expired(now) {
		return 0, false, domain.ErrLoanNotExpired
	}

	loan.Status = domain.LoanDefaulted
	loan.SettledAt = &now
	delete(p.active, loan.Borrower)

	recovered, err = p.collateral.ClaimYield(ctx, p.identity, loan.Borrower)
	if err != nil {
		// The default itself stands; yield recovery is best-effort.
		recovered = 0
	}

	released = true
	if _, err := p.collateral.FreezeUser(p.identity, loan.Borrower, false); err != nil {
		released = false
	}
	return recovered, released, nil
}

// Deposit adds liquidity to the pool. Owner only; the funds themselves are
// collected by the service layer before this call.
func (p *Pool) Deposit(caller common.Address, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.owner {
		return domain.ErrUnauthorized
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	p.liquidity += amount
	return nil
}

// Withdraw removes liquidity from the pool and pays it to the owner.
func (p *Pool) Withdraw(ctx context.Context, caller common.Address, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.owner {
		return domain.ErrUnauthorized
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if amount > p.liquidity {
		return domain.ErrInsufficientLiquidity
	}
	p.liquidity -= amount
	if err := p.payer.Pay(ctx, caller, amount, "pool withdrawal"); err != nil {
		p.liquidity += amount
		return fmt.Errorf("lending: withdraw: %w", err)
	}
	return nil
}

// MaxBorrowable replicates the borrow precheck as a pure view:
// min(trustScore*factor, collateralValue*maxLTV).
func (p *Pool) MaxBorrowable(user common.Address) int64 {
	score := p.scores.Score(user)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxBorrowable(user, score)
}

// Liquidity returns the pool's current liquidity balance.
func (p *Pool) Liquidity() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liquidity
}

// GetLoan returns the loan stored under id.
func (p *Pool) GetLoan(id string) (domain.Loan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loan, ok := p.loans[id]
	if !ok {
		return domain.Loan{}, domain.ErrNotFound
	}
	return *loan, nil
}

// ActiveLoan returns the borrower's active loan, if any.
func (p *Pool) ActiveLoan(borrower common.Address) (domain.Loan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.active[borrower]
	if !ok {
		return domain.Loan{}, false
	}
	return *p.loans[id], true
}

// LoansOf returns every loan ever taken by borrower.
func (p *Pool) LoansOf(borrower common.Address) []domain.Loan {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Loan
	for _, loan := range p.loans {
		if loan.Borrower == borrower {
			out = append(out, *loan)
		}
	}
	return out
}

// AllLoans returns a copy of every loan, for persistence snapshots.
func (p *Pool) AllLoans() []domain.Loan {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Loan, 0, len(p.loans))
	for _, loan := range p.loans {
		out = append(out, *loan)
	}
	return out
}

// maxBorrowable computes min(score leg, LTV leg). Caller holds p.mu; the
// score is passed in because ScoreSource must not be called under the lock.
func (p *Pool) maxBorrowable(user common.Address, score float64) int64 {
	scoreLeg := int64(score * float64(p.cfg.BorrowFactor))
	ltvLeg := domain.MulDiv(p.collateral.UserTotalValue(user), p.cfg.MaxLTVBps, bpsDenominator)
	if scoreLeg < ltvLeg {
		return scoreLeg
	}
	return ltvLeg
}

// rateFor computes baseRate - score/100, floored at the minimum rate.
func (p *Pool) rateFor(score float64) int64 {
	rate := p.cfg.BaseRateBps - int64(score/100)
	if rate < p.cfg.MinRateBps {
		rate = p.cfg.MinRateBps
	}
	return rate
}
