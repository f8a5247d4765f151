package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/trustbond/internal/domain"
	"github.com/alanyoungcy/trustbond/internal/ledger"
	"github.com/alanyoungcy/trustbond/internal/lending"
)

// LoanService fronts the lending pool: it moves borrower payments through
// treasury balances, forwards operations to the pool, writes the resulting
// loan and liquidity state through to Postgres, and publishes loan events.
type LoanService struct {
	pool *lending.Pool
	ldgr *ledger.Ledger

	loans      domain.LoanStore
	bonds      domain.BondStore
	balances   domain.BalanceStore
	scoreCache domain.ScoreCache
	bus        domain.EventBus
	audit      domain.AuditStore
	alerts     Alerter // optional
	logger     *slog.Logger
}

// NewLoanService creates a LoanService. alerts may be nil.
func NewLoanService(
	pool *lending.Pool,
	l *ledger.Ledger,
	loans domain.LoanStore,
	bonds domain.BondStore,
	balances domain.BalanceStore,
	scoreCache domain.ScoreCache,
	bus domain.EventBus,
	audit domain.AuditStore,
	alerts Alerter,
	logger *slog.Logger,
) *LoanService {
	return &LoanService{
		pool:       pool,
		ldgr:       l,
		loans:      loans,
		bonds:      bonds,
		balances:   balances,
		scoreCache: scoreCache,
		bus:        bus,
		audit:      audit,
		alerts:     alerts,
		logger:     logger.With(slog.String("component", "loan_service")),
	}
}

// Borrow originates a loan for borrower. The principal is disbursed to the
// borrower's treasury balance by the pool's payer.
func (s *LoanService) Borrow(ctx context.Context, borrower common.Address, amount int64, duration time.Duration) (domain.Loan, error) {
	loan, err := s.pool.Borrow(ctx, borrower, amount, duration)
	if err != nil {
		return domain.Loan{}, err
	}

	s.persistLoan(ctx, loan)
	s.persistLiquidity(ctx)
	s.persistFrozenBonds(ctx, borrower)

	s.publish(ctx, domain.EventLoanOpened, map[string]any{
		"loan_id":   loan.ID,
		"borrower":  borrower.Hex(),
		"principal": loan.Principal,
		"rate_bps":  loan.RateBps,
		"duration":  loan.Duration.String(),
	})
	s.auditLog(ctx, "loan.opened", map[string]any{
		"loan_id":   loan.ID,
		"borrower":  borrower.Hex(),
		"principal": loan.Principal,
		"rate_bps":  loan.RateBps,
	})

	s.logger.InfoContext(ctx, "loan_service: loan opened",
		slog.String("loan_id", loan.ID),
		slog.Int64("principal", loan.Principal),
		slog.Int64("rate_bps", loan.RateBps),
	)
	return loan, nil
}

// Repay settles the caller's loan. payment is debited from the caller's
// treasury balance up front; overpayment refunds arrive back on the balance
// via the pool's payer.
func (s *LoanService) Repay(ctx context.Context, caller common.Address, loanID string, payment int64) (owed int64, refund int64, err error) {
	if err := s.balances.Debit(ctx, caller, payment); err != nil {
		return 0, 0, fmt.Errorf("loan_service: collect payment: %w", err)
	}

	owed, refund, err = s.pool.Repay(ctx, caller, loanID, payment)
	if err != nil {
		if refundErr := s.balances.Credit(ctx, caller, payment); refundErr != nil {
			s.logger.ErrorContext(ctx, "loan_service: payment refund failed",
				slog.String("caller", caller.Hex()),
				slog.Int64("amount", payment),
				slog.String("error", refundErr.Error()),
			)
		}
		return 0, 0, err
	}

	if loan, getErr := s.pool.GetLoan(loanID); getErr == nil {
		s.persistLoan(ctx, loan)
	}
	s.persistLiquidity(ctx)
	s.persistFrozenBonds(ctx, caller)
	s.invalidateScore(ctx, caller)

	s.publish(ctx, domain.EventLoanRepaid, map[string]any{
		"loan_id":  loanID,
		"borrower": caller.Hex(),
		"owed":     owed,
		"refund":   refund,
	})
	s.auditLog(ctx, "loan.repaid", map[string]any{
		"loan_id":  loanID,
		"borrower": caller.Hex(),
		"owed":     owed,
		"refund":   refund,
	})
	return owed, refund, nil
}

// Liquidate defaults an expired loan. Owner only; yield recovered from the
// borrower's frozen bonds is paid to the bond participants by the ledger.
func (s *LoanService) Liquidate(ctx context.Context, caller common.Address, loanID string) (recovered int64, err error) {
	loan, err := s.pool.GetLoan(loanID)
	if err != nil {
		return 0, err
	}

	recovered, released, err := s.pool.Liquidate(ctx, caller, loanID)
	if err != nil {
		return 0, err
	}

	// The default is terminal, so a failed release cannot be retried through
	// the pool. Record the stuck collateral loudly; the owner releases it via
	// the ledger freeze endpoint.
	if !released {
		s.logger.ErrorContext(ctx, "loan_service: collateral release failed, bonds remain frozen",
			slog.String("loan_id", loanID),
			slog.String("borrower", loan.Borrower.Hex()),
		)
		s.auditLog(ctx, "loan.collateral_stuck", map[string]any{
			"loan_id":  loanID,
			"borrower": loan.Borrower.Hex(),
		})
		if s.alerts != nil {
			msg := fmt.Sprintf("collateral release failed for defaulted loan %s: bonds of %s remain frozen, release them manually",
				loanID, loan.Borrower.Hex())
			if alertErr := s.alerts.Notify(ctx, "error", "Collateral stuck", msg); alertErr != nil {
				s.logger.WarnContext(ctx, "loan_service: stuck-collateral alert failed",
					slog.String("error", alertErr.Error()),
				)
			}
		}
	}

	if updated, getErr := s.pool.GetLoan(loanID); getErr == nil {
		s.persistLoan(ctx, updated)
	}
	s.persistLiquidity(ctx)
	s.persistFrozenBonds(ctx, loan.Borrower)
	s.invalidateScore(ctx, loan.Borrower)

	s.publish(ctx, domain.EventLoanLiquidated, map[string]any{
		"loan_id":   loanID,
		"borrower":  loan.Borrower.Hex(),
		"recovered": recovered,
	})
	s.auditLog(ctx, "loan.liquidated", map[string]any{
		"loan_id":   loanID,
		"borrower":  loan.Borrower.Hex(),
		"recovered": recovered,
	})

	if s.alerts != nil {
		msg := fmt.Sprintf("loan %s of %s defaulted: recovered %d in yield",
			loanID, loan.Borrower.Hex(), recovered)
		if err := s.alerts.Notify(ctx, "loan.liquidated", "Loan liquidated", msg); err != nil {
			s.logger.WarnContext(ctx, "loan_service: liquidation alert failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return recovered, nil
}

// PoolDeposit moves amount from the owner's treasury balance into pool
// liquidity.
func (s *LoanService) PoolDeposit(ctx context.Context, caller common.Address, amount int64) error {
	if err := s.balances.Debit(ctx, caller, amount); err != nil {
		return fmt.Errorf("loan_service: collect deposit: %w", err)
	}
	if err := s.pool.Deposit(caller, amount); err != nil {
		if refundErr := s.balances.Credit(ctx, caller, amount); refundErr != nil {
			s.logger.ErrorContext(ctx, "loan_service: deposit refund failed",
				slog.String("caller", caller.Hex()),
				slog.Int64("amount", amount),
				slog.String("error", refundErr.Error()),
			)
		}
		return err
	}
	s.persistLiquidity(ctx)
	s.auditLog(ctx, "pool.deposit", map[string]any{"caller": caller.Hex(), "amount": amount})
	return nil
}

// PoolWithdraw moves amount from pool liquidity back to the owner's treasury
// balance.
func (s *LoanService) PoolWithdraw(ctx context.Context, caller common.Address, amount int64) error {
	if err := s.pool.Withdraw(ctx, caller, amount); err != nil {
		return err
	}
	s.persistLiquidity(ctx)
	s.auditLog(ctx, "pool.withdraw", map[string]any{"caller": caller.Hex(), "amount": amount})
	return nil
}

// MaxBorrowable returns user's current borrowing limit.
func (s *LoanService) MaxBorrowable(user common.Address) int64 {
	return s.pool.MaxBorrowable(user)
}

// GetLoan returns the loan stored under id.
func (s *LoanService) GetLoan(id string) (domain.Loan, error) {
	return s.pool.GetLoan(id)
}

// LoansOf returns every loan ever taken by borrower.
func (s *LoanService) LoansOf(borrower common.Address) []domain.Loan {
	return s.pool.LoansOf(borrower)
}

// ActiveLoan returns the borrower's active loan, if any.
func (s *LoanService) ActiveLoan(borrower common.Address) (domain.Loan, bool) {
	return s.pool.ActiveLoan(borrower)
}

// Liquidity returns the pool's current liquidity balance.
func (s *LoanService) Liquidity() int64 {
	return s.pool.Liquidity()
}

func (s *LoanService) persistLoan(ctx context.Context, loan domain.Loan) {
	if err := s.loans.Upsert(ctx, loan); err != nil {
		s.logger.ErrorContext(ctx, "loan_service: loan persist failed",
			slog.String("loan_id", loan.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *LoanService) persistLiquidity(ctx context.Context) {
	if err := s.loans.SetLiquidity(ctx, s.pool.Liquidity()); err != nil {
		s.logger.ErrorContext(ctx, "loan_service: liquidity persist failed",
			slog.String("error", err.Error()),
		)
	}
}

// persistFrozenBonds writes through the borrower's bonds after a freeze or
// release toggled their frozen flags.
func (s *LoanService) persistFrozenBonds(ctx context.Context, borrower common.Address) {
	for _, bond := range s.ldgr.UserBonds(borrower) {
		if !bond.Active {
			continue
		}
		if err := s.bonds.Upsert(ctx, bond); err != nil {
			s.logger.ErrorContext(ctx, "loan_service: bond persist failed",
				slog.String("bond_key", bond.Key.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *LoanService) invalidateScore(ctx context.Context, addr common.Address) {
	if err := s.scoreCache.Invalidate(ctx, addr); err != nil {
		s.logger.WarnContext(ctx, "loan_service: score invalidation failed",
			slog.String("user", addr.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *LoanService) publish(ctx context.Context, channel string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "loan_service: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *LoanService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "loan_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
