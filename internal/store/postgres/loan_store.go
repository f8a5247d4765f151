package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/trustbond/internal/domain"
)

// LoanStore implements domain.LoanStore using PostgreSQL. It also owns the
// single-row pool_liquidity table.
type LoanStore struct {
	pool *pgxpool.Pool
}

// NewLoanStore creates a new LoanStore backed by the given connection pool.
func NewLoanStore(pool *pgxpool.Pool) *LoanStore {
	return &LoanStore{pool: pool}
}

const loanSelectCols = `id, borrower, principal, rate_bps, duration_seconds,
	started_at, status, settled_at`

func scanLoanRow(row pgx.Row) (domain.Loan, error) {
	var l domain.Loan
	var borrower, status string
	var durationSec int64

	err := row.Scan(
		&l.ID, &borrower, &l.Principal, &l.RateBps, &durationSec,
		&l.StartedAt, &status, &l.SettledAt,
	)
	if err != nil {
		return domain.Loan{}, err
	}
	l.Borrower = common.HexToAddress(borrower)
	l.Duration = time.Duration(durationSec) * time.Second
	l.Status = domain.LoanStatus(status)
	return l, nil
}

func scanLoanRows(rows pgx.Rows) ([]domain.Loan, error) {
	var loans []domain.Loan
	for rows.Next() {
		l, err := scanLoanRow(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// Upsert writes the loan's full state, inserting or replacing by id.
func (s *LoanStore) Upsert(ctx context.Context, l domain.Loan) error {
	const query = `
		INSERT INTO loans (
			id, borrower, principal, rate_bps, duration_seconds,
			started_at, status, settled_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			settled_at = EXCLUDED.settled_at,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		l.ID, l.Borrower.Hex(), l.Principal, l.RateBps,
		int64(l.Duration/time.Second), l.StartedAt, string(l.Status), l.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert loan %s: %w", l.ID, err)
	}
	return nil
}

// GetByID returns the loan stored under id, or domain.ErrNotFound.
func (s *LoanStore) GetByID(ctx context.Context, id string) (domain.Loan, error) {
	query := `SELECT ` + loanSelectCols + ` FROM loans WHERE id = $1`

	l, err := scanLoanRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Loan{}, domain.ErrNotFound
		}
		return domain.Loan{}, fmt.Errorf("postgres: get loan %s: %w", id, err)
	}
	return l, nil
}

// ListByBorrower returns every loan taken by the borrower.
func (s *LoanStore) ListByBorrower(ctx context.Context, borrower common.Address) ([]domain.Loan, error) {
	query := `SELECT ` + loanSelectCols + ` FROM loans WHERE borrower = $1 ORDER BY started_at ASC`

	rows, err := s.pool.Query(ctx, query, borrower.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list loans for %s: %w", borrower.Hex(), err)
	}
	defer rows.Close()
	return scanLoanRows(rows)
}

// ListAll returns every stored loan, for boot-time pool recovery.
func (s *LoanStore) ListAll(ctx context.Context) ([]domain.Loan, error) {
	query := `SELECT ` + loanSelectCols + ` FROM loans ORDER BY started_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list loans: %w", err)
	}
	defer rows.Close()
	return scanLoanRows(rows)
}

// ListSettledBefore returns settled (repaid or defaulted) loans whose
// settlement happened strictly before the cutoff, for archival.
func (s *LoanStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Loan, error) {
	query := `SELECT ` + loanSelectCols + ` FROM loans
		WHERE settled_at IS NOT NULL AND settled_at < $1
		ORDER BY settled_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled loans: %w", err)
	}
	defer rows.Close()
	return scanLoanRows(rows)
}

// SetLiquidity persists the pool's liquidity balance.
func (s *LoanStore) SetLiquidity(ctx context.Context, amount int64) error {
	const query = `
		INSERT INTO pool_liquidity (id, amount, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, amount); err != nil {
		return fmt.Errorf("postgres: set liquidity: %w", err)
	}
	return nil
}

// GetLiquidity returns the persisted pool liquidity balance.
func (s *LoanStore) GetLiquidity(ctx context.Context) (int64, error) {
	var amount int64
	err := s.pool.QueryRow(ctx, `SELECT amount FROM pool_liquidity WHERE id = 1`).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: get liquidity: %w", err)
	}
	return amount, nil
}

// Compile-time interface check.
var _ domain.LoanStore = (*LoanStore)(nil)
