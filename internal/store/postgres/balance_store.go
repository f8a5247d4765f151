package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/trustbond/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL. Debits are
// guarded by a conditional UPDATE so a balance can never go negative even
// under concurrent writers.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Credit adds amount to the address's withdrawable balance.
func (s *BalanceStore) Credit(ctx context.Context, addr common.Address, amount int64) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}

	const query = `
		INSERT INTO balances (address, amount, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (address) DO UPDATE SET
			amount     = balances.amount + EXCLUDED.amount,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, addr.Hex(), amount); err != nil {
		return fmt.Errorf("postgres: credit %s: %w", addr.Hex(), err)
	}
	return nil
}

// CreditAll adds each credit amount to its address's balance inside a single
// transaction. A failure on any row rolls the whole batch back, so a
// multi-recipient settlement never lands partially.
func (s *BalanceStore) CreditAll(ctx context.Context, credits []domain.Credit) error {
	if len(credits) == 0 {
		return nil
	}
	for _, c := range credits {
		if c.Amount <= 0 {
			return domain.ErrInvalidAmount
		}
	}

	const query = `
		INSERT INTO balances (address, amount, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (address) DO UPDATE SET
			amount     = balances.amount + EXCLUDED.amount,
			updated_at = NOW()`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, c := range credits {
			if _, err := tx.Exec(ctx, query, c.To.Hex(), c.Amount); err != nil {
				return fmt.Errorf("credit %s: %w", c.To.Hex(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: credit batch: %w", err)
	}
	return nil
}

// Debit subtracts amount from the address's balance. It returns
// domain.ErrInsufficientBalance when the balance cannot cover the amount.
func (s *BalanceStore) Debit(ctx context.Context, addr common.Address, amount int64) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}

	const query = `
		UPDATE balances SET amount = amount - $2, updated_at = NOW()
		WHERE address = $1 AND amount >= $2`

	tag, err := s.pool.Exec(ctx, query, addr.Hex(), amount)
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", addr.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientBalance
	}
	return nil
}

// Get returns the address's current balance. Unknown addresses have a zero
// balance rather than an error.
func (s *BalanceStore) Get(ctx context.Context, addr common.Address) (int64, error) {
	var amount int64
	err := s.pool.QueryRow(ctx, `SELECT amount FROM balances WHERE address = $1`, addr.Hex()).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: get balance %s: %w", addr.Hex(), err)
	}
	return amount, nil
}

// Compile-time interface check.
var _ domain.BalanceStore = (*BalanceStore)(nil)
