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

// AccountStore implements domain.AccountStore using PostgreSQL. Bond keys are
// stored as a TEXT[] of hex hashes.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// Upsert writes the account's full state, inserting or replacing by address.
func (s *AccountStore) Upsert(ctx context.Context, a domain.UserAccount) error {
	keys := make([]string, len(a.BondKeys))
	for i, k := range a.BondKeys {
		keys[i] = k.Hex()
	}

	const query = `
		INSERT INTO accounts (
			address, bond_keys, exit_count, defect_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (address) DO UPDATE SET
			bond_keys    = EXCLUDED.bond_keys,
			exit_count   = EXCLUDED.exit_count,
			defect_count = EXCLUDED.defect_count,
			updated_at   = NOW()`

	_, err := s.pool.Exec(ctx, query,
		a.Address.Hex(), keys, a.ExitCount, a.DefectCount, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert account %s: %w", a.Address.Hex(), err)
	}
	return nil
}

// Get returns the account stored under addr, or domain.ErrNotFound.
func (s *AccountStore) Get(ctx context.Context, addr common.Address) (domain.UserAccount, error) {
	const query = `
		SELECT address, bond_keys, exit_count, defect_count, created_at, updated_at
		FROM accounts WHERE address = $1`

	a, err := scanAccountRow(s.pool.QueryRow(ctx, query, addr.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserAccount{}, domain.ErrNotFound
		}
		return domain.UserAccount{}, fmt.Errorf("postgres: get account %s: %w", addr.Hex(), err)
	}
	return a, nil
}

// ListAll returns every stored account, for boot-time ledger recovery.
func (s *AccountStore) ListAll(ctx context.Context) ([]domain.UserAccount, error) {
	const query = `
		SELECT address, bond_keys, exit_count, defect_count, created_at, updated_at
		FROM accounts ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.UserAccount
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanAccountRow(row pgx.Row) (domain.UserAccount, error) {
	var a domain.UserAccount
	var addr string
	var keys []string

	if err := row.Scan(&addr, &keys, &a.ExitCount, &a.DefectCount, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.UserAccount{}, err
	}
	a.Address = common.HexToAddress(addr)
	a.BondKeys = make([]common.Hash, len(keys))
	for i, k := range keys {
		a.BondKeys[i] = common.HexToHash(k)
	}
	return a, nil
}

// Compile-time interface check.
var _ domain.AccountStore = (*AccountStore)(nil)
