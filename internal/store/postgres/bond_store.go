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

// BondStore implements domain.BondStore using PostgreSQL. Bonds are keyed by
// the hex form of their pair hash; addresses are stored in hex.
type BondStore struct {
	pool *pgxpool.Pool
}

// NewBondStore creates a new BondStore backed by the given connection pool.
func NewBondStore(pool *pgxpool.Pool) *BondStore {
	return &BondStore{pool: pool}
}

const bondSelectCols = `key, participant_low, participant_high, stake_low, stake_high,
	accrued_yield, created_at, last_yield_update_at, active, frozen`

func scanBondRow(row pgx.Row) (domain.Bond, error) {
	var b domain.Bond
	var key, low, high string

	err := row.Scan(
		&key, &low, &high,
		&b.StakeLow, &b.StakeHigh, &b.AccruedYield,
		&b.CreatedAt, &b.LastYieldUpdateAt,
		&b.Active, &b.Frozen,
	)
	if err != nil {
		return domain.Bond{}, err
	}
	b.Key = common.HexToHash(key)
	b.ParticipantLow = common.HexToAddress(low)
	b.ParticipantHigh = common.HexToAddress(high)
	return b, nil
}

func scanBondRows(rows pgx.Rows) ([]domain.Bond, error) {
	var bonds []domain.Bond
	for rows.Next() {
		b, err := scanBondRow(rows)
		if err != nil {
			return nil, err
		}
		bonds = append(bonds, b)
	}
	return bonds, rows.Err()
}

// Upsert writes the bond's full state, inserting or replacing by key.
func (s *BondStore) Upsert(ctx context.Context, b domain.Bond) error {
	const query = `
		INSERT INTO bonds (
			key, participant_low, participant_high, stake_low, stake_high,
			accrued_yield, created_at, last_yield_update_at, active, frozen, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, NOW()
		)
		ON CONFLICT (key) DO UPDATE SET
			participant_low      = EXCLUDED.participant_low,
			participant_high     = EXCLUDED.participant_high,
			stake_low            = EXCLUDED.stake_low,
			stake_high           = EXCLUDED.stake_high,
			accrued_yield        = EXCLUDED.accrued_yield,
			created_at           = EXCLUDED.created_at,
			last_yield_update_at = EXCLUDED.last_yield_update_at,
			active               = EXCLUDED.active,
			frozen               = EXCLUDED.frozen,
			updated_at           = NOW()`

	_, err := s.pool.Exec(ctx, query,
		b.Key.Hex(), b.ParticipantLow.Hex(), b.ParticipantHigh.Hex(),
		b.StakeLow, b.StakeHigh, b.AccruedYield,
		b.CreatedAt, b.LastYieldUpdateAt,
		b.Active, b.Frozen,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert bond %s: %w", b.Key.Hex(), err)
	}
	return nil
}

// GetByKey returns the bond stored under key, or domain.ErrNotFound.
func (s *BondStore) GetByKey(ctx context.Context, key common.Hash) (domain.Bond, error) {
	query := `SELECT ` + bondSelectCols + ` FROM bonds WHERE key = $1`

	b, err := scanBondRow(s.pool.QueryRow(ctx, query, key.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bond{}, domain.ErrNotFound
		}
		return domain.Bond{}, fmt.Errorf("postgres: get bond %s: %w", key.Hex(), err)
	}
	return b, nil
}

// ListByUser returns every bond in which the user holds a slot.
func (s *BondStore) ListByUser(ctx context.Context, user common.Address) ([]domain.Bond, error) {
	query := `SELECT ` + bondSelectCols + ` FROM bonds
		WHERE participant_low = $1 OR participant_high = $1
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, user.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list bonds for %s: %w", user.Hex(), err)
	}
	defer rows.Close()
	return scanBondRows(rows)
}

// ListAll returns every stored bond, for boot-time ledger recovery.
func (s *BondStore) ListAll(ctx context.Context) ([]domain.Bond, error) {
	query := `SELECT ` + bondSelectCols + ` FROM bonds ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bonds: %w", err)
	}
	defer rows.Close()
	return scanBondRows(rows)
}

// ListTerminatedBefore returns inactive, unfrozen bonds last touched strictly
// before the cutoff, for archival.
func (s *BondStore) ListTerminatedBefore(ctx context.Context, before time.Time) ([]domain.Bond, error) {
	query := `SELECT ` + bondSelectCols + ` FROM bonds
		WHERE active = FALSE AND frozen = FALSE AND updated_at < $1
		ORDER BY updated_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminated bonds: %w", err)
	}
	defer rows.Close()
	return scanBondRows(rows)
}

// Compile-time interface check.
var _ domain.BondStore = (*BondStore)(nil)
