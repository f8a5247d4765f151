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

// TrustProfileStore implements domain.TrustProfileStore using PostgreSQL.
// A never-scored profile carries a NULL scored_at, mapped to the zero time.
type TrustProfileStore struct {
	pool *pgxpool.Pool
}

// NewTrustProfileStore creates a new TrustProfileStore backed by the given
// connection pool.
func NewTrustProfileStore(pool *pgxpool.Pool) *TrustProfileStore {
	return &TrustProfileStore{pool: pool}
}

// Upsert writes the profile's full state, inserting or replacing by address.
func (s *TrustProfileStore) Upsert(ctx context.Context, p domain.TrustProfile) error {
	var scoredAt *time.Time
	if !p.ScoredAt.IsZero() {
		scoredAt = &p.ScoredAt
	}

	const query = `
		INSERT INTO trust_profiles (
			address, exit_count, defect_count, penalty_offset, cached_score, scored_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (address) DO UPDATE SET
			exit_count     = EXCLUDED.exit_count,
			defect_count   = EXCLUDED.defect_count,
			penalty_offset = EXCLUDED.penalty_offset,
			cached_score   = EXCLUDED.cached_score,
			scored_at      = EXCLUDED.scored_at,
			updated_at     = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.Address.Hex(), p.ExitCount, p.DefectCount,
		p.PenaltyOffset, p.CachedScore, scoredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert trust profile %s: %w", p.Address.Hex(), err)
	}
	return nil
}

// Get returns the profile stored under addr, or domain.ErrNotFound.
func (s *TrustProfileStore) Get(ctx context.Context, addr common.Address) (domain.TrustProfile, error) {
	const query = `
		SELECT address, exit_count, defect_count, penalty_offset, cached_score, scored_at
		FROM trust_profiles WHERE address = $1`

	p, err := scanTrustProfileRow(s.pool.QueryRow(ctx, query, addr.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TrustProfile{}, domain.ErrNotFound
		}
		return domain.TrustProfile{}, fmt.Errorf("postgres: get trust profile %s: %w", addr.Hex(), err)
	}
	return p, nil
}

// ListAll returns every stored profile, for boot-time scorer recovery.
func (s *TrustProfileStore) ListAll(ctx context.Context) ([]domain.TrustProfile, error) {
	const query = `
		SELECT address, exit_count, defect_count, penalty_offset, cached_score, scored_at
		FROM trust_profiles ORDER BY address ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trust profiles: %w", err)
	}
	defer rows.Close()

	var profiles []domain.TrustProfile
	for rows.Next() {
		p, err := scanTrustProfileRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trust profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func scanTrustProfileRow(row pgx.Row) (domain.TrustProfile, error) {
	var p domain.TrustProfile
	var addr string
	var scoredAt *time.Time

	if err := row.Scan(&addr, &p.ExitCount, &p.DefectCount, &p.PenaltyOffset, &p.CachedScore, &scoredAt); err != nil {
		return domain.TrustProfile{}, err
	}
	p.Address = common.HexToAddress(addr)
	if scoredAt != nil {
		p.ScoredAt = *scoredAt
	}
	return p, nil
}

// Compile-time interface check.
var _ domain.TrustProfileStore = (*TrustProfileStore)(nil)
