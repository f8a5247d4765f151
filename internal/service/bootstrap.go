package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/trustbond/internal/domain"
	"github.com/alanyoungcy/trustbond/internal/ledger"
	"github.com/alanyoungcy/trustbond/internal/lending"
	"github.com/alanyoungcy/trustbond/internal/scoring"
)

// LoadState rehydrates the in-memory engines from the stores at boot. The
// engines start empty; after LoadState they carry every bond, account,
// profile, and loan the stores hold, and the pool liquidity balance.
func LoadState(
	ctx context.Context,
	l *ledger.Ledger,
	scorer *scoring.Scorer,
	pool *lending.Pool,
	bonds domain.BondStore,
	accounts domain.AccountStore,
	profiles domain.TrustProfileStore,
	loans domain.LoanStore,
	logger *slog.Logger,
) error {
	allBonds, err := bonds.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: load bonds: %w", err)
	}
	allAccounts, err := accounts.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: load accounts: %w", err)
	}
	l.Restore(allBonds, allAccounts)

	allProfiles, err := profiles.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: load profiles: %w", err)
	}
	scorer.Restore(allProfiles)

	allLoans, err := loans.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: load loans: %w", err)
	}
	liquidity, err := loans.GetLiquidity(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: load liquidity: %w", err)
	}
	pool.Restore(allLoans, liquidity)

	logger.InfoContext(ctx, "state restored",
		slog.Int("bonds", len(allBonds)),
		slog.Int("accounts", len(allAccounts)),
		slog.Int("profiles", len(allProfiles)),
		slog.Int("loans", len(allLoans)),
		slog.Int64("liquidity", liquidity),
	)
	return nil
}
