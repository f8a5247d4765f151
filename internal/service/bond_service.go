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
	"github.com/alanyoungcy/trustbond/internal/scoring"
)

// settlementStream is the durable Redis stream carrying every settlement
// record (exits, defects, yield claims).
const settlementStream = "settlements"

// Alerter delivers operator alerts. Implemented by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// BondService fronts the bond ledger and trust scorer: it collects stakes
// from treasury balances, forwards operations to the engines, writes the
// resulting state through to Postgres, and publishes lifecycle events.
type BondService struct {
	ledger *ledger.Ledger
	scorer *scoring.Scorer

	balances   domain.BalanceStore
	bonds      domain.BondStore
	accounts   domain.AccountStore
	profiles   domain.TrustProfileStore
	scoreCache domain.ScoreCache
	bus        domain.EventBus
	audit      domain.AuditStore
	alerts     Alerter // optional
	logger     *slog.Logger
}

// NewBondService creates a BondService with all required dependencies.
// alerts may be nil.
func NewBondService(
	l *ledger.Ledger,
	scorer *scoring.Scorer,
	balances domain.BalanceStore,
	bonds domain.BondStore,
	accounts domain.AccountStore,
	profiles domain.TrustProfileStore,
	scoreCache domain.ScoreCache,
	bus domain.EventBus,
	audit domain.AuditStore,
	alerts Alerter,
	logger *slog.Logger,
) *BondService {
	return &BondService{
		ledger:     l,
		scorer:     scorer,
		balances:   balances,
		bonds:      bonds,
		accounts:   accounts,
		profiles:   profiles,
		scoreCache: scoreCache,
		bus:        bus,
		audit:      audit,
		alerts:     alerts,
		logger:     logger.With(slog.String("component", "bond_service")),
	}
}

// Deposit credits amount to addr's withdrawable treasury balance.
func (s *BondService) Deposit(ctx context.Context, addr common.Address, amount int64) error {
	if err := s.balances.Credit(ctx, addr, amount); err != nil {
		return fmt.Errorf("bond_service: deposit: %w", err)
	}
	s.auditLog(ctx, "treasury.deposit", map[string]any{"address": addr.Hex(), "amount": amount})
	return nil
}

// Withdraw debits amount from addr's treasury balance. The external transfer
// itself happens off-system; this releases the funds from custody.
func (s *BondService) Withdraw(ctx context.Context, addr common.Address, amount int64) error {
	if err := s.balances.Debit(ctx, addr, amount); err != nil {
		return fmt.Errorf("bond_service: withdraw: %w", err)
	}
	s.auditLog(ctx, "treasury.withdraw", map[string]any{"address": addr.Hex(), "amount": amount})
	return nil
}

// Balance returns addr's withdrawable treasury balance.
func (s *BondService) Balance(ctx context.Context, addr common.Address) (int64, error) {
	return s.balances.Get(ctx, addr)
}

// CreateBond collects the initiator's stake from its treasury balance and
// opens a pending bond toward partner.
func (s *BondService) CreateBond(ctx context.Context, initiator, partner common.Address, stake int64) (domain.Bond, error) {
	if err := s.balances.Debit(ctx, initiator, stake); err != nil {
		return domain.Bond{}, fmt.Errorf("bond_service: collect stake: %w", err)
	}

	bond, err := s.ledger.CreateBond(initiator, partner, stake)
	if err != nil {
		// Return the collected stake; the bond was never opened.
		if refundErr := s.balances.Credit(ctx, initiator, stake); refundErr != nil {
			s.logger.ErrorContext(ctx, "bond_service: stake refund failed",
				slog.String("initiator", initiator.Hex()),
				slog.Int64("amount", stake),
				slog.String("error", refundErr.Error()),
			)
		}
		return domain.Bond{}, err
	}

	s.persistBond(ctx, bond)
	s.persistAccounts(ctx, initiator, partner)

	s.publish(ctx, domain.EventBondCreated, map[string]any{
		"bond_key":  bond.Key.Hex(),
		"initiator": initiator.Hex(),
		"partner":   partner.Hex(),
		"stake":     stake,
	})
	s.auditLog(ctx, "bond.created", map[string]any{
		"bond_key":  bond.Key.Hex(),
		"initiator": initiator.Hex(),
		"partner":   partner.Hex(),
		"stake":     stake,
	})

	s.logger.InfoContext(ctx, "bond_service: bond created",
		slog.String("bond_key", bond.Key.Hex()),
		slog.Int64("stake", stake),
	)
	return bond, nil
}

// AddStake collects the caller's stake and fills its slot on the pending bond
// with partner. When both slots are filled the bond activates.
func (s *BondService) AddStake(ctx context.Context, caller, partner common.Address, amount int64) (domain.Bond, error) {
	if err := s.balances.Debit(ctx, caller, amount); err != nil {
		return domain.Bond{}, fmt.Errorf("bond_service: collect stake: %w", err)
	}

	bond, err := s.ledger.AddStake(caller, partner, amount)
	if err != nil {
		if refundErr := s.balances.Credit(ctx, caller, amount); refundErr != nil {
			s.logger.ErrorContext(ctx, "bond_service: stake refund failed",
				slog.String("caller", caller.Hex()),
				slog.Int64("amount", amount),
				slog.String("error", refundErr.Error()),
			)
		}
		return domain.Bond{}, err
	}

	s.persistBond(ctx, bond)
	s.persistAccounts(ctx, caller, partner)

	if bond.Active {
		s.publish(ctx, domain.EventBondActive, map[string]any{
			"bond_key": bond.Key.Hex(),
			"total":    bond.TotalStake(),
		})
	}
	s.auditLog(ctx, "bond.staked", map[string]any{
		"bond_key": bond.Key.Hex(),
		"caller":   caller.Hex(),
		"amount":   amount,
		"active":   bond.Active,
	})
	return bond, nil
}

// Exit terminates the caller's bond with partner cooperatively. Payouts land
// on treasury balances via the ledger's payer.
func (s *BondService) Exit(ctx context.Context, caller, partner common.Address) (ledger.Settlement, error) {
	settlement, err := s.ledger.Exit(ctx, caller, partner)
	if err != nil {
		return ledger.Settlement{}, err
	}
	s.afterSettlement(ctx, settlement, caller, partner)
	s.publish(ctx, domain.EventBondExited, map[string]any{
		"bond_key": settlement.BondKey.Hex(),
		"caller":   caller.Hex(),
		"total":    settlement.Total,
		"penalty":  settlement.Penalty,
	})
	return settlement, nil
}

// Defect terminates the caller's bond with partner adversarially and raises
// an operator alert.
func (s *BondService) Defect(ctx context.Context, caller, partner common.Address) (ledger.Settlement, error) {
	settlement, err := s.ledger.Defect(ctx, caller, partner)
	if err != nil {
		return ledger.Settlement{}, err
	}
	s.afterSettlement(ctx, settlement, caller, partner)
	s.publish(ctx, domain.EventBondDefected, map[string]any{
		"bond_key": settlement.BondKey.Hex(),
		"caller":   caller.Hex(),
		"total":    settlement.Total,
		"penalty":  settlement.Penalty,
	})

	if s.alerts != nil {
		msg := fmt.Sprintf("%s defected on bond %s: swept %d (penalty %d)",
			caller.Hex(), settlement.BondKey.Hex(), settlement.Total-settlement.Penalty, settlement.Penalty)
		if err := s.alerts.Notify(ctx, "bond.defected", "Bond defection", msg); err != nil {
			s.logger.WarnContext(ctx, "bond_service: defect alert failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return settlement, nil
}

// FreezeUser toggles the frozen flag on every active bond of user. Owner and
// allow-listed callers only.
func (s *BondService) FreezeUser(ctx context.Context, caller, user common.Address, frozen bool) ([]common.Hash, error) {
	touched, err := s.ledger.FreezeUser(caller, user, frozen)
	if err != nil {
		return nil, err
	}
	for _, key := range touched {
		if bond, err := s.ledger.GetBond(key); err == nil {
			s.persistBond(ctx, bond)
		}
	}
	if len(touched) > 0 {
		s.publish(ctx, domain.EventBondsFrozen, map[string]any{
			"user":   user.Hex(),
			"frozen": frozen,
			"count":  len(touched),
		})
	}
	s.auditLog(ctx, "bond.freeze", map[string]any{
		"caller": caller.Hex(),
		"user":   user.Hex(),
		"frozen": frozen,
		"count":  len(touched),
	})
	return touched, nil
}

// ClaimYield releases accrued yield on user's frozen bonds to the bond
// participants. Owner and allow-listed callers only.
func (s *BondService) ClaimYield(ctx context.Context, caller, user common.Address) ([]ledger.YieldClaim, error) {
	claims, err := s.ledger.ClaimYield(ctx, caller, user)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, c := range claims {
		total += c.Yield
		if bond, err := s.ledger.GetBond(c.BondKey); err == nil {
			s.persistBond(ctx, bond)
		}
		s.streamAppend(ctx, map[string]any{
			"kind":     "yield_claim",
			"bond_key": c.BondKey.Hex(),
			"yield":    c.Yield,
		})
	}
	if len(claims) > 0 {
		s.publish(ctx, domain.EventYieldClaimed, map[string]any{
			"user":  user.Hex(),
			"total": total,
			"bonds": len(claims),
		})
	}
	return claims, nil
}

// Score computes user's trust score, caches it, and persists the profile.
// Cached values younger than the cache TTL are served without recomputation.
func (s *BondService) Score(ctx context.Context, user common.Address) float64 {
	if cached, _, err := s.scoreCache.GetScore(ctx, user); err == nil {
		return cached
	}

	score := s.scorer.Score(user)
	if err := s.scoreCache.SetScore(ctx, user, score, time.Now().UTC()); err != nil {
		s.logger.WarnContext(ctx, "bond_service: score cache write failed",
			slog.String("user", user.Hex()),
			slog.String("error", err.Error()),
		)
	}
	if profile, err := s.scorer.Profile(user); err == nil {
		if err := s.profiles.Upsert(ctx, profile); err != nil {
			s.logger.WarnContext(ctx, "bond_service: profile persist failed",
				slog.String("user", user.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
	return score
}

// GetBond returns the bond stored under key.
func (s *BondService) GetBond(key common.Hash) (domain.Bond, error) {
	return s.ledger.GetBond(key)
}

// UserBonds returns every bond user participates in, historical included.
func (s *BondService) UserBonds(user common.Address) []domain.Bond {
	return s.ledger.UserBonds(user)
}

// ActiveBonds returns user's active bonds with yield accrued to now.
func (s *BondService) ActiveBonds(user common.Address) []domain.Bond {
	return s.ledger.ActiveBonds(user)
}

// Account returns user's ledger account.
func (s *BondService) Account(user common.Address) (domain.UserAccount, error) {
	return s.ledger.AccountOf(user)
}

// RawScore returns the ledger's count-and-age fallback score for user,
// bypassing the scorer and its cache.
func (s *BondService) RawScore(user common.Address) float64 {
	return s.ledger.RawTrustScore(user)
}

// UserTotalValue appraises user's total bond collateral value.
func (s *BondService) UserTotalValue(user common.Address) int64 {
	return s.ledger.UserTotalValue(user)
}

// PenaltyReserve returns the cumulative penalties retained by the ledger.
func (s *BondService) PenaltyReserve() int64 {
	return s.ledger.PenaltyReserve()
}

// afterSettlement writes through the state a termination touched and drops
// both parties' cached scores, which the settlement invalidated.
func (s *BondService) afterSettlement(ctx context.Context, settlement ledger.Settlement, caller, partner common.Address) {
	if bond, err := s.ledger.GetBond(settlement.BondKey); err == nil {
		s.persistBond(ctx, bond)
	}
	s.persistAccounts(ctx, caller, partner)
	for _, addr := range []common.Address{caller, partner} {
		if err := s.scoreCache.Invalidate(ctx, addr); err != nil {
			s.logger.WarnContext(ctx, "bond_service: score invalidation failed",
				slog.String("user", addr.Hex()),
				slog.String("error", err.Error()),
			)
		}
		if profile, err := s.scorer.Profile(addr); err == nil {
			if err := s.profiles.Upsert(ctx, profile); err != nil {
				s.logger.WarnContext(ctx, "bond_service: profile persist failed",
					slog.String("user", addr.Hex()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	s.streamAppend(ctx, map[string]any{
		"kind":     settlement.Kind,
		"bond_key": settlement.BondKey.Hex(),
		"caller":   settlement.Caller.Hex(),
		"total":    settlement.Total,
		"penalty":  settlement.Penalty,
	})
	s.auditLog(ctx, "bond."+settlement.Kind, map[string]any{
		"bond_key": settlement.BondKey.Hex(),
		"caller":   settlement.Caller.Hex(),
		"total":    settlement.Total,
		"penalty":  settlement.Penalty,
	})
}

// persistBond writes a bond through to the store. Failures are logged, not
// returned: the in-memory ledger stays authoritative and the row converges on
// the next write.
func (s *BondService) persistBond(ctx context.Context, bond domain.Bond) {
	if err := s.bonds.Upsert(ctx, bond); err != nil {
		s.logger.ErrorContext(ctx, "bond_service: bond persist failed",
			slog.String("bond_key", bond.Key.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *BondService) persistAccounts(ctx context.Context, addrs ...common.Address) {
	for _, addr := range addrs {
		acct, err := s.ledger.AccountOf(addr)
		if err != nil {
			continue
		}
		if err := s.accounts.Upsert(ctx, acct); err != nil {
			s.logger.ErrorContext(ctx, "bond_service: account persist failed",
				slog.String("address", addr.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *BondService) publish(ctx context.Context, channel string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "bond_service: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *BondService) streamAppend(ctx context.Context, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := s.bus.StreamAppend(ctx, settlementStream, data); err != nil {
		s.logger.WarnContext(ctx, "bond_service: stream append failed",
			slog.String("error", err.Error()),
		)
	}
}

func (s *BondService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "bond_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
