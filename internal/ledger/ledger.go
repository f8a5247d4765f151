// Package ledger implements the bond ledger: pairwise stake-backed trust
// bonds with lazy yield accrual, cooperative exit, adversarial defect, and
// freeze/claim support for loan collateralization.
//
// The ledger is a serialized in-memory state machine. Every public operation
// runs to completion under a single mutex; an operation either fully commits
// or, when an outbound payout fails, restores the pre-operation state of
// every entity it touched.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/trustbond/internal/domain"
)

const (
	bpsDenominator = 10000
	daySeconds     = 86400
)

// Config holds the ledger's accrual and penalty parameters in basis points.
type Config struct {
	// DailyYieldBps is the daily yield rate applied to a bond's total stake.
	DailyYieldBps int64
	// ExitPenaltyBps is the base exit penalty rate; the effective rate is
	// ExitPenaltyBps*(1+priorExits).
	ExitPenaltyBps int64
	// DefectPenaltyBps is the base defect penalty rate; the effective rate
	// is DefectPenaltyBps*(1+priorDefects), capped at the bond's total value.
	DefectPenaltyBps int64
}

// DefaultConfig returns the canonical parameter set: 1%/day yield, 1% base
// exit penalty, 20% base defect penalty.
func DefaultConfig() Config {
	return Config{
		DailyYieldBps:    100,
		ExitPenaltyBps:   100,
		DefectPenaltyBps: 2000,
	}
}

// PenaltySink receives penalty applications triggered by bond terminations.
// The trust scorer implements it; calls carry the ledger's identity so the
// sink can reject any other origin.
type PenaltySink interface {
	ApplyExitPenalty(caller, user common.Address, bondScore float64, tvl int64) error
	ApplyDefectPenalty(caller, user common.Address, bondScore float64, tvl int64) error
}

// Payer credits settlement payouts. Implementations must be synchronous and
// must apply a batch atomically: either every credit in payouts lands or none
// does. A returned error aborts the ledger operation that issued the batch,
// so a settlement never persists a partial payout.
type Payer interface {
	PayAll(ctx context.Context, payouts []Payout, memo string) error
}

// NopPayer discards payments. Used in read-only deployments and tests that
// do not assert on payouts.
type NopPayer struct{}

func (NopPayer) PayAll(context.Context, []Payout, string) error { return nil }

// Payout is a single credit issued during settlement.
type Payout struct {
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
}

// Settlement summarizes a terminated bond: the payouts issued, the penalty
// retained, and the pre-termination total value. For every settlement,
// sum(payouts) + Penalty == Total.
type Settlement struct {
	BondKey common.Hash    `json:"bond_key"`
	Kind    string         `json:"kind"` // "exit" or "defect"
	Caller  common.Address `json:"caller"`
	Total   int64          `json:"total"`
	Penalty int64          `json:"penalty"`
	Payouts []Payout       `json:"payouts"`
}

// YieldClaim records the yield released from one frozen bond during
// claimYield.
type YieldClaim struct {
	BondKey common.Hash `json:"bond_key"`
	Yield   int64       `json:"yield"`
	Payouts []Payout    `json:"payouts"`
}

// Ledger owns all bond and user-account state. The owner may manage the
// authorization allow-list; allow-listed callers (the lending pool) may
// freeze bonds and claim yield.
type Ledger struct {
	mu sync.Mutex

	cfg        Config
	owner      common.Address
	identity   common.Address
	authorized map[common.Address]bool

	bonds    map[common.Hash]*domain.Bond
	accounts map[common.Address]*domain.UserAccount

	penalties      PenaltySink
	payer          Payer
	penaltyReserve int64

	now func() time.Time
}

// New creates a Ledger. identity is the address the ledger presents when
// calling the penalty sink; owner may manage the allow-list and bypasses it.
func New(cfg Config, owner, identity common.Address, payer Payer) *Ledger {
	if payer == nil {
		payer = NopPayer{}
	}
	return &Ledger{
		cfg:        cfg,
		owner:      owner,
		identity:   identity,
		authorized: make(map[common.Address]bool),
		bonds:      make(map[common.Hash]*domain.Bond),
		accounts:   make(map[common.Address]*domain.UserAccount),
		payer:      payer,
		now:        time.Now,
	}
}

// SetPenaltySink attaches the trust scorer. Must be called before any exit
// or defect when score penalties are to be applied; a nil sink disables them.
func (l *Ledger) SetPenaltySink(sink PenaltySink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalties = sink
}

// SetClock overrides the time source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Identity returns the address the ledger presents to the penalty sink.
func (l *Ledger) Identity() common.Address { return l.identity }

// Authorize adds or removes addr on the privileged-caller allow-list.
// Owner only.
func (l *Ledger) Authorize(caller, addr common.Address, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.owner {
		return domain.ErrUnauthorized
	}
	if addr == (common.Address{}) {
		return domain.ErrZeroAddress
	}
	if enabled {
		l.authorized[addr] = true
	} else {
		delete(l.authorized, addr)
	}
	return nil
}

// IsAuthorized reports whether addr may call freeze/claimYield.
func (l *Ledger) IsAuthorized(addr common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return addr == l.owner || l.authorized[addr]
}

// Restore replaces the ledger's state with the given bonds and accounts.
// Used at boot to reload persisted state; not safe to call concurrently with
// operations.
func (l *Ledger) Restore(bonds []domain.Bond, accounts []domain.UserAccount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bonds = make(map[common.Hash]*domain.Bond, len(bonds))
	for i := range bonds {
		b := bonds[i]
		l.bonds[b.Key] = &b
	}
	l.accounts = make(map[common.Address]*domain.UserAccount, len(accounts))
	for i := range accounts {
		a := accounts[i]
		l.accounts[a.Address] = &a
	}
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// CreateBond opens a pending bond between initiator and partner with the
// initiator's stake recorded under its canonical slot. The stake itself is
// collected by the caller (service layer) before this call.
func (l *Ledger) CreateBond(initiator, partner common.Address, stake int64) (domain.Bond, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if partner == (common.Address{}) {
		return domain.Bond{}, domain.ErrZeroAddress
	}
	if partner == initiator {
		return domain.Bond{}, domain.ErrSelfPartner
	}
	if stake <= 0 {
		return domain.Bond{}, domain.ErrInvalidAmount
	}

	key := BondKey(initiator, partner)
	if existing, ok := l.bonds[key]; ok {
		// A terminated bond leaves a fully zeroed slot behind; only then may
		// the pair open a fresh bond under the same key.
		if existing.Active || existing.StakeLow > 0 || existing.StakeHigh > 0 {
			return domain.Bond{}, domain.ErrBondExists
		}
	}

	now := l.now().UTC()
	low, high := SortPair(initiator, partner)
	bond := &domain.Bond{
		Key:             key,
		ParticipantLow:  low,
		ParticipantHigh: high,
		CreatedAt:       now,
	}
	if initiator == low {
		bond.StakeLow = stake
	} else {
		bond.StakeHigh = stake
	}
	l.bonds[key] = bond

	l.indexBond(initiator, key, now)
	l.indexBond(partner, key, now)

	return *bond, nil
}

// AddStake fills the caller's empty slot on a pending bond. When both slots
// are filled the bond becomes active and the yield clock starts.
func (l *Ledger) AddStake(caller, partner common.Address, amount int64) (domain.Bond, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount <= 0 {
		return domain.Bond{}, domain.ErrInvalidAmount
	}
	bond, ok := l.bonds[BondKey(caller, partner)]
	if !ok {
		return domain.Bond{}, domain.ErrNotFound
	}
	if bond.Active || !bond.Pending() {
		return domain.Bond{}, domain.ErrBondNotPending
	}
	if bond.StakeOf(caller) != 0 {
		return domain.Bond{}, domain.ErrSlotFilled
	}

	if caller == bond.ParticipantLow {
		bond.StakeLow = amount
	} else {
		bond.StakeHigh = amount
	}

	if bond.StakeLow > 0 && bond.StakeHigh > 0 {
		bond.Active = true
		bond.LastYieldUpdateAt = l.now().UTC()
	}
	return *bond, nil
}

// Exit terminates an active bond cooperatively. Yield is split proportionally
// to stake share; the caller bears an exit penalty that grows with its
// historical exit count. Payouts plus the retained penalty equal the bond's
// pre-exit total value.
func (l *Ledger) Exit(ctx context.Context, caller, partner common.Address) (Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bond, err := l.settleable(caller, partner)
	if err != nil {
		return Settlement{}, err
	}

	l.accrue(bond)

	total := bond.TotalValue()
	callerStake := bond.StakeOf(caller)
	partnerStake := bond.StakeOf(partner)
	callerYield := domain.MulDiv(bond.AccruedYield, callerStake, bond.TotalStake())
	partnerYield := bond.AccruedYield - callerYield

	acct := l.account(caller)
	penalty := l.exitPenalty(total, acct.ExitCount)
	callerGross := callerStake + callerYield
	if penalty > callerGross {
		penalty = callerGross
	}

	settlement := Settlement{
		BondKey: bond.Key,
		Kind:    "exit",
		Caller:  caller,
		Total:   total,
		Penalty: penalty,
		Payouts: []Payout{
			{To: caller, Amount: callerGross - penalty},
			{To: partner, Amount: partnerStake + partnerYield},
		},
	}

	bondScore, tvl := l.bondScore(bond), total

	// Stage: terminate the bond and bump the exit counter before paying out.
	snapBond, snapAcct := *bond, *acct
	snapReserve := l.penaltyReserve
	l.terminate(bond)
	acct.ExitCount++
	acct.UpdatedAt = l.now().UTC()
	l.penaltyReserve += penalty

	if l.penalties != nil {
		if err := l.penalties.ApplyExitPenalty(l.identity, caller, bondScore, tvl); err != nil {
			*bond, *acct = snapBond, snapAcct
			l.penaltyReserve = snapReserve
			return Settlement{}, fmt.Errorf("ledger: exit penalty: %w", err)
		}
	}

	if err := l.payAll(ctx, settlement.Payouts, "bond exit "+bond.Key.Hex()); err != nil {
		*bond, *acct = snapBond, snapAcct
		l.penaltyReserve = snapReserve
		return Settlement{}, err
	}
	return settlement, nil
}

// Defect terminates an active bond adversarially: the caller sweeps the full
// value minus a heavy penalty and the partner receives nothing.
func (l *Ledger) Defect(ctx context.Context, caller, partner common.Address) (Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bond, err := l.settleable(caller, partner)
	if err != nil {
		return Settlement{}, err
	}

	l.accrue(bond)

	total := bond.TotalValue()
	acct := l.account(caller)
	penalty := l.defectPenalty(total, acct.DefectCount)
	if penalty > total {
		penalty = total
	}

	settlement := Settlement{
		BondKey: bond.Key,
		Kind:    "defect",
		Caller:  caller,
		Total:   total,
		Penalty: penalty,
		Payouts: []Payout{
			{To: caller, Amount: total - penalty},
		},
	}

	bondScore, tvl := l.bondScore(bond), total

	snapBond, snapAcct := *bond, *acct
	snapReserve := l.penaltyReserve
	l.terminate(bond)
	acct.DefectCount++
	acct.UpdatedAt = l.now().UTC()
	l.penaltyReserve += penalty

	if l.penalties != nil {
		if err := l.penalties.ApplyDefectPenalty(l.identity, caller, bondScore, tvl); err != nil {
			*bond, *acct = snapBond, snapAcct
			l.penaltyReserve = snapReserve
			return Settlement{}, fmt.Errorf("ledger: defect penalty: %w", err)
		}
	}

	if err := l.payAll(ctx, settlement.Payouts, "bond defect "+bond.Key.Hex()); err != nil {
		*bond, *acct = snapBond, snapAcct
		l.penaltyReserve = snapReserve
		return Settlement{}, err
	}
	return settlement, nil
}

// FreezeUser toggles the frozen flag on every active bond belonging to user.
// Restricted to the owner and allow-listed callers. Yield is accrued before
// each flag change so frozen bonds carry up-to-date accruals.
func (l *Ledger) FreezeUser(caller, user common.Address, frozen bool) ([]common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner && !l.authorized[caller] {
		return nil, domain.ErrUnauthorized
	}

	var touched []common.Hash
	for _, key := range l.bondKeys(user) {
		bond := l.bonds[key]
		if bond == nil || !bond.Active || bond.Frozen == frozen {
			continue
		}
		l.accrue(bond)
		bond.Frozen = frozen
		touched = append(touched, key)
	}
	return touched, nil
}

// ClaimYield resets accrued yield on every active, frozen bond of user and
// pays it out to the bond's two participants proportionally to stake share.
// Restricted to the owner and allow-listed callers. Note that payouts go to
// the original participants, not to the claiming caller.
func (l *Ledger) ClaimYield(ctx context.Context, caller, user common.Address) ([]YieldClaim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner && !l.authorized[caller] {
		return nil, domain.ErrUnauthorized
	}

	type staged struct {
		bond *domain.Bond
		snap domain.Bond
	}
	var (
		claims  []YieldClaim
		changed []staged
	)
	for _, key := range l.bondKeys(user) {
		bond := l.bonds[key]
		if bond == nil || !bond.Active || !bond.Frozen {
			continue
		}
		l.accrue(bond)
		if bond.AccruedYield == 0 {
			continue
		}

		lowShare := domain.MulDiv(bond.AccruedYield, bond.StakeLow, bond.TotalStake())
		highShare := bond.AccruedYield - lowShare
		claims = append(claims, YieldClaim{
			BondKey: key,
			Yield:   bond.AccruedYield,
			Payouts: []Payout{
				{To: bond.ParticipantLow, Amount: lowShare},
				{To: bond.ParticipantHigh, Amount: highShare},
			},
		})

		changed = append(changed, staged{bond: bond, snap: *bond})
		bond.AccruedYield = 0
	}

	// All claims settle as one batch so a failure cannot leave some bonds
	// paid and others rolled back.
	var batch []Payout
	for _, c := range claims {
		batch = append(batch, c.Payouts...)
	}
	if err := l.payAll(ctx, batch, "yield claim "+user.Hex()); err != nil {
		for _, s := range changed {
			*s.bond = s.snap
		}
		return nil, err
	}
	return claims, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetBond returns the bond stored under key.
func (l *Ledger) GetBond(key common.Hash) (domain.Bond, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bond, ok := l.bonds[key]
	if !ok {
		return domain.Bond{}, domain.ErrNotFound
	}
	return *bond, nil
}

// AccountOf returns the ledger account for addr.
func (l *Ledger) AccountOf(addr common.Address) (domain.UserAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return domain.UserAccount{}, domain.ErrNotFound
	}
	out := *acct
	out.BondKeys = append([]common.Hash(nil), acct.BondKeys...)
	return out, nil
}

// UserBonds returns every bond user participates in, historical entries
// included. Callers filter on the Active flag.
func (l *Ledger) UserBonds(user common.Address) []domain.Bond {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := l.bondKeys(user)
	out := make([]domain.Bond, 0, len(keys))
	for _, key := range keys {
		if bond := l.bonds[key]; bond != nil {
			out = append(out, *bond)
		}
	}
	return out
}

// ActiveBonds returns the user's active bonds with yield accrued up to now
// (view only; stored state is not mutated).
func (l *Ledger) ActiveBonds(user common.Address) []domain.Bond {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	var out []domain.Bond
	for _, key := range l.bondKeys(user) {
		bond := l.bonds[key]
		if bond == nil || !bond.Active {
			continue
		}
		view := *bond
		view.AccruedYield += l.pendingYield(bond, now)
		view.LastYieldUpdateAt = now
		out = append(out, view)
	}
	return out
}

// UserTotalValue appraises user's collateral: the sum over active bonds of
// the user's stake plus half of the currently accruable yield.
func (l *Ledger) UserTotalValue(user common.Address) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	var total int64
	for _, key := range l.bondKeys(user) {
		bond := l.bonds[key]
		if bond == nil || !bond.Active {
			continue
		}
		yield := bond.AccruedYield + l.pendingYield(bond, now)
		total += bond.StakeOf(user) + yield/2
	}
	return total
}

// RawTrustScore computes the ledger's fallback reputation score, usable
// without the trust scorer: sum over active bonds of sqrt(ageDays+1)*tvl/100.
func (l *Ledger) RawTrustScore(user common.Address) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rawScoreLocked(user)
}

// PenaltyReserve returns the cumulative penalties retained by the ledger.
func (l *Ledger) PenaltyReserve() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.penaltyReserve
}

// AllBonds returns a copy of every bond slot, for persistence snapshots.
func (l *Ledger) AllBonds() []domain.Bond {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Bond, 0, len(l.bonds))
	for _, bond := range l.bonds {
		out = append(out, *bond)
	}
	return out
}

// AllAccounts returns a copy of every user account, for persistence snapshots.
func (l *Ledger) AllAccounts() []domain.UserAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(l.accounts))
	for _, acct := range l.accounts {
		a := *acct
		a.BondKeys = append([]common.Hash(nil), acct.BondKeys...)
		out = append(out, a)
	}
	return out
}

// ---------------------------------------------------------------------------
// Internals (callers hold l.mu)
// ---------------------------------------------------------------------------

func (l *Ledger) settleable(caller, partner common.Address) (*domain.Bond, error) {
	bond, ok := l.bonds[BondKey(caller, partner)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !bond.Active {
		return nil, domain.ErrBondNotActive
	}
	if bond.Frozen {
		return nil, domain.ErrBondFrozen
	}
	if !bond.IsParticipant(caller) {
		return nil, domain.ErrNotParticipant
	}
	return bond, nil
}

// accrue realizes linear yield earned since the last update:
// totalStake * dailyRateBps/10000 * elapsedSeconds/86400.
func (l *Ledger) accrue(bond *domain.Bond) {
	if !bond.Active {
		return
	}
	now := l.now().UTC()
	bond.AccruedYield += l.pendingYield(bond, now)
	bond.LastYieldUpdateAt = now
}

func (l *Ledger) pendingYield(bond *domain.Bond, now time.Time) int64 {
	if !bond.Active {
		return 0
	}
	elapsed := int64(now.Sub(bond.LastYieldUpdateAt).Seconds())
	if elapsed <= 0 {
		return 0
	}
	return domain.MulDiv(bond.TotalStake(), l.cfg.DailyYieldBps*elapsed, bpsDenominator*daySeconds)
}

func (l *Ledger) exitPenalty(total int64, priorExits int) int64 {
	return domain.MulDiv(total, l.cfg.ExitPenaltyBps*int64(1+priorExits), bpsDenominator)
}

func (l *Ledger) defectPenalty(total int64, priorDefects int) int64 {
	return domain.MulDiv(total, l.cfg.DefectPenaltyBps*int64(1+priorDefects), bpsDenominator)
}

// bondScore is the per-bond term of the raw score, reported to the penalty
// sink at termination.
func (l *Ledger) bondScore(bond *domain.Bond) float64 {
	ageDays := l.now().UTC().Sub(bond.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Sqrt(ageDays+1) * float64(bond.TotalValue()) / 100
}

// terminate zeroes a bond's slot. Termination is final; the cleared slot may
// be reused by a fresh bond between the same pair.
func (l *Ledger) terminate(bond *domain.Bond) {
	bond.Active = false
	bond.Frozen = false
	bond.StakeLow = 0
	bond.StakeHigh = 0
	bond.AccruedYield = 0
	bond.LastYieldUpdateAt = l.now().UTC()
}

func (l *Ledger) account(addr common.Address) *domain.UserAccount {
	acct, ok := l.accounts[addr]
	if !ok {
		now := l.now().UTC()
		acct = &domain.UserAccount{Address: addr, CreatedAt: now, UpdatedAt: now}
		l.accounts[addr] = acct
	}
	return acct
}

func (l *Ledger) indexBond(addr common.Address, key common.Hash, now time.Time) {
	acct := l.account(addr)
	for _, k := range acct.BondKeys {
		if k == key {
			return
		}
	}
	acct.BondKeys = append(acct.BondKeys, key)
	acct.UpdatedAt = now
}

func (l *Ledger) bondKeys(user common.Address) []common.Hash {
	acct, ok := l.accounts[user]
	if !ok {
		return nil
	}
	return acct.BondKeys
}

// payAll issues a settlement's credits as a single batch. The Payer applies
// the batch atomically, so a failure leaves no partial payout behind and the
// caller's snapshot rollback restores a fully unpaid state.
func (l *Ledger) payAll(ctx context.Context, payouts []Payout, memo string) error {
	batch := make([]Payout, 0, len(payouts))
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return nil
	}
	if err := l.payer.PayAll(ctx, batch, memo); err != nil {
		return fmt.Errorf("ledger: payout: %w", err)
	}
	return nil
}

func (l *Ledger) rawScoreLocked(user common.Address) float64 {
	now := l.now().UTC()
	var score float64
	for _, key := range l.bondKeys(user) {
		bond := l.bonds[key]
		if bond == nil || !bond.Active {
			continue
		}
		ageDays := now.Sub(bond.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		tvl := bond.TotalValue() + l.pendingYield(bond, now)
		score += math.Sqrt(ageDays+1) * float64(tvl) / 100
	}
	return score
}
