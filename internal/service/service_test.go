package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/trustbond/internal/domain"
	"github.com/alanyoungcy/trustbond/internal/ledger"
	"github.com/alanyoungcy/trustbond/internal/lending"
	"github.com/alanyoungcy/trustbond/internal/scoring"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	ledgerID = common.HexToAddress("0x00000000000000000000000000000000000000EE")
	poolID   = common.HexToAddress("0x00000000000000000000000000000000000000FF")
	alice    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

// --- In-memory fakes ---

type memBalances struct {
	mu           sync.Mutex
	balances     map[common.Address]int64
	creditAllErr error // fails the whole batch, crediting nothing
}

func newMemBalances() *memBalances {
	return &memBalances{balances: make(map[common.Address]int64)}
}

func (m *memBalances) Credit(_ context.Context, addr common.Address, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] += amount
	return nil
}

func (m *memBalances) CreditAll(_ context.Context, credits []domain.Credit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creditAllErr != nil {
		return m.creditAllErr
	}
	for _, c := range credits {
		m.balances[c.To] += c.Amount
	}
	return nil
}

func (m *memBalances) Debit(_ context.Context, addr common.Address, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[addr] < amount {
		return domain.ErrInsufficientBalance
	}
	m.balances[addr] -= amount
	return nil
}

func (m *memBalances) Get(_ context.Context, addr common.Address) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr], nil
}

type memBondStore struct {
	mu    sync.Mutex
	bonds map[common.Hash]domain.Bond
}

func newMemBondStore() *memBondStore {
	return &memBondStore{bonds: make(map[common.Hash]domain.Bond)}
}

func (m *memBondStore) Upsert(_ context.Context, b domain.Bond) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bonds[b.Key] = b
	return nil
}

func (m *memBondStore) GetByKey(_ context.Context, key common.Hash) (domain.Bond, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bonds[key]
	if !ok {
		return domain.Bond{}, domain.ErrNotFound
	}
	return b, nil
}

func (m *memBondStore) ListByUser(_ context.Context, user common.Address) ([]domain.Bond, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Bond
	for _, b := range m.bonds {
		if b.IsParticipant(user) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memBondStore) ListAll(_ context.Context) ([]domain.Bond, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Bond, 0, len(m.bonds))
	for _, b := range m.bonds {
		out = append(out, b)
	}
	return out, nil
}

func (m *memBondStore) ListTerminatedBefore(context.Context, time.Time) ([]domain.Bond, error) {
	return nil, nil
}

type memAccountStore struct {
	mu    sync.Mutex
	accts map[common.Address]domain.UserAccount
}

func newMemAccountStore() *memAccountStore {
	return &memAccountStore{accts: make(map[common.Address]domain.UserAccount)}
}

func (m *memAccountStore) Upsert(_ context.Context, a domain.UserAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accts[a.Address] = a
	return nil
}

func (m *memAccountStore) Get(_ context.Context, addr common.Address) (domain.UserAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accts[addr]
	if !ok {
		return domain.UserAccount{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memAccountStore) ListAll(context.Context) ([]domain.UserAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(m.accts))
	for _, a := range m.accts {
		out = append(out, a)
	}
	return out, nil
}

type memProfileStore struct {
	mu       sync.Mutex
	profiles map[common.Address]domain.TrustProfile
}

func newMemProfileStore() *memProfileStore {
	return &memProfileStore{profiles: make(map[common.Address]domain.TrustProfile)}
}

func (m *memProfileStore) Upsert(_ context.Context, p domain.TrustProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.Address] = p
	return nil
}

func (m *memProfileStore) Get(_ context.Context, addr common.Address) (domain.TrustProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[addr]
	if !ok {
		return domain.TrustProfile{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memProfileStore) ListAll(context.Context) ([]domain.TrustProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TrustProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	return out, nil
}

type memLoanStore struct {
	mu        sync.Mutex
	loans     map[string]domain.Loan
	liquidity int64
}

func newMemLoanStore() *memLoanStore {
	return &memLoanStore{loans: make(map[string]domain.Loan)}
}

func (m *memLoanStore) Upsert(_ context.Context, l domain.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[l.ID] = l
	return nil
}

func (m *memLoanStore) GetByID(_ context.Context, id string) (domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return domain.Loan{}, domain.ErrNotFound
	}
	return l, nil
}

func (m *memLoanStore) ListByBorrower(_ context.Context, borrower common.Address) ([]domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Loan
	for _, l := range m.loans {
		if l.Borrower == borrower {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memLoanStore) ListAll(context.Context) ([]domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Loan, 0, len(m.loans))
	for _, l := range m.loans {
		out = append(out, l)
	}
	return out, nil
}

func (m *memLoanStore) ListSettledBefore(context.Context, time.Time) ([]domain.Loan, error) {
	return nil, nil
}

func (m *memLoanStore) SetLiquidity(_ context.Context, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liquidity = amount
	return nil
}

func (m *memLoanStore) GetLiquidity(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liquidity, nil
}

type memScoreCache struct {
	mu     sync.Mutex
	scores map[common.Address]float64
}

func newMemScoreCache() *memScoreCache {
	return &memScoreCache{scores: make(map[common.Address]float64)}
}

func (m *memScoreCache) SetScore(_ context.Context, addr common.Address, score float64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[addr] = score
	return nil
}

func (m *memScoreCache) GetScore(_ context.Context, addr common.Address) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.scores[addr]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return score, time.Now(), nil
}

func (m *memScoreCache) Invalidate(_ context.Context, addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scores, addr)
	return nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string]int
	streamed  int
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string]int)}
}

func (m *memBus) Publish(_ context.Context, channel string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel]++
	return nil
}

func (m *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (m *memBus) StreamAppend(_ context.Context, _ string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamed++
	return nil
}

func (m *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (m *memBus) publishedCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published[channel]
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) ListBefore(context.Context, time.Time) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) has(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e == event {
			return true
		}
	}
	return false
}

// poolCollateral narrows the ledger for the lending pool in tests.
type poolCollateral struct {
	ledger *ledger.Ledger
}

func (c poolCollateral) FreezeUser(caller, user common.Address, frozen bool) ([]common.Hash, error) {
	return c.ledger.FreezeUser(caller, user, frozen)
}

func (c poolCollateral) ClaimYield(ctx context.Context, caller, user common.Address) (int64, error) {
	claims, err := c.ledger.ClaimYield(ctx, caller, user)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, claim := range claims {
		total += claim.Yield
	}
	return total, nil
}

func (c poolCollateral) UserTotalValue(user common.Address) int64 {
	return c.ledger.UserTotalValue(user)
}

// --- Test environment ---

type testEnv struct {
	balances *memBalances
	bonds    *memBondStore
	accounts *memAccountStore
	profiles *memProfileStore
	loans    *memLoanStore
	cache    *memScoreCache
	bus      *memBus
	audit    *memAudit

	ledger *ledger.Ledger
	scorer *scoring.Scorer
	pool   *lending.Pool

	bondSvc *BondService
	loanSvc *LoanService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		balances: newMemBalances(),
		bonds:    newMemBondStore(),
		accounts: newMemAccountStore(),
		profiles: newMemProfileStore(),
		loans:    newMemLoanStore(),
		cache:    newMemScoreCache(),
		bus:      newMemBus(),
		audit:    &memAudit{},
	}

	payer := NewTreasuryPayer(env.balances, nil, env.audit, logger)
	env.ledger = ledger.New(ledger.DefaultConfig(), owner, ledgerID, payer)
	env.scorer = scoring.New(ledgerID, env.ledger)
	env.ledger.SetPenaltySink(env.scorer)
	env.pool = lending.New(lending.DefaultConfig(), owner, poolID,
		poolCollateral{env.ledger}, env.scorer, payer)
	if err := env.ledger.Authorize(owner, poolID, true); err != nil {
		t.Fatalf("authorize pool: %v", err)
	}

	env.bondSvc = NewBondService(env.ledger, env.scorer,
		env.balances, env.bonds, env.accounts, env.profiles,
		env.cache, env.bus, env.audit, nil, logger)
	env.loanSvc = NewLoanService(env.pool, env.ledger,
		env.loans, env.bonds, env.balances,
		env.cache, env.bus, env.audit, nil, logger)
	return env
}

func (env *testEnv) fund(t *testing.T, addr common.Address, amount int64) {
	t.Helper()
	if err := env.bondSvc.Deposit(context.Background(), addr, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (env *testEnv) balance(t *testing.T, addr common.Address) int64 {
	t.Helper()
	bal, err := env.balances.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

// activateBond funds both parties and brings a bond between them to active.
func (env *testEnv) activateBond(t *testing.T, a, b common.Address, stakeA, stakeB int64) domain.Bond {
	t.Helper()
	ctx := context.Background()
	env.fund(t, a, stakeA)
	env.fund(t, b, stakeB)
	if _, err := env.bondSvc.CreateBond(ctx, a, b, stakeA); err != nil {
		t.Fatalf("create bond: %v", err)
	}
	bond, err := env.bondSvc.AddStake(ctx, b, a, stakeB)
	if err != nil {
		t.Fatalf("add stake: %v", err)
	}
	return bond
}

// --- Bond service tests ---

func TestCreateBondCollectsStake(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, alice, 10_000_000)

	bond, err := env.bondSvc.CreateBond(ctx, alice, bob, 4_000_000)
	if err != nil {
		t.Fatalf("create bond: %v", err)
	}

	if got := env.balance(t, alice); got != 6_000_000 {
		t.Errorf("balance after create = %d, want 6000000", got)
	}
	if _, err := env.bonds.GetByKey(ctx, bond.Key); err != nil {
		t.Errorf("bond not persisted: %v", err)
	}
	if env.bus.publishedCount(domain.EventBondCreated) != 1 {
		t.Error("bond_created event not published")
	}
	if !env.audit.has("bond.created") {
		t.Error("bond.created audit entry missing")
	}
}

func TestCreateBondRefundsOnEngineError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, alice, 5_000_000)

	if _, err := env.bondSvc.CreateBond(ctx, alice, alice, 1_000_000); !errors.Is(err, domain.ErrSelfPartner) {
		t.Fatalf("err = %v, want ErrSelfPartner", err)
	}
	if got := env.balance(t, alice); got != 5_000_000 {
		t.Errorf("stake not refunded: balance = %d, want 5000000", got)
	}
}

func TestCreateBondRequiresFunds(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.bondSvc.CreateBond(context.Background(), alice, bob, 1_000_000)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestActivationPublishesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	bond := env.activateBond(t, alice, bob, 3_000_000, 2_000_000)

	if !bond.Active {
		t.Fatal("bond not active after both stakes")
	}
	if env.bus.publishedCount(domain.EventBondActive) != 1 {
		t.Error("bond_active event not published")
	}
	stored, err := env.bonds.GetByKey(context.Background(), bond.Key)
	if err != nil {
		t.Fatalf("bond not persisted: %v", err)
	}
	if !stored.Active || stored.TotalStake() != 5_000_000 {
		t.Errorf("persisted bond = %+v, want active with total 5000000", stored)
	}
}

func TestExitPaysOutAndInvalidatesScores(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activateBond(t, alice, bob, 3_000_000, 2_000_000)

	// Prime cached scores so invalidation is observable.
	env.cache.SetScore(ctx, alice, 42, time.Now())
	env.cache.SetScore(ctx, bob, 42, time.Now())

	settlement, err := env.bondSvc.Exit(ctx, alice, bob)
	if err != nil {
		t.Fatalf("exit: %v", err)
	}

	var paid int64
	for _, p := range settlement.Payouts {
		paid += p.Amount
	}
	if paid+settlement.Penalty != settlement.Total {
		t.Errorf("payouts %d + penalty %d != total %d", paid, settlement.Penalty, settlement.Total)
	}
	// Payouts land back on treasury balances.
	if got := env.balance(t, alice)+env.balance(t, bob); got != paid {
		t.Errorf("treasury balances = %d, want %d", got, paid)
	}

	for _, addr := range []common.Address{alice, bob} {
		if _, _, err := env.cache.GetScore(ctx, addr); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("score for %s not invalidated", addr.Hex())
		}
	}
	if env.bus.publishedCount(domain.EventBondExited) != 1 {
		t.Error("bond_exited event not published")
	}
	if env.bus.streamed == 0 {
		t.Error("settlement not appended to stream")
	}
	if !env.audit.has("bond.exit") {
		t.Error("bond.exit audit entry missing")
	}
}

func TestExitLeavesNoPartialPayoutOnCreditFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activateBond(t, alice, bob, 3_000_000, 2_000_000)

	env.balances.creditAllErr = errors.New("balances unavailable")
	if _, err := env.bondSvc.Exit(ctx, alice, bob); err == nil {
		t.Fatal("exit succeeded despite failed settlement credits")
	}

	// Nobody was paid and the bond is still live, so the exit can be retried
	// without double-crediting anyone.
	if got := env.balance(t, alice) + env.balance(t, bob); got != 0 {
		t.Fatalf("balances after aborted exit = %d, want 0", got)
	}
	bonds := env.ledger.ActiveBonds(alice)
	if len(bonds) != 1 || bonds[0].TotalStake() != 5_000_000 {
		t.Fatalf("bond not restored after aborted exit: %+v", bonds)
	}

	env.balances.creditAllErr = nil
	settlement, err := env.bondSvc.Exit(ctx, alice, bob)
	if err != nil {
		t.Fatalf("retry exit: %v", err)
	}
	var paid int64
	for _, p := range settlement.Payouts {
		paid += p.Amount
	}
	if got := env.balance(t, alice) + env.balance(t, bob); got != paid {
		t.Errorf("balances after retry = %d, want %d", got, paid)
	}
}

func TestScoreServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activateBond(t, alice, bob, 3_000_000, 2_000_000)

	env.cache.SetScore(ctx, alice, 123.45, time.Now())
	if got := env.bondSvc.Score(ctx, alice); got != 123.45 {
		t.Errorf("score = %v, want cached 123.45", got)
	}
}

func TestScoreComputedAndCachedOnMiss(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activateBond(t, alice, bob, 3_000_000, 2_000_000)

	score := env.bondSvc.Score(ctx, alice)
	if score <= 0 {
		t.Fatalf("score = %v, want > 0 with an active bond", score)
	}
	if cached, _, err := env.cache.GetScore(ctx, alice); err != nil || cached != score {
		t.Errorf("cache = %v (err %v), want %v", cached, err, score)
	}
	if _, err := env.profiles.Get(ctx, alice); err != nil {
		t.Errorf("profile not persisted: %v", err)
	}
}

// --- Loan service tests ---

func TestBorrowPersistsLoanAndLiquidity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activateBond(t, alice, bob, 10_000_000, 5_000_000)

	env.fund(t, owner, 50_000_000)
	if err := env.loanSvc.PoolDeposit(ctx, owner, 50_000_000); err != nil {
		t.Fatalf("pool deposit: %v", err)
	}

	loan, err := env.loanSvc.Borrow(ctx, alice, 1_000_000, 48*time.Hour)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := env.loans.GetByID(ctx, loan.ID); err != nil {
		t.Errorf("loan not persisted: %v", err)
	}
	if liq, _ := env.loans.GetLiquidity(ctx); liq != 49_000_000 {
		t.Errorf("persisted liquidity = %d, want 49000000", liq)
	}
	// Principal disbursed to the borrower's treasury balance.
	if got := env.balance(t, alice); got != 1_000_000 {
		t.Errorf("borrower balance = %d, want 1000000", got)
	}
	if env.bus.publishedCount(domain.EventLoanOpened) != 1 {
		t.Error("loan_opened event not published")
	}

	// Collateral frozen and written through.
	for _, b := range env.ledger.UserBonds(alice) {
		if !b.Frozen {
			t.Error("collateral bond not frozen after borrow")
		}
		stored, err := env.bonds.GetByKey(ctx, b.Key)
		if err != nil || !stored.Frozen {
			t.Error("frozen flag not persisted")
		}
	}
}

func TestRepayCollectsPaymentAndReleases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activateBond(t, alice, bob, 10_000_000, 5_000_000)

	env.fund(t, owner, 50_000_000)
	if err := env.loanSvc.PoolDeposit(ctx, owner, 50_000_000); err != nil {
		t.Fatalf("pool deposit: %v", err)
	}
	loan, err := env.loanSvc.Borrow(ctx, alice, 1_000_000, 48*time.Hour)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	env.fund(t, alice, 2_000_000)
	before := env.balance(t, alice)

	owed, refund, err := env.loanSvc.Repay(ctx, alice, loan.ID, 2_000_000)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if refund != 2_000_000-owed {
		t.Errorf("refund = %d, want %d", refund, 2_000_000-owed)
	}
	// Net balance change is exactly what was owed.
	if got := env.balance(t, alice); got != before-owed {
		t.Errorf("balance = %d, want %d", got, before-owed)
	}
	for _, b := range env.ledger.UserBonds(alice) {
		if b.Frozen {
			t.Error("collateral still frozen after repay")
		}
	}
	if env.bus.publishedCount(domain.EventLoanRepaid) != 1 {
		t.Error("loan_repaid event not published")
	}
}

func TestRepayRefundsPaymentOnEngineError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, alice, 3_000_000)

	_, _, err := env.loanSvc.Repay(ctx, alice, "missing-loan", 2_000_000)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := env.balance(t, alice); got != 3_000_000 {
		t.Errorf("payment not refunded: balance = %d, want 3000000", got)
	}
}

func TestPoolDepositRefundsOnUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, alice, 1_000_000)

	if err := env.loanSvc.PoolDeposit(ctx, alice, 1_000_000); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if got := env.balance(t, alice); got != 1_000_000 {
		t.Errorf("deposit not refunded: balance = %d, want 1000000", got)
	}
}

// --- Bootstrap round trip ---

func TestLoadStateRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bond := env.activateBond(t, alice, bob, 10_000_000, 5_000_000)
	env.fund(t, owner, 50_000_000)
	if err := env.loanSvc.PoolDeposit(ctx, owner, 50_000_000); err != nil {
		t.Fatalf("pool deposit: %v", err)
	}
	loan, err := env.loanSvc.Borrow(ctx, alice, 1_000_000, 48*time.Hour)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	env.bondSvc.Score(ctx, bob)

	// Fresh engines, same stores.
	payer := NewTreasuryPayer(env.balances, nil, env.audit, logger)
	l2 := ledger.New(ledger.DefaultConfig(), owner, ledgerID, payer)
	s2 := scoring.New(ledgerID, l2)
	l2.SetPenaltySink(s2)
	p2 := lending.New(lending.DefaultConfig(), owner, poolID, poolCollateral{l2}, s2, payer)

	if err := LoadState(ctx, l2, s2, p2, env.bonds, env.accounts, env.profiles, env.loans, logger); err != nil {
		t.Fatalf("load state: %v", err)
	}

	restored, err := l2.GetBond(bond.Key)
	if err != nil {
		t.Fatalf("bond missing after restore: %v", err)
	}
	if !restored.Active || !restored.Frozen {
		t.Errorf("restored bond = %+v, want active and frozen", restored)
	}
	if _, ok := p2.ActiveLoan(alice); !ok {
		t.Error("active loan missing after restore")
	}
	if p2.Liquidity() != 49_000_000 {
		t.Errorf("restored liquidity = %d, want 49000000", p2.Liquidity())
	}
	if _, err := s2.Profile(bob); err != nil {
		t.Errorf("profile missing after restore: %v", err)
	}
	_ = loan
}
