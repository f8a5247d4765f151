package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/trustbond/internal/domain"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000Aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bB")
	addrC = common.HexToAddress("0x00000000000000000000000000000000000000Cc")
	owner = common.HexToAddress("0x0000000000000000000000000000000000000FfF")
	poolA = common.HexToAddress("0x0000000000000000000000000000000000000EeE")
)

// fakePayer records payments. Batches land in full or not at all: when the
// cumulative payment count reaches failAt, the whole batch is rejected and
// nothing in it is recorded.
type fakePayer struct {
	paid   map[common.Address]int64
	calls  int
	failAt int // 1-based payment index that fails; 0 never fails
}

func newFakePayer() *fakePayer {
	return &fakePayer{paid: make(map[common.Address]int64)}
}

func (f *fakePayer) PayAll(_ context.Context, payouts []Payout, _ string) error {
	for range payouts {
		f.calls++
		if f.failAt > 0 && f.calls == f.failAt {
			return errors.New("transfer rejected")
		}
	}
	for _, p := range payouts {
		f.paid[p.To] += p.Amount
	}
	return nil
}

func (f *fakePayer) totalPaid() int64 {
	var total int64
	for _, amount := range f.paid {
		total += amount
	}
	return total
}

type fakeSink struct {
	exitCalls   int
	defectCalls int
	lastTVL     int64
}

func (f *fakeSink) ApplyExitPenalty(_, _ common.Address, _ float64, tvl int64) error {
	f.exitCalls++
	f.lastTVL = tvl
	return nil
}

func (f *fakeSink) ApplyDefectPenalty(_, _ common.Address, _ float64, tvl int64) error {
	f.defectCalls++
	f.lastTVL = tvl
	return nil
}

// testLedger returns a ledger with a controllable clock starting at a fixed
// instant.
func testLedger(t *testing.T, payer Payer) (*Ledger, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(DefaultConfig(), owner, common.HexToAddress("0x1111"), payer)
	l.SetClock(func() time.Time { return now })
	return l, &now
}

// activateBond creates and fully stakes a bond between a and b.
func activateBond(t *testing.T, l *Ledger, a, b common.Address, stakeA, stakeB int64) {
	t.Helper()
	if _, err := l.CreateBond(a, b, stakeA); err != nil {
		t.Fatalf("CreateBond: %v", err)
	}
	bond, err := l.AddStake(b, a, stakeB)
	if err != nil {
		t.Fatalf("AddStake: %v", err)
	}
	if !bond.Active {
		t.Fatalf("bond not active after both stakes")
	}
}

func TestBondKeySymmetry(t *testing.T) {
	pairs := [][2]common.Address{
		{addrA, addrB},
		{addrB, addrC},
		{addrA, addrC},
		{owner, poolA},
	}
	for _, p := range pairs {
		if BondKey(p[0], p[1]) != BondKey(p[1], p[0]) {
			t.Errorf("key(%s,%s) != key(%s,%s)", p[0].Hex(), p[1].Hex(), p[1].Hex(), p[0].Hex())
		}
	}
	if BondKey(addrA, addrB) == BondKey(addrA, addrC) {
		t.Error("distinct pairs produced the same key")
	}
}

func TestCreateBondValidation(t *testing.T) {
	l, _ := testLedger(t, newFakePayer())

	if _, err := l.CreateBond(addrA, addrA, 100); !errors.Is(err, domain.ErrSelfPartner) {
		t.Errorf("self partner: got %v", err)
	}
	if _, err := l.CreateBond(addrA, common.Address{}, 100); !errors.Is(err, domain.ErrZeroAddress) {
		t.Errorf("zero partner: got %v", err)
	}
	if _, err := l.CreateBond(addrA, addrB, 0); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("zero stake: got %v", err)
	}

	if _, err := l.CreateBond(addrA, addrB, 100); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Duplicate, from either direction.
	if _, err := l.CreateBond(addrA, addrB, 100); !errors.Is(err, domain.ErrBondExists) {
		t.Errorf("duplicate: got %v", err)
	}
	if _, err := l.CreateBond(addrB, addrA, 100); !errors.Is(err, domain.ErrBondExists) {
		t.Errorf("duplicate reversed: got %v", err)
	}
}

func TestActivationRequiresBothStakes(t *testing.T) {
	l, _ := testLedger(t, newFakePayer())

	bond, err := l.CreateBond(addrA, addrB, 1000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bond.Active {
		t.Error("bond active with one slot filled")
	}
	if !bond.Pending() {
		t.Error("bond not pending after create")
	}

	// The initiator cannot fill the partner's slot.
	if _, err := l.AddStake(addrA, addrB, 500); !errors.Is(err, domain.ErrSlotFilled) {
		t.Errorf("refill own slot: got %v", err)
	}

	bond, err = l.AddStake(addrB, addrA, 500)
	if err != nil {
		t.Fatalf("add stake: %v", err)
	}
	if !bond.Active {
		t.Error("bond not active after second stake")
	}
	if bond.StakeLow == 0 || bond.StakeHigh == 0 {
		t.Error("active bond has an empty slot")
	}

	// Second add on an active bond is rejected.
	if _, err := l.AddStake(addrB, addrA, 500); !errors.Is(err, domain.ErrBondNotPending) {
		t.Errorf("stake on active bond: got %v", err)
	}
}

func TestYieldAccrualWorkedScenario(t *testing.T) {
	// stakeA = 10, stakeB = 5 (in millionths), 1%/day, 30 days elapsed:
	// accrued = 0.01 * 15 * 30 = 4.5.
	payer := newFakePayer()
	l, now := testLedger(t, payer)
	activateBond(t, l, addrA, addrB, 10_000_000, 5_000_000)

	*now = now.Add(30 * 24 * time.Hour)

	settlement, err := l.Exit(context.Background(), addrA, addrB)
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if settlement.Total != 19_500_000 {
		t.Fatalf("total = %d, want 19500000", settlement.Total)
	}

	// Conservation: payouts plus retained penalty equal the pre-exit total.
	var paidOut int64
	for _, p := range settlement.Payouts {
		paidOut += p.Amount
	}
	if paidOut+settlement.Penalty != settlement.Total {
		t.Errorf("conservation violated: paid %d + penalty %d != total %d",
			paidOut, settlement.Penalty, settlement.Total)
	}
	if l.PenaltyReserve() != settlement.Penalty {
		t.Errorf("penalty reserve = %d, want %d", l.PenaltyReserve(), settlement.Penalty)
	}

	// A's yield share: 4.5 * 10/15 = 3.0; B's: 1.5.
	wantB := int64(5_000_000 + 1_500_000)
	if payer.paid[addrB] != wantB {
		t.Errorf("partner payout = %d, want %d", payer.paid[addrB], wantB)
	}
	wantAGross := int64(10_000_000 + 3_000_000)
	if payer.paid[addrA] != wantAGross-settlement.Penalty {
		t.Errorf("caller payout = %d, want %d", payer.paid[addrA], wantAGross-settlement.Penalty)
	}

	// Bond slot is zeroed and inactive.
	bond, err := l.GetBond(settlement.BondKey)
	if err != nil {
		t.Fatalf("get bond: %v", err)
	}
	if bond.Active || bond.Frozen || bond.TotalValue() != 0 {
		t.Errorf("bond not zeroed after exit: %+v", bond)
	}
}

func TestYieldMonotonicBetweenObservations(t *testing.T) {
	l, now := testLedger(t, newFakePayer())
	activateBond(t, l, addrA, addrB, 1_000_000, 1_000_000)

	var last int64 = -1
	for i := 0; i < 5; i++ {
		*now = now.Add(6 * time.Hour)
		bonds := l.ActiveBonds(addrA)
		if len(bonds) != 1 {
			t.Fatalf("active bonds = %d, want 1", len(bonds))
		}
		if bonds[0].AccruedYield < last {
			t.Fatalf("yield decreased: %d -> %d", last, bonds[0].AccruedYield)
		}
		last = bonds[0].AccruedYield
	}
	if last == 0 {
		t.Error("no yield accrued after 30 hours")
	}
}

func TestDefectWorkedScenario(t *testing.T) {
	// Same bond as the exit scenario; defector A at day 30 receives
	// total - defectPenalty and B receives nothing.
	payer := newFakePayer()
	l, now := testLedger(t, payer)
	sink := &fakeSink{}
	l.SetPenaltySink(sink)
	activateBond(t, l, addrA, addrB, 10_000_000, 5_000_000)

	*now = now.Add(30 * 24 * time.Hour)

	settlement, err := l.Defect(context.Background(), addrA, addrB)
	if err != nil {
		t.Fatalf("defect: %v", err)
	}
	if settlement.Total != 19_500_000 {
		t.Fatalf("total = %d, want 19500000", settlement.Total)
	}
	// First defect: 20% of total.
	if want := int64(3_900_000); settlement.Penalty != want {
		t.Errorf("penalty = %d, want %d", settlement.Penalty, want)
	}
	if payer.paid[addrA] != settlement.Total-settlement.Penalty {
		t.Errorf("defector payout = %d, want %d", payer.paid[addrA], settlement.Total-settlement.Penalty)
	}
	if payer.paid[addrB] != 0 {
		t.Errorf("partner received %d, want 0", payer.paid[addrB])
	}
	if sink.defectCalls != 1 || sink.lastTVL != 19_500_000 {
		t.Errorf("penalty sink: calls=%d tvl=%d", sink.defectCalls, sink.lastTVL)
	}
}

func TestPenaltiesEscalateWithRepetition(t *testing.T) {
	payer := newFakePayer()
	l, now := testLedger(t, payer)

	// First exit.
	activateBond(t, l, addrA, addrB, 1_000_000, 1_000_000)
	*now = now.Add(24 * time.Hour)
	first, err := l.Exit(context.Background(), addrA, addrB)
	if err != nil {
		t.Fatalf("first exit: %v", err)
	}

	// Second exit on a fresh bond of identical shape.
	activateBond(t, l, addrA, addrB, 1_000_000, 1_000_000)
	*now = now.Add(24 * time.Hour)
	second, err := l.Exit(context.Background(), addrA, addrB)
	if err != nil {
		t.Fatalf("second exit: %v", err)
	}

	if second.Penalty <= first.Penalty {
		t.Errorf("exit penalty did not escalate: first=%d second=%d", first.Penalty, second.Penalty)
	}
}

func TestFrozenBondRejectsSettlement(t *testing.T) {
	l, _ := testLedger(t, newFakePayer())
	activateBond(t, l, addrA, addrB, 1000, 1000)

	if err := l.Authorize(owner, poolA, true); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := l.FreezeUser(poolA, addrA, true); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	if _, err := l.Exit(context.Background(), addrA, addrB); !errors.Is(err, domain.ErrBondFrozen) {
		t.Errorf("exit on frozen bond: got %v", err)
	}
	if _, err := l.Defect(context.Background(), addrB, addrA); !errors.Is(err, domain.ErrBondFrozen) {
		t.Errorf("defect on frozen bond: got %v", err)
	}

	// Unfreeze and the bond accepts settlement again.
	if _, err := l.FreezeUser(poolA, addrA, false); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if _, err := l.Exit(context.Background(), addrA, addrB); err != nil {
		t.Errorf("exit after unfreeze: %v", err)
	}
}

func TestFreezeRequiresAuthorization(t *testing.T) {
	l, _ := testLedger(t, newFakePayer())
	activateBond(t, l, addrA, addrB, 1000, 1000)

	if _, err := l.FreezeUser(addrC, addrA, true); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("unauthorized freeze: got %v", err)
	}
	if _, err := l.ClaimYield(context.Background(), addrC, addrA); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("unauthorized claim: got %v", err)
	}
	// Owner bypasses the allow-list.
	if _, err := l.FreezeUser(owner, addrA, true); err != nil {
		t.Errorf("owner freeze: %v", err)
	}
}

func TestClaimYieldPaysParticipants(t *testing.T) {
	payer := newFakePayer()
	l, now := testLedger(t, payer)
	activateBond(t, l, addrA, addrB, 10_000_000, 5_000_000)

	*now = now.Add(30 * 24 * time.Hour)
	if _, err := l.FreezeUser(owner, addrA, true); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	claims, err := l.ClaimYield(context.Background(), owner, addrA)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("claims = %d, want 1", len(claims))
	}
	if claims[0].Yield != 4_500_000 {
		t.Errorf("claimed yield = %d, want 4500000", claims[0].Yield)
	}
	// Yield goes to the original participants, stake-proportionally.
	if payer.paid[addrA] != 3_000_000 || payer.paid[addrB] != 1_500_000 {
		t.Errorf("payouts = A:%d B:%d, want A:3000000 B:1500000", payer.paid[addrA], payer.paid[addrB])
	}

	// Accrued yield is reset; an immediate second claim yields nothing.
	claims, err = l.ClaimYield(context.Background(), owner, addrA)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(claims) != 0 {
		t.Errorf("second claim returned %d entries, want 0", len(claims))
	}
}

func TestFailedPayoutAbortsExit(t *testing.T) {
	payer := newFakePayer()
	payer.failAt = 1
	l, now := testLedger(t, payer)
	activateBond(t, l, addrA, addrB, 1_000_000, 1_000_000)
	*now = now.Add(24 * time.Hour)

	if _, err := l.Exit(context.Background(), addrA, addrB); err == nil {
		t.Fatal("exit succeeded despite failed payout")
	}

	// State is fully restored: bond still active, counters unchanged.
	bond, err := l.GetBond(BondKey(addrA, addrB))
	if err != nil {
		t.Fatalf("get bond: %v", err)
	}
	if !bond.Active {
		t.Error("bond deactivated despite aborted exit")
	}
	acct, err := l.AccountOf(addrA)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.ExitCount != 0 {
		t.Errorf("exit count = %d, want 0", acct.ExitCount)
	}
	if l.PenaltyReserve() != 0 {
		t.Errorf("penalty reserve = %d, want 0", l.PenaltyReserve())
	}

	// The operation can be resubmitted once transfers succeed.
	payer.failAt = 0
	if _, err := l.Exit(context.Background(), addrA, addrB); err != nil {
		t.Errorf("retry exit: %v", err)
	}
}

func TestPartnerPayoutFailureLeavesNothingPaid(t *testing.T) {
	// The caller's credit precedes the partner's in the settlement batch;
	// a failure on the second must not let the first stand.
	payer := newFakePayer()
	payer.failAt = 2
	l, now := testLedger(t, payer)
	activateBond(t, l, addrA, addrB, 1_000_000, 1_000_000)
	*now = now.Add(24 * time.Hour)

	if _, err := l.Exit(context.Background(), addrA, addrB); err == nil {
		t.Fatal("exit succeeded despite failed partner payout")
	}
	if payer.totalPaid() != 0 {
		t.Fatalf("partial payout persisted: paid A=%d B=%d",
			payer.paid[addrA], payer.paid[addrB])
	}

	bond, err := l.GetBond(BondKey(addrA, addrB))
	if err != nil {
		t.Fatalf("get bond: %v", err)
	}
	if !bond.Active || bond.StakeOf(addrA) != 1_000_000 || bond.StakeOf(addrB) != 1_000_000 {
		t.Fatalf("bond not restored: %+v", bond)
	}
	if l.PenaltyReserve() != 0 {
		t.Errorf("penalty reserve = %d, want 0", l.PenaltyReserve())
	}

	// A retry settles exactly once: paid plus penalty equals the total.
	payer.failAt = 0
	settlement, err := l.Exit(context.Background(), addrA, addrB)
	if err != nil {
		t.Fatalf("retry exit: %v", err)
	}
	if payer.totalPaid()+settlement.Penalty != settlement.Total {
		t.Errorf("conservation violated after retry: paid %d + penalty %d != total %d",
			payer.totalPaid(), settlement.Penalty, settlement.Total)
	}
}

func TestClaimYieldPayoutFailureRestoresAllBonds(t *testing.T) {
	// Two frozen bonds settle in one claim; failing a payment in the second
	// bond's share must leave the first bond's yield unclaimed as well.
	payer := newFakePayer()
	l, now := testLedger(t, payer)
	activateBond(t, l, addrA, addrB, 10_000_000, 5_000_000)
	activateBond(t, l, addrA, addrC, 2_000_000, 2_000_000)

	*now = now.Add(30 * 24 * time.Hour)
	if _, err := l.FreezeUser(owner, addrA, true); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	payer.failAt = 3
	if _, err := l.ClaimYield(context.Background(), owner, addrA); err == nil {
		t.Fatal("claim succeeded despite failed payout")
	}
	if payer.totalPaid() != 0 {
		t.Fatalf("partial yield payout persisted: %v", payer.paid)
	}

	// Both bonds kept their accrued yield; the retried claim pays it in full.
	payer.failAt = 0
	claims, err := l.ClaimYield(context.Background(), owner, addrA)
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("claims = %d, want 2", len(claims))
	}
	var claimed int64
	for _, c := range claims {
		claimed += c.Yield
	}
	if payer.totalPaid() != claimed {
		t.Errorf("paid %d, want claimed yield %d", payer.totalPaid(), claimed)
	}
}

func TestRecreateBondAfterTermination(t *testing.T) {
	l, now := testLedger(t, newFakePayer())
	activateBond(t, l, addrA, addrB, 1000, 1000)
	*now = now.Add(time.Hour)

	if _, err := l.Defect(context.Background(), addrA, addrB); err != nil {
		t.Fatalf("defect: %v", err)
	}

	// The cleared slot accepts a fresh bond under the same key.
	if _, err := l.CreateBond(addrB, addrA, 2000); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	bond, err := l.GetBond(BondKey(addrA, addrB))
	if err != nil {
		t.Fatalf("get bond: %v", err)
	}
	if bond.StakeOf(addrB) != 2000 {
		t.Errorf("fresh bond stake = %d, want 2000", bond.StakeOf(addrB))
	}
}

func TestUserTotalValue(t *testing.T) {
	l, now := testLedger(t, newFakePayer())
	activateBond(t, l, addrA, addrB, 10_000_000, 5_000_000)

	*now = now.Add(30 * 24 * time.Hour)

	// A's stake plus half of the accruable yield: 10 + 4.5/2 = 12.25.
	if got, want := l.UserTotalValue(addrA), int64(12_250_000); got != want {
		t.Errorf("total value A = %d, want %d", got, want)
	}
	if got, want := l.UserTotalValue(addrB), int64(7_250_000); got != want {
		t.Errorf("total value B = %d, want %d", got, want)
	}
	if l.UserTotalValue(addrC) != 0 {
		t.Error("stranger has nonzero total value")
	}
}

func TestRawTrustScore(t *testing.T) {
	l, now := testLedger(t, newFakePayer())
	if l.RawTrustScore(addrA) != 0 {
		t.Error("raw score nonzero with no bonds")
	}
	activateBond(t, l, addrA, addrB, 10_000_000, 5_000_000)

	day0 := l.RawTrustScore(addrA)
	if day0 <= 0 {
		t.Fatalf("raw score = %f, want > 0", day0)
	}
	*now = now.Add(30 * 24 * time.Hour)
	day30 := l.RawTrustScore(addrA)
	if day30 <= day0 {
		t.Errorf("raw score did not grow with age: %f -> %f", day0, day30)
	}
}
