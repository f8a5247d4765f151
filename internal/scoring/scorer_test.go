package scoring

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/trustbond/internal/domain"
)

var (
	ledgerID = common.HexToAddress("0x0000000000000000000000000000000000001111")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000Aa")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000bB")
	carol    = common.HexToAddress("0x00000000000000000000000000000000000000Cc")
)

// fakeBonds serves a fixed set of active bonds per user.
type fakeBonds struct {
	bonds map[common.Address][]domain.Bond
	raw   map[common.Address]float64
}

func (f *fakeBonds) ActiveBonds(user common.Address) []domain.Bond {
	return f.bonds[user]
}

func (f *fakeBonds) RawTrustScore(user common.Address) float64 {
	return f.raw[user]
}

func pairBond(a, b common.Address, stakeA, stakeB int64, createdAt time.Time) domain.Bond {
	low, high := a, b
	sl, sh := stakeA, stakeB
	if high.Cmp(low) < 0 {
		low, high = high, low
		sl, sh = sh, sl
	}
	return domain.Bond{
		ParticipantLow:  low,
		ParticipantHigh: high,
		StakeLow:        sl,
		StakeHigh:       sh,
		CreatedAt:       createdAt,
		Active:          true,
	}
}

func testScorer(bonds *fakeBonds) (*Scorer, time.Time) {
	now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	s := New(ledgerID, bonds)
	s.SetClock(func() time.Time { return now })
	return s, now
}

func TestScoreZeroWithoutBonds(t *testing.T) {
	s, _ := testScorer(&fakeBonds{bonds: map[common.Address][]domain.Bond{}})
	if got := s.Score(alice); got != 0 {
		t.Errorf("score = %f, want 0", got)
	}
}

func TestScoreRewardsSizeAgeAndCount(t *testing.T) {
	now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	small := pairBond(alice, bob, 1_000, 1_000, now.Add(-24*time.Hour))
	large := pairBond(alice, bob, 1_000_000, 1_000_000, now.Add(-24*time.Hour))
	old := pairBond(alice, bob, 1_000, 1_000, now.Add(-30*24*time.Hour))

	score := func(bonds ...domain.Bond) float64 {
		s, _ := testScorer(&fakeBonds{
			bonds: map[common.Address][]domain.Bond{alice: bonds},
			raw:   map[common.Address]float64{},
		})
		return s.Score(alice)
	}

	if score(large) <= score(small) {
		t.Error("larger bond did not raise the score")
	}
	if score(old) <= score(small) {
		t.Error("older bond did not raise the score")
	}
	// The sqrt(count) multiplier makes two bonds worth more than double one.
	if score(small, small) <= 2*score(small) {
		t.Error("bond count multiplier missing")
	}
}

func TestScoreUsesPartnerReputation(t *testing.T) {
	now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	bond := pairBond(alice, bob, 1_000, 1_000, now.Add(-24*time.Hour))

	lowRep, _ := testScorer(&fakeBonds{
		bonds: map[common.Address][]domain.Bond{alice: {bond}},
		raw:   map[common.Address]float64{bob: 0},
	})
	highRep, _ := testScorer(&fakeBonds{
		bonds: map[common.Address][]domain.Bond{alice: {bond}},
		raw:   map[common.Address]float64{bob: 500},
	})

	if highRep.Score(alice) <= lowRep.Score(alice) {
		t.Error("partner reputation did not raise the score")
	}
}

func TestPenaltyApplicationRequiresLedgerIdentity(t *testing.T) {
	s, _ := testScorer(&fakeBonds{bonds: map[common.Address][]domain.Bond{}})

	if err := s.ApplyDefectPenalty(carol, alice, 10, 1000); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("defect penalty from stranger: got %v", err)
	}
	if err := s.ApplyExitPenalty(carol, alice, 10, 1000); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("exit penalty from stranger: got %v", err)
	}
	if _, err := s.Profile(alice); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("profile created by rejected penalty: %v", err)
	}

	if err := s.ApplyDefectPenalty(ledgerID, alice, 10, 1000); err != nil {
		t.Errorf("defect penalty from ledger: %v", err)
	}
}

func TestPenaltyOffsetsAreMonotone(t *testing.T) {
	s, _ := testScorer(&fakeBonds{bonds: map[common.Address][]domain.Bond{}})

	var last float64
	for i := 0; i < 3; i++ {
		if err := s.ApplyExitPenalty(ledgerID, alice, 5, 1000); err != nil {
			t.Fatalf("exit penalty: %v", err)
		}
		p, err := s.Profile(alice)
		if err != nil {
			t.Fatalf("profile: %v", err)
		}
		if p.PenaltyOffset <= last {
			t.Fatalf("offset did not grow: %f -> %f", last, p.PenaltyOffset)
		}
		last = p.PenaltyOffset
	}

	if err := s.ApplyDefectPenalty(ledgerID, alice, 5, 1000); err != nil {
		t.Fatalf("defect penalty: %v", err)
	}
	p, _ := s.Profile(alice)
	if p.PenaltyOffset <= last {
		t.Error("defect penalty did not raise the offset")
	}
	if p.ExitCount != 3 || p.DefectCount != 1 {
		t.Errorf("counts = exit:%d defect:%d, want 3/1", p.ExitCount, p.DefectCount)
	}
}

func TestDefectPenaltyEscalates(t *testing.T) {
	s, _ := testScorer(&fakeBonds{bonds: map[common.Address][]domain.Bond{}})

	if err := s.ApplyDefectPenalty(ledgerID, alice, 0, 10_000); err != nil {
		t.Fatalf("first penalty: %v", err)
	}
	p1, _ := s.Profile(alice)
	first := p1.PenaltyOffset

	if err := s.ApplyDefectPenalty(ledgerID, alice, 0, 10_000); err != nil {
		t.Fatalf("second penalty: %v", err)
	}
	p2, _ := s.Profile(alice)
	second := p2.PenaltyOffset - first

	// Same bond score and value, but the higher defect count makes the
	// second increment larger than the first.
	if second <= first {
		t.Errorf("penalty did not escalate: first=%f second=%f", first, second)
	}
}

func TestScoreFlooredAtZero(t *testing.T) {
	now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	bond := pairBond(alice, bob, 100, 100, now.Add(-time.Hour))
	s, _ := testScorer(&fakeBonds{
		bonds: map[common.Address][]domain.Bond{alice: {bond}},
		raw:   map[common.Address]float64{},
	})

	if err := s.ApplyDefectPenalty(ledgerID, alice, 1e9, 1_000_000_000); err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if got := s.Score(alice); got != 0 {
		t.Errorf("score = %f, want 0 after crushing penalty", got)
	}
}

func TestScoreCachesResult(t *testing.T) {
	now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	bond := pairBond(alice, bob, 1_000, 1_000, now.Add(-24*time.Hour))
	s, _ := testScorer(&fakeBonds{
		bonds: map[common.Address][]domain.Bond{alice: {bond}},
		raw:   map[common.Address]float64{},
	})

	score := s.Score(alice)
	p, err := s.Profile(alice)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.CachedScore != score {
		t.Errorf("cached = %f, want %f", p.CachedScore, score)
	}
	if p.ScoredAt.IsZero() {
		t.Error("ScoredAt not stamped")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	s, _ := testScorer(&fakeBonds{bonds: map[common.Address][]domain.Bond{}})
	if err := s.ApplyExitPenalty(ledgerID, alice, 0, 1000); err != nil {
		t.Fatalf("penalty: %v", err)
	}

	fresh, _ := testScorer(&fakeBonds{bonds: map[common.Address][]domain.Bond{}})
	fresh.Restore(s.AllProfiles())

	orig, _ := s.Profile(alice)
	got, err := fresh.Profile(alice)
	if err != nil {
		t.Fatalf("restored profile: %v", err)
	}
	if got.PenaltyOffset != orig.PenaltyOffset || got.ExitCount != orig.ExitCount {
		t.Errorf("restored profile mismatch: %+v vs %+v", got, orig)
	}
}
