// Package scoring computes per-user trust scores from bond history and
// applies the penalty offsets triggered by bond terminations.
package scoring

import (
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/trustbond/internal/domain"
)

// Score weights. They sum to 1: size, age, and counterparty reputation.
const (
	weightSize    = 0.4
	weightAge     = 0.3
	weightPartner = 0.3
)

// BondReader is the slice of the bond ledger the scorer reads from.
type BondReader interface {
	// ActiveBonds returns the user's active bonds with yield accrued to now.
	ActiveBonds(user common.Address) []domain.Bond
	// RawTrustScore is the ledger's fallback score, used for counterparties
	// that have never been scored.
	RawTrustScore(user common.Address) float64
}

// Scorer owns the per-user penalty offsets and score cache. Penalty
// application is restricted to calls carrying the bond ledger's identity.
type Scorer struct {
	mu sync.Mutex

	ledgerID common.Address
	bonds    BondReader
	profiles map[common.Address]*domain.TrustProfile
	now      func() time.Time
}

// New creates a Scorer that accepts penalty applications only from ledgerID.
func New(ledgerID common.Address, bonds BondReader) *Scorer {
	return &Scorer{
		ledgerID: ledgerID,
		bonds:    bonds,
		profiles: make(map[common.Address]*domain.TrustProfile),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Scorer) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Restore replaces the scorer's profiles with persisted state.
func (s *Scorer) Restore(profiles []domain.TrustProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = make(map[common.Address]*domain.TrustProfile, len(profiles))
	for i := range profiles {
		p := profiles[i]
		s.profiles[p.Address] = &p
	}
}

// Score computes the user's trust score:
//
//	(sum of perBondScore) * sqrt(activeBondCount) - penaltyOffset
//
// floored at zero, where
//
//	perBondScore = 0.4*ln(1+tvl) + 0.3*sqrt(ageDays)
//	             + 0.3*(partnerScore/100 * partnerStakeShare)
//
// The partner term uses the partner's cached score (falling back to the
// ledger's raw score) rather than recursing, so evaluation terminates.
func (s *Scorer) Score(user common.Address) float64 {
	// Ledger reads happen before the scorer lock is taken: the ledger calls
	// into the scorer while holding its own lock during termination, so the
	// reverse order here would invert the lock hierarchy.
	bonds := s.bonds.ActiveBonds(user)
	rawPartner := make(map[common.Address]float64, len(bonds))
	for i := range bonds {
		if partner, ok := bonds[i].PartnerOf(user); ok {
			if _, seen := rawPartner[partner]; !seen {
				rawPartner[partner] = s.bonds.RawTrustScore(partner)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(bonds) == 0 {
		return 0
	}

	now := s.now().UTC()
	var sum float64
	for i := range bonds {
		sum += s.perBondScore(user, &bonds[i], rawPartner, now)
	}

	score := sum * math.Sqrt(float64(len(bonds)))
	if p, ok := s.profiles[user]; ok {
		score -= p.PenaltyOffset
	}
	if score < 0 {
		score = 0
	}

	profile := s.profile(user)
	profile.CachedScore = score
	profile.ScoredAt = now
	return score
}

// ApplyDefectPenalty increments the user's defect count and raises the
// penalty offset by bondScore + sqrt(tvl*defectCount). Ledger identity only.
func (s *Scorer) ApplyDefectPenalty(caller, user common.Address, bondScore float64, tvl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.ledgerID {
		return domain.ErrUnauthorized
	}
	p := s.profile(user)
	p.DefectCount++
	p.PenaltyOffset += bondScore + math.Sqrt(float64(tvl)*float64(p.DefectCount))
	return nil
}

// ApplyExitPenalty increments the user's exit count and raises the penalty
// offset by sqrt(tvl+exitCount). Ledger identity only.
func (s *Scorer) ApplyExitPenalty(caller, user common.Address, bondScore float64, tvl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.ledgerID {
		return domain.ErrUnauthorized
	}
	p := s.profile(user)
	p.ExitCount++
	p.PenaltyOffset += math.Sqrt(float64(tvl) + float64(p.ExitCount))
	_ = bondScore // exit penalties depend only on value and repetition
	return nil
}

// Profile returns the stored trust profile for addr.
func (s *Scorer) Profile(addr common.Address) (domain.TrustProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[addr]
	if !ok {
		return domain.TrustProfile{}, domain.ErrNotFound
	}
	return *p, nil
}

// AllProfiles returns a copy of every profile, for persistence snapshots.
func (s *Scorer) AllProfiles() []domain.TrustProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TrustProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, *p)
	}
	return out
}

// perBondScore rewards bond size, bond age, and the counterparty's own
// reputation discounted by the counterparty's stake share. Caller holds s.mu.
func (s *Scorer) perBondScore(user common.Address, bond *domain.Bond, rawPartner map[common.Address]float64, now time.Time) float64 {
	tvl := float64(bond.TotalValue())
	ageDays := now.Sub(bond.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}

	partner, _ := bond.PartnerOf(user)
	partnerScore := rawPartner[partner]
	if p, ok := s.profiles[partner]; ok && !p.ScoredAt.IsZero() {
		partnerScore = p.CachedScore
	}
	partnerShare := 0.0
	if total := bond.TotalStake(); total > 0 {
		partnerShare = float64(bond.StakeOf(partner)) / float64(total)
	}

	return weightSize*math.Log(1+tvl) +
		weightAge*math.Sqrt(ageDays) +
		weightPartner*(partnerScore/100)*partnerShare
}

func (s *Scorer) profile(addr common.Address) *domain.TrustProfile {
	p, ok := s.profiles[addr]
	if !ok {
		p = &domain.TrustProfile{Address: addr}
		s.profiles[addr] = p
	}
	return p
}
