// Package domain defines the core types shared across the trust-bond system:
// bonds, user accounts, loans, treasury balances, and the store and cache
// interfaces their persistence layers implement.
package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Bond is a pairwise stake between two participants. Participants are stored
// in canonical order (ParticipantLow < ParticipantHigh bytewise) so that the
// bond key is independent of who initiated it.
type Bond struct {
	Key               common.Hash
	ParticipantLow    common.Address
	ParticipantHigh   common.Address
	StakeLow          int64
	StakeHigh         int64
	AccruedYield      int64
	CreatedAt         time.Time
	LastYieldUpdateAt time.Time
	Active            bool
	Frozen            bool
}

// TotalStake returns the sum of both stake slots.
func (b *Bond) TotalStake() int64 {
	return b.StakeLow + b.StakeHigh
}

// TotalValue returns the total locked value including accrued yield.
func (b *Bond) TotalValue() int64 {
	return b.TotalStake() + b.AccruedYield
}

// IsParticipant reports whether addr holds one of the two slots.
func (b *Bond) IsParticipant(addr common.Address) bool {
	return addr == b.ParticipantLow || addr == b.ParticipantHigh
}

// StakeOf returns the stake recorded under addr's slot. It returns zero when
// addr is not a participant.
func (b *Bond) StakeOf(addr common.Address) int64 {
	switch addr {
	case b.ParticipantLow:
		return b.StakeLow
	case b.ParticipantHigh:
		return b.StakeHigh
	}
	return 0
}

// PartnerOf returns the other participant. The second return value is false
// when addr is not a participant.
func (b *Bond) PartnerOf(addr common.Address) (common.Address, bool) {
	switch addr {
	case b.ParticipantLow:
		return b.ParticipantHigh, true
	case b.ParticipantHigh:
		return b.ParticipantLow, true
	}
	return common.Address{}, false
}

// Pending reports whether the bond has been created but only one side has
// staked. A pending bond does not accrue yield.
func (b *Bond) Pending() bool {
	return !b.Active && (b.StakeLow == 0) != (b.StakeHigh == 0)
}
