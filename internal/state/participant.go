package state

import (
	"github.com/google/uuid"

	"ChitFund/internal/ledger"
)

// Participant is one enrolled identity's state within a fund
type Participant struct {
	Owner   uuid.UUID
	AssetID ledger.AssetID

	// The owner's asset account funds contributions and receives payouts
	Account ledger.AccountKey

	HasBorrowed bool
	// Reserved flag, stored but not exercised by any operation
	EmergencyRequested bool

	// One bit per cycle, set when the cycle's contribution lands
	Contributions []bool

	JoinTime             int64
	LastContributionTime int64

	TotalContributed int64

	// Cycle at which this participant borrowed, nil until they do
	BorrowedCycle *uint8

	// Set when posted collateral has been returned
	CollateralReleased bool
}

// NewParticipant creates a cleared record sized for the fund's cycle count
func NewParticipant(owner uuid.UUID, assetID ledger.AssetID, totalCycles uint8, now int64) *Participant {
	return &Participant{
		Owner:         owner,
		AssetID:       assetID,
		Account:       ledger.NewUserAccountKey(owner, assetID),
		Contributions: make([]bool, totalCycles),
		JoinTime:      now,
	}
}

// HasContributed reports whether the cycle's contribution bit is set
func (p *Participant) HasContributed(cycle uint8) bool {
	if int(cycle) >= len(p.Contributions) {
		return false
	}
	return p.Contributions[cycle]
}

// RecordContribution sets the cycle bit and updates running totals
func (p *Participant) RecordContribution(cycle uint8, amount, now int64) {
	p.Contributions[cycle] = true
	p.LastContributionTime = now
	p.TotalContributed += amount
}

// RecordBorrow flips has-borrowed and pins the borrowing cycle
func (p *Participant) RecordBorrow(cycle uint8) {
	p.HasBorrowed = true
	c := cycle
	p.BorrowedCycle = &c
}

// Snapshot returns a value copy safe to hand outside the engine lock
func (p *Participant) Snapshot() Participant {
	snap := *p
	snap.Contributions = append([]bool(nil), p.Contributions...)
	if p.BorrowedCycle != nil {
		c := *p.BorrowedCycle
		snap.BorrowedCycle = &c
	}
	return snap
}
