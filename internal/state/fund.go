package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ChitFund/internal/ledger"
)

// Configuration errors reported at fund initialization
var (
	ErrTooManyCycles         = errors.New("total cycles exceeds limit")
	ErrZeroCycles            = errors.New("total cycles must be positive")
	ErrCycleDurationTooShort = errors.New("cycle duration below minimum")
	ErrTooManyParticipants   = errors.New("max participants exceeds limit")
	ErrZeroParticipants      = errors.New("max participants must be positive")
	ErrBadContribution       = errors.New("contribution amount must be positive")
	ErrBadCollateral         = errors.New("collateral requirement must be positive")
	ErrBadSchedule           = errors.New("invalid disbursement schedule")
)

// Limits bounds fund configuration. Held per engine instance so deployments
// with different ceilings can coexist.
type Limits struct {
	MaxCycles        uint8
	MaxParticipants  uint8
	MinCycleDuration time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxCycles:        12,
		MaxParticipants:  12,
		MinCycleDuration: 24 * time.Hour,
	}
}

// Config is the immutable fund configuration fixed at initialization
type Config struct {
	Asset                 string
	ContributionAmount    int64
	CycleDuration         time.Duration
	TotalCycles           uint8
	CollateralRequirement int64
	MaxParticipants       uint8
	DisbursementSchedule  []int64 // one payout per cycle, indexed by cycle
}

// Validate checks the configuration against the engine's limits.
// Each violation names the offending parameter via its sentinel.
func (c Config) Validate(limits Limits) error {
	if c.TotalCycles == 0 {
		return ErrZeroCycles
	}
	if c.TotalCycles > limits.MaxCycles {
		return fmt.Errorf("%w: %d > %d", ErrTooManyCycles, c.TotalCycles, limits.MaxCycles)
	}
	if c.CycleDuration < limits.MinCycleDuration {
		return fmt.Errorf("%w: %s < %s", ErrCycleDurationTooShort, c.CycleDuration, limits.MinCycleDuration)
	}
	if c.MaxParticipants == 0 {
		return ErrZeroParticipants
	}
	if c.MaxParticipants > limits.MaxParticipants {
		return fmt.Errorf("%w: %d > %d", ErrTooManyParticipants, c.MaxParticipants, limits.MaxParticipants)
	}
	if c.ContributionAmount <= 0 {
		return fmt.Errorf("%w: %d", ErrBadContribution, c.ContributionAmount)
	}
	if c.CollateralRequirement <= 0 {
		return fmt.Errorf("%w: %d", ErrBadCollateral, c.CollateralRequirement)
	}
	if len(c.DisbursementSchedule) < int(c.TotalCycles) {
		return fmt.Errorf("%w: %d entries for %d cycles", ErrBadSchedule, len(c.DisbursementSchedule), c.TotalCycles)
	}
	for i, amount := range c.DisbursementSchedule {
		if amount < 0 {
			return fmt.Errorf("%w: negative payout %d at cycle %d", ErrBadSchedule, amount, i)
		}
	}
	return nil
}

// Fund is one rotating-contribution pool instance, keyed by asset
type Fund struct {
	Creator uuid.UUID
	AssetID ledger.AssetID
	Config  Config

	// Pool accounts, derived deterministically from the asset
	ContributionPool ledger.AccountKey
	CollateralPool   ledger.AccountKey

	// Mutable cycle state
	CurrentCycle         uint8
	IsActive             bool
	LastDisbursementTime int64

	// Roster and borrow bitmap share indices; both grow append-only
	// up to Config.MaxParticipants.
	Participants []uuid.UUID
	Borrowed     []bool

	// Net value held across both pools
	TotalContributionAmount int64

	CreatedAt int64
}

// NewFund constructs an active fund with an empty roster.
// The configuration must already be validated.
func NewFund(creator uuid.UUID, assetID ledger.AssetID, cfg Config, now int64) *Fund {
	return &Fund{
		Creator:              creator,
		AssetID:              assetID,
		Config:               cfg,
		ContributionPool:     ledger.NewVaultAccountKey(ledger.SubTypeContributionPool, assetID),
		CollateralPool:       ledger.NewVaultAccountKey(ledger.SubTypeCollateralPool, assetID),
		CurrentCycle:         0,
		IsActive:             true,
		LastDisbursementTime: now,
		Participants:         make([]uuid.UUID, 0, cfg.MaxParticipants),
		Borrowed:             make([]bool, 0, cfg.MaxParticipants),
		CreatedAt:            now,
	}
}

// ParticipantCount returns the number of enrolled participants
func (f *Fund) ParticipantCount() int {
	return len(f.Participants)
}

// IsFull reports whether the roster reached max participants
func (f *Fund) IsFull() bool {
	return len(f.Participants) >= int(f.Config.MaxParticipants)
}

// HasParticipant reports whether the owner is on the roster
func (f *Fund) HasParticipant(owner uuid.UUID) bool {
	for _, p := range f.Participants {
		if p == owner {
			return true
		}
	}
	return false
}

// Enroll appends an owner to the roster
func (f *Fund) Enroll(owner uuid.UUID) {
	f.Participants = append(f.Participants, owner)
	f.Borrowed = append(f.Borrowed, false)
}

// EligibleBorrowers returns the owners who have not yet received a
// disbursement, in roster order.
func (f *Fund) EligibleBorrowers() []uuid.UUID {
	eligible := make([]uuid.UUID, 0, len(f.Participants))
	for i, p := range f.Participants {
		if !f.Borrowed[i] {
			eligible = append(eligible, p)
		}
	}
	return eligible
}

// MarkBorrowed flips the roster borrow bit for an owner
func (f *Fund) MarkBorrowed(owner uuid.UUID) bool {
	for i, p := range f.Participants {
		if p == owner {
			f.Borrowed[i] = true
			return true
		}
	}
	return false
}

// AdvanceCycle moves to the next cycle after a disbursement and
// deactivates the fund when all cycles have run. Deactivation is terminal.
func (f *Fund) AdvanceCycle(now int64) {
	f.CurrentCycle++
	f.LastDisbursementTime = now
	if f.CurrentCycle >= f.Config.TotalCycles {
		f.IsActive = false
	}
}

// Snapshot returns a value copy safe to hand outside the engine lock
func (f *Fund) Snapshot() Fund {
	snap := *f
	snap.Participants = append([]uuid.UUID(nil), f.Participants...)
	snap.Borrowed = append([]bool(nil), f.Borrowed...)
	snap.Config.DisbursementSchedule = append([]int64(nil), f.Config.DisbursementSchedule...)
	return snap
}
