package state

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ChitFund/internal/ledger"
)

var (
	ErrFundExists          = errors.New("fund already exists for asset")
	ErrFundNotFound        = errors.New("fund not found")
	ErrParticipantExists   = errors.New("participant record already exists")
	ErrParticipantNotFound = errors.New("participant not found")
)

// FundRegistry owns fund records keyed by asset, with exclusive-create
// semantics. Not safe for concurrent use; the engine serializes access.
type FundRegistry struct {
	funds map[ledger.AssetID]*Fund
}

func NewFundRegistry() *FundRegistry {
	return &FundRegistry{funds: make(map[ledger.AssetID]*Fund)}
}

// Create registers a fund, failing if one exists for the asset
func (r *FundRegistry) Create(f *Fund) error {
	if _, ok := r.funds[f.AssetID]; ok {
		name, _ := ledger.GetAssetName(f.AssetID)
		return fmt.Errorf("%w: %s", ErrFundExists, name)
	}
	r.funds[f.AssetID] = f
	return nil
}

// Get returns the fund for an asset
func (r *FundRegistry) Get(assetID ledger.AssetID) (*Fund, error) {
	f, ok := r.funds[assetID]
	if !ok {
		name, _ := ledger.GetAssetName(assetID)
		return nil, fmt.Errorf("%w: %s", ErrFundNotFound, name)
	}
	return f, nil
}

// All returns every registered fund
func (r *FundRegistry) All() []*Fund {
	out := make([]*Fund, 0, len(r.funds))
	for _, f := range r.funds {
		out = append(out, f)
	}
	return out
}

// ParticipantRegistry owns participant records keyed by owner identity.
// One fund membership per owner, matching the one-record-per-key design.
type ParticipantRegistry struct {
	participants map[uuid.UUID]*Participant
}

func NewParticipantRegistry() *ParticipantRegistry {
	return &ParticipantRegistry{participants: make(map[uuid.UUID]*Participant)}
}

// Create registers a participant, failing if the owner already has a record
func (r *ParticipantRegistry) Create(p *Participant) error {
	if _, ok := r.participants[p.Owner]; ok {
		return fmt.Errorf("%w: %s", ErrParticipantExists, p.Owner)
	}
	r.participants[p.Owner] = p
	return nil
}

// Get returns the participant record for an owner
func (r *ParticipantRegistry) Get(owner uuid.UUID) (*Participant, error) {
	p, ok := r.participants[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, owner)
	}
	return p, nil
}

// Delete removes an owner's record. Only used to unwind a failed
// enrollment before it becomes observable.
func (r *ParticipantRegistry) Delete(owner uuid.UUID) {
	delete(r.participants, owner)
}

// All returns every registered participant
func (r *ParticipantRegistry) All() []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}
