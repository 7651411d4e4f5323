package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds is returned when the source account cannot cover the transfer
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAssetMismatch is returned when accounts and transfer disagree on asset
	ErrAssetMismatch = errors.New("asset mismatch")
	// ErrBadAuthority is returned when the authority cannot move funds from the source
	ErrBadAuthority = errors.New("authority cannot sign for source account")
	// ErrNonPositiveAmount is returned for zero or negative transfer amounts
	ErrNonPositiveAmount = errors.New("transfer amount must be positive")
)

// Authority identifies who signs for the source side of a transfer
type Authority uint8

const (
	// AuthorityOwner means the account owner moves their own funds
	AuthorityOwner Authority = iota
	// AuthorityVault means a pool account releases its own funds
	AuthorityVault
)

// Vault executes all-or-nothing transfers between accounts and records each
// one as a balanced journal entry. Validation happens before any balance
// moves; a returned error means nothing changed.
type Vault struct {
	tracker *BalanceTracker
}

func NewVault(tracker *BalanceTracker) *Vault {
	return &Vault{tracker: tracker}
}

// Tracker exposes the underlying balance tracker for reads
func (v *Vault) Tracker() *BalanceTracker {
	return v.tracker
}

// Transfer moves amount of assetID from the credit account to the debit
// account. External-scope sources are the boundary where value enters the
// system and are exempt from the sufficiency check.
func (v *Vault) Transfer(from, to AccountKey, auth Authority, assetID AssetID, amount int64,
	journalType JournalType, eventRef string, sequence, timestamp int64) (Journal, error) {

	if amount <= 0 {
		return Journal{}, fmt.Errorf("%w: %d", ErrNonPositiveAmount, amount)
	}

	if from.AssetID != assetID || to.AssetID != assetID {
		return Journal{}, fmt.Errorf("%w: transfer asset %d, from %s, to %s",
			ErrAssetMismatch, assetID, from.AccountPath(), to.AccountPath())
	}

	if err := v.checkAuthority(from, auth); err != nil {
		return Journal{}, err
	}

	if from.Scope != AccountScopeExternal {
		if err := v.tracker.ValidateSufficient(from, amount); err != nil {
			return Journal{}, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
	}

	j := Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		EventRef:      eventRef,
		Sequence:      sequence,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   journalType,
		Timestamp:     timestamp,
	}

	v.tracker.ApplyJournal(j)
	return j, nil
}

func (v *Vault) checkAuthority(from AccountKey, auth Authority) error {
	switch auth {
	case AuthorityOwner:
		if from.Scope != AccountScopeUser && from.Scope != AccountScopeExternal {
			return fmt.Errorf("%w: owner authority over %s", ErrBadAuthority, from.AccountPath())
		}
	case AuthorityVault:
		if from.Scope != AccountScopeVault {
			return fmt.Errorf("%w: vault authority over %s", ErrBadAuthority, from.AccountPath())
		}
	default:
		return fmt.Errorf("%w: unknown authority %d", ErrBadAuthority, auth)
	}
	return nil
}
