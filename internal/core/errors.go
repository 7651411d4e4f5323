package core

import "errors"

// Operation errors, one per violated precondition. The transport layer maps
// these to response codes; registry and ledger packages carry their own
// sentinels (not-found, exists, insufficient funds, asset mismatch).
var (
	// State errors
	ErrFundInactive     = errors.New("fund is not active")
	ErrFundActive       = errors.New("fund is still active")
	ErrCycleNotComplete = errors.New("cycle duration has not elapsed")

	// Authorization errors
	ErrUnauthorized     = errors.New("caller does not own the participant record")
	ErrBorrowerMismatch = errors.New("caller is not the selected borrower")

	// Idempotency errors
	ErrContributionAlreadyMade    = errors.New("contribution already made this cycle")
	ErrAlreadyBorrowed            = errors.New("participant has already borrowed")
	ErrCollateralAlreadyWithdrawn = errors.New("collateral already withdrawn")

	// Consistency errors
	ErrNoEligibleBorrowers     = errors.New("no eligible borrowers")
	ErrNoParticipants          = errors.New("no participants enrolled")
	ErrWrongFund               = errors.New("participant does not belong to this fund")
	ErrWithdrawBeforeBorrowing = errors.New("cannot withdraw collateral before borrowing")

	// Enrollment errors
	ErrMaxParticipantsReached = errors.New("fund has reached max participants")
)
