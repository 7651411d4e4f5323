package event

import "github.com/google/uuid"

type FundInitialized struct {
	Asset              string    `json:"asset"`
	Creator            uuid.UUID `json:"creator"`
	ContributionAmount int64     `json:"contribution_amount"`
	TotalCycles        uint8     `json:"total_cycles"`
	MaxParticipants    uint8     `json:"max_participants"`
	CollateralAmount   int64     `json:"collateral_amount"`
}

func (e *FundInitialized) EventType() EventType {
	return EventTypeFundInitialized
}

type ParticipantJoined struct {
	Asset            string    `json:"asset"`
	Owner            uuid.UUID `json:"owner"`
	CollateralAmount int64     `json:"collateral_amount"`
	JoinTime         int64     `json:"join_time"`
	ParticipantCount int       `json:"participant_count"`
}

func (e *ParticipantJoined) EventType() EventType {
	return EventTypeParticipantJoined
}

type ContributionMade struct {
	Asset  string    `json:"asset"`
	Owner  uuid.UUID `json:"owner"`
	Cycle  uint8     `json:"cycle"`
	Amount int64     `json:"amount"`
	Time   int64     `json:"time"`
}

func (e *ContributionMade) EventType() EventType {
	return EventTypeContributionMade
}

type FundsDisbursed struct {
	Asset    string    `json:"asset"`
	Borrower uuid.UUID `json:"borrower"`
	Amount   int64     `json:"amount"`
	// Cycle just completed by this disbursement
	Cycle uint8 `json:"cycle"`
	Time  int64 `json:"time"`
	// True when this was the final cycle and the fund deactivated
	FundClosed bool `json:"fund_closed"`
}

func (e *FundsDisbursed) EventType() EventType {
	return EventTypeFundsDisbursed
}

type CollateralWithdrawn struct {
	Asset  string    `json:"asset"`
	Owner  uuid.UUID `json:"owner"`
	Amount int64     `json:"amount"`
	Time   int64     `json:"time"`
}

func (e *CollateralWithdrawn) EventType() EventType {
	return EventTypeCollateralWithdrawn
}

// AccountCredited records an external deposit into a user's asset account
type AccountCredited struct {
	Asset  string    `json:"asset"`
	Owner  uuid.UUID `json:"owner"`
	Amount int64     `json:"amount"`
	Time   int64     `json:"time"`
}

func (e *AccountCredited) EventType() EventType {
	return EventTypeAccountCredited
}
