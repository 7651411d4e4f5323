package query

import "encoding/json"

// FundResponse is the projected fund row. AsOfSequence is the freshness
// watermark: the highest sequence the projections have absorbed.
type FundResponse struct {
	Asset                   string          `json:"asset"`
	Creator                 string          `json:"creator"`
	ContributionAmount      int64           `json:"contribution_amount"`
	CycleDurationSeconds    int64           `json:"cycle_duration_seconds"`
	TotalCycles             int16           `json:"total_cycles"`
	CollateralRequirement   int64           `json:"collateral_requirement"`
	MaxParticipants         int16           `json:"max_participants"`
	DisbursementSchedule    json.RawMessage `json:"disbursement_schedule"`
	CurrentCycle            int16           `json:"current_cycle"`
	IsActive                bool            `json:"is_active"`
	LastDisbursementTime    int64           `json:"last_disbursement_time"`
	Participants            json.RawMessage `json:"participants"`
	Borrowed                json.RawMessage `json:"borrowed"`
	TotalContributionAmount int64           `json:"total_contribution_amount"`
	CreatedAt               int64           `json:"created_at"`
	AsOfSequence            int64           `json:"as_of_sequence"`
}

// ParticipantResponse is the projected participant row
type ParticipantResponse struct {
	Owner                string          `json:"owner"`
	Asset                string          `json:"asset"`
	HasBorrowed          bool            `json:"has_borrowed"`
	Contributions        json.RawMessage `json:"contributions"`
	JoinTime             int64           `json:"join_time"`
	LastContributionTime int64           `json:"last_contribution_time"`
	TotalContributed     int64           `json:"total_contributed"`
	BorrowedCycle        *int16          `json:"borrowed_cycle,omitempty"`
	CollateralReleased   bool            `json:"collateral_released"`
	AsOfSequence         int64           `json:"as_of_sequence"`
}

// EventResponse is one row of the notification log
type EventResponse struct {
	Sequence   int64           `json:"sequence"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Asset      string          `json:"asset"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt int64           `json:"occurred_at"`
}

// EventPage is a paged slice of the event log, ordered by sequence
type EventPage struct {
	Events       []EventResponse `json:"events"`
	NextAfter    int64           `json:"next_after,omitempty"`
	AsOfSequence int64           `json:"as_of_sequence"`
}
