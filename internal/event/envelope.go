package event

import (
	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeFundInitialized
	EventTypeParticipantJoined
	EventTypeContributionMade
	EventTypeFundsDisbursed
	EventTypeCollateralWithdrawn
	EventTypeAccountCredited
)

// Envelope wraps every notification in the log. Exactly one envelope is
// appended per successful operation, ordered by commit sequence.
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Unique event identity, doubles as the journal event_ref
	EventID uuid.UUID

	// Event type discriminator
	EventType EventType

	// Asset of the fund the operation touched
	Asset string

	// Injected operation timestamp (epoch seconds, NOT wall-clock at emit)
	Timestamp int64
}

// Event is the interface all notification payloads implement
type Event interface {
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeFundInitialized:
		return "FundInitialized"
	case EventTypeParticipantJoined:
		return "ParticipantJoined"
	case EventTypeContributionMade:
		return "ContributionMade"
	case EventTypeFundsDisbursed:
		return "FundsDisbursed"
	case EventTypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case EventTypeAccountCredited:
		return "AccountCredited"
	default:
		return "Unknown"
	}
}

// ParseEventType maps a stored discriminator name back to its type
func ParseEventType(name string) EventType {
	switch name {
	case "FundInitialized":
		return EventTypeFundInitialized
	case "ParticipantJoined":
		return EventTypeParticipantJoined
	case "ContributionMade":
		return EventTypeContributionMade
	case "FundsDisbursed":
		return EventTypeFundsDisbursed
	case "CollateralWithdrawn":
		return EventTypeCollateralWithdrawn
	case "AccountCredited":
		return EventTypeAccountCredited
	}
	return EventTypeUnknown
}
