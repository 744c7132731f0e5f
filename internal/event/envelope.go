package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLiquidityDeposited
	EventTypeLiquidityWithdrawn
	EventTypeCrowdFundCreated
	EventTypeCrowdFundCancelled
	EventTypePolicyPurchased
	EventTypeFlightStatusReported
	EventTypePolicySettled
	EventTypePolicyExpired
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned at emission
	Sequence int64

	// Stable idempotency key from the caller
	IdempotencyKey string

	EventType EventType

	// Pool context, empty for flight-level events
	PoolID string

	// Flight context, empty for pool-only events
	FlightID string

	// Time carried by the event itself, never wall-clock at apply time
	Timestamp time.Time

	// JSON-encoded event
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// PoolID returns the pool context ("" for flight-level events)
	PoolID() string

	// OccurredAt returns the versioned timestamp carried by the event
	OccurredAt() time.Time
}

// FlightScoped is implemented by events that belong to a single flight.
type FlightScoped interface {
	FlightKey() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeLiquidityDeposited:
		return "LiquidityDeposited"
	case EventTypeLiquidityWithdrawn:
		return "LiquidityWithdrawn"
	case EventTypeCrowdFundCreated:
		return "CrowdFundCreated"
	case EventTypeCrowdFundCancelled:
		return "CrowdFundCancelled"
	case EventTypePolicyPurchased:
		return "PolicyPurchased"
	case EventTypeFlightStatusReported:
		return "FlightStatusReported"
	case EventTypePolicySettled:
		return "PolicySettled"
	case EventTypePolicyExpired:
		return "PolicyExpired"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeLiquidityDeposited; et <= EventTypePolicyExpired; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
