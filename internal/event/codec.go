package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an event for the event log payload column.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode rebuilds a typed event from a stored payload.
func Decode(eventType string, payload []byte) (Event, error) {
	var evt Event
	switch ParseEventType(eventType) {
	case EventTypeLiquidityDeposited:
		evt = &LiquidityDeposited{}
	case EventTypeLiquidityWithdrawn:
		evt = &LiquidityWithdrawn{}
	case EventTypeCrowdFundCreated:
		evt = &CrowdFundCreated{}
	case EventTypeCrowdFundCancelled:
		evt = &CrowdFundCancelled{}
	case EventTypePolicyPurchased:
		evt = &PolicyPurchased{}
	case EventTypeFlightStatusReported:
		evt = &FlightStatusReported{}
	case EventTypePolicySettled:
		evt = &PolicySettled{}
	case EventTypePolicyExpired:
		evt = &PolicyExpired{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}

// FlightOf returns the flight an event belongs to, or "".
func FlightOf(evt Event) string {
	if fs, ok := evt.(FlightScoped); ok {
		return fs.FlightKey()
	}
	return ""
}
