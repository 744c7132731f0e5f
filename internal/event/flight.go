package event

import (
	"fmt"
	"strings"
	"time"
)

// FlightStatus is the oracle's view of a flight.
type FlightStatus int32

const (
	FlightStatusUnknown FlightStatus = iota
	FlightStatusOnTime
	FlightStatusDelayed
	FlightStatusCancelled
)

func (s FlightStatus) String() string {
	switch s {
	case FlightStatusOnTime:
		return "on_time"
	case FlightStatusDelayed:
		return "delayed"
	case FlightStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseFlightStatus accepts the wire spellings used by oracles and the
// flight feed ("on_time", "On Time", "ontime", "delayed", "canceled", ...).
func ParseFlightStatus(s string) (FlightStatus, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(norm)
	switch norm {
	case "ontime":
		return FlightStatusOnTime, nil
	case "delayed":
		return FlightStatusDelayed, nil
	case "cancelled", "canceled":
		return FlightStatusCancelled, nil
	default:
		return FlightStatusUnknown, fmt.Errorf("unknown flight status %q", s)
	}
}

func (s FlightStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *FlightStatus) UnmarshalText(text []byte) error {
	if len(text) == 0 || string(text) == "unknown" {
		*s = FlightStatusUnknown
		return nil
	}
	parsed, err := ParseFlightStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// NormalizeFlightID upper-cases and strips whitespace ("ek 524" -> "EK524").
func NormalizeFlightID(flightID string) string {
	return strings.ToUpper(strings.Join(strings.Fields(flightID), ""))
}

// FlightStatusReport is an oracle input. It triggers settlement and is kept
// in the event log only as an audit record.
type FlightStatusReport struct {
	ReportID   string       `json:"report_id"`
	FlightID   string       `json:"flight_id"`
	Status     FlightStatus `json:"status"`
	ReportedAt time.Time    `json:"reported_at"`
	Reporter   string       `json:"reporter"`
}

// FlightStatusReported is the audit event for an accepted report.
type FlightStatusReported struct {
	Report    FlightStatusReport `json:"report"`
	Timestamp time.Time          `json:"timestamp"`
}

func (e *FlightStatusReported) IdempotencyKey() string {
	return e.Report.ReportID
}

func (e *FlightStatusReported) EventType() EventType {
	return EventTypeFlightStatusReported
}

func (e *FlightStatusReported) PoolID() string {
	return ""
}

func (e *FlightStatusReported) OccurredAt() time.Time {
	return e.Timestamp
}

func (e *FlightStatusReported) FlightKey() string {
	return e.Report.FlightID
}
