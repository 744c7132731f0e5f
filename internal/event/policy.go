package event

import (
	"fmt"
	"time"
)

// PolicyPurchased collects the premium into the pool and mints the policy.
// PolicyID is assigned on first processing and carried in the log so replay
// reproduces the same ids regardless of interleaving across pools.
type PolicyPurchased struct {
	RequestID string    `json:"request_id"`
	PolicyID  uint64    `json:"policy_id"`
	Owner     string    `json:"owner"`
	FlightID  string    `json:"flight_id"`
	PNR       string    `json:"pnr"`
	Pool      string    `json:"pool_id"`
	Coverage  int64     `json:"coverage"`
	Premium   int64     `json:"premium"`
	Expiry    time.Time `json:"expiry"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *PolicyPurchased) IdempotencyKey() string {
	return e.RequestID
}

func (e *PolicyPurchased) EventType() EventType {
	return EventTypePolicyPurchased
}

func (e *PolicyPurchased) PoolID() string {
	return e.Pool
}

func (e *PolicyPurchased) OccurredAt() time.Time {
	return e.Timestamp
}

func (e *PolicyPurchased) FlightKey() string {
	return e.FlightID
}

// PolicySettled records a payout (possibly zero) against a policy.
type PolicySettled struct {
	PolicyID  uint64       `json:"policy_id"`
	Pool      string       `json:"pool_id"`
	FlightID  string       `json:"flight_id"`
	Status    FlightStatus `json:"status"`
	Payout    int64        `json:"payout"`
	ReportID  string       `json:"report_id"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e *PolicySettled) IdempotencyKey() string {
	return fmt.Sprintf("policy-settle:%d", e.PolicyID)
}

func (e *PolicySettled) EventType() EventType {
	return EventTypePolicySettled
}

func (e *PolicySettled) PoolID() string {
	return e.Pool
}

func (e *PolicySettled) OccurredAt() time.Time {
	return e.Timestamp
}

func (e *PolicySettled) FlightKey() string {
	return e.FlightID
}

// PolicyExpired releases the exposure of a policy that passed expiry unpaid.
type PolicyExpired struct {
	PolicyID  uint64    `json:"policy_id"`
	Pool      string    `json:"pool_id"`
	FlightID  string    `json:"flight_id"`
	Coverage  int64     `json:"coverage"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *PolicyExpired) IdempotencyKey() string {
	return fmt.Sprintf("policy-expire:%d", e.PolicyID)
}

func (e *PolicyExpired) EventType() EventType {
	return EventTypePolicyExpired
}

func (e *PolicyExpired) PoolID() string {
	return e.Pool
}

func (e *PolicyExpired) OccurredAt() time.Time {
	return e.Timestamp
}

func (e *PolicyExpired) FlightKey() string {
	return e.FlightID
}
