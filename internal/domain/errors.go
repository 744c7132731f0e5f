package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInsufficientPoolCapital = errors.New("insufficient pool capital")
	ErrPoolNotFound            = errors.New("pool not found")
	ErrPolicyNotFound          = errors.New("policy not found")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrUnderfundedPool         = errors.New("underfunded pool")
	ErrPoolExists              = errors.New("pool already exists")
	ErrInvalidPolicy           = errors.New("invalid policy")
	ErrInvalidReport           = errors.New("invalid status report")
	ErrInvalidPool             = errors.New("invalid pool")
)

// MaxPoolIDLength bounds pool ids; they are embedded in account paths and
// NATS subjects.
const MaxPoolIDLength = 64

// ValidatePoolID accepts 1..MaxPoolIDLength characters from [A-Za-z0-9_-].
func ValidatePoolID(id string) error {
	if id == "" || len(id) > MaxPoolIDLength {
		return fmt.Errorf("%w: pool id %q must be 1-%d characters", ErrInvalidPool, id, MaxPoolIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: pool id %q contains %q", ErrInvalidPool, id, r)
		}
	}
	return nil
}

// PolicyError is a single policy that could not be settled.
type PolicyError struct {
	PolicyID uint64
	PoolID   string
	Err      error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy %d (pool %s): %v", e.PolicyID, e.PoolID, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// SettlementFailure is returned when one or more policies of a flight could
// not be settled. Policies that did settle stay settled.
type SettlementFailure struct {
	FlightID string
	Failures []*PolicyError
}

func (e *SettlementFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("settlement failure for flight %s: %d policies failed: %s",
		e.FlightID, len(e.Failures), strings.Join(parts, "; "))
}

func (e *SettlementFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
