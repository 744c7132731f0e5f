package state

import (
	"fmt"

	"WingLedger/internal/domain"
	"WingLedger/internal/event"
	fpmath "WingLedger/internal/math"
)

// PayoutTable maps a reported flight status to the share of coverage paid,
// in basis points.
type PayoutTable map[event.FlightStatus]int64

// DefaultPayoutTable pays nothing on time, half on delay and all on cancellation.
var DefaultPayoutTable = PayoutTable{
	event.FlightStatusOnTime:    0,
	event.FlightStatusDelayed:   5_000,
	event.FlightStatusCancelled: 10_000,
}

// RatioBps returns the payout ratio for status.
func (t PayoutTable) RatioBps(status event.FlightStatus) (int64, error) {
	ratio, ok := t[status]
	if !ok {
		return 0, fmt.Errorf("%w: no payout ratio for status %s", domain.ErrInvalidReport, status)
	}
	return ratio, nil
}

// Payout computes coverage * ratio, rounded down to a minor unit.
func (t PayoutTable) Payout(coverage int64, status event.FlightStatus) (int64, error) {
	ratio, err := t.RatioBps(status)
	if err != nil {
		return 0, err
	}
	return fpmath.MulBps(coverage, ratio), nil
}

// Validate checks every ratio lies in [0, 10000].
func (t PayoutTable) Validate() error {
	for status, ratio := range t {
		if ratio < 0 || ratio > fpmath.BpsScale {
			return fmt.Errorf("payout ratio for %s out of range: %d", status, ratio)
		}
	}
	return nil
}
