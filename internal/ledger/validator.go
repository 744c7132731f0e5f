package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants of one pool
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateCapitalConservation verifies
// tvl == Σ lpBalances + totalPremiums + totalFees − totalPayouts.
// With the double-entry layout this is the zero-sum property of the pool.
func (v *InvariantValidator) ValidateCapitalConservation() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("pool %s is not zero-sum: %d", v.tracker.poolID, total)
	}

	expected := v.tracker.TotalLPShares() + v.tracker.TotalPremiums() + v.tracker.TotalFees() - v.tracker.TotalPayouts()
	if tvl := v.tracker.TVL(); tvl != expected {
		return fmt.Errorf("pool %s tvl %d != lp %d + premiums %d + fees %d - payouts %d",
			v.tracker.poolID, tvl, v.tracker.TotalLPShares(), v.tracker.TotalPremiums(),
			v.tracker.TotalFees(), v.tracker.TotalPayouts())
	}

	return nil
}

// ValidateSigns checks every account sits on its normal side: tvl, payouts,
// premiums, fees and every LP share are non-negative in pool terms.
func (v *InvariantValidator) ValidateSigns() error {
	if err := v.tracker.ValidateNonNegative(NewReserveKey(v.tracker.poolID)); err != nil {
		return err
	}
	if err := v.tracker.ValidateNonNegative(NewPayoutsKey(v.tracker.poolID)); err != nil {
		return err
	}
	if v.tracker.TotalPremiums() < 0 {
		return fmt.Errorf("pool %s has negative premium income: %d", v.tracker.poolID, v.tracker.TotalPremiums())
	}
	if v.tracker.TotalFees() < 0 {
		return fmt.Errorf("pool %s has negative fee income: %d", v.tracker.poolID, v.tracker.TotalFees())
	}
	for key, balance := range v.tracker.balances {
		if key.SubType == SubTypeLPShare && balance > 0 {
			return fmt.Errorf("lp %s has negative share in pool %s: %d", key.Holder, key.PoolID, -balance)
		}
	}
	return nil
}
