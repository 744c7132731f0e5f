package query

import (
	"fmt"
	"time"

	"WingLedger/internal/ledger"
)

// PoolResponse is a pool as reconstructed from the projection tables.
type PoolResponse struct {
	PoolID           string           `json:"pool_id"`
	Kind             string           `json:"kind"`
	Status           string           `json:"status"`
	FlightID         string           `json:"flight_id,omitempty"`
	RequiredCoverage int64            `json:"required_coverage,omitempty"`
	FundingDeadline  *time.Time       `json:"funding_deadline,omitempty"`
	ActiveCoverage   int64            `json:"active_coverage"`
	Balances         PoolBalances     `json:"balances"`
	LPs              map[string]int64 `json:"lps"`
	AsOfSequence     int64            `json:"as_of_sequence"`
}

// PoolBalances are the natural-sign balances of a pool's accounts.
type PoolBalances struct {
	TVL      int64 `json:"tvl"`
	LPTotal  int64 `json:"lp_total"`
	Premiums int64 `json:"premiums"`
	Fees     int64 `json:"fees"`
	Payouts  int64 `json:"payouts"`
}

// Conserved reports whether tvl == lp + premiums + fees - payouts.
func (b PoolBalances) Conserved() bool {
	return b.TVL == b.LPTotal+b.Premiums+b.Fees-b.Payouts
}

// SummarizePool turns signed projected balances (debits positive) into
// natural-sign pool balances and per-LP shares. Accounts of other pools
// are rejected.
func SummarizePool(poolID string, signed map[string]int64) (PoolBalances, map[string]int64, error) {
	var b PoolBalances
	lps := make(map[string]int64)
	for path, bal := range signed {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return b, nil, err
		}
		if key.PoolID != poolID {
			return b, nil, fmt.Errorf("account %s is not in pool %s", path, poolID)
		}
		switch key.SubType {
		case ledger.SubTypeReserve:
			b.TVL += bal
		case ledger.SubTypePayouts:
			b.Payouts += bal
		case ledger.SubTypePremiumIncome:
			b.Premiums -= bal
		case ledger.SubTypeFeeIncome:
			b.Fees -= bal
		case ledger.SubTypeLPShare:
			b.LPTotal -= bal
			if bal != 0 {
				lps[key.Holder] = -bal
			}
		}
	}
	return b, lps, nil
}
