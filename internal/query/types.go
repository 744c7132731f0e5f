package query

import "time"

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	PoolID        string `json:"pool_id"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// SettlementResponse is one settled policy from the settlements projection.
type SettlementResponse struct {
	Sequence     int64     `json:"sequence"`
	PolicyID     uint64    `json:"policy_id"`
	PoolID       string    `json:"pool_id"`
	FlightID     string    `json:"flight_id"`
	FlightStatus string    `json:"flight_status"`
	Payout       int64     `json:"payout"`
	ReportID     string    `json:"report_id"`
	SettledAt    time.Time `json:"settled_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// FlightReportResponse is one accepted oracle report.
type FlightReportResponse struct {
	ReportID   string    `json:"report_id"`
	FlightID   string    `json:"flight_id"`
	Status     string    `json:"status"`
	Reporter   string    `json:"reporter"`
	ReportedAt time.Time `json:"reported_at"`
	Sequence   int64     `json:"sequence"`
}

// ProjectedDashboard aggregates the pool projections.
type ProjectedDashboard struct {
	Pools          int   `json:"pools"`
	TotalTVL       int64 `json:"total_tvl"`
	TotalPremiums  int64 `json:"total_premiums"`
	TotalPayouts   int64 `json:"total_payouts"`
	TotalFees      int64 `json:"total_fees"`
	ActiveCoverage int64 `json:"active_coverage"`
	ActivePolicies int64 `json:"active_policies"`
	ActiveLPs      int   `json:"active_lps"`
	AsOfSequence   int64 `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool             `json:"is_healthy"`
	CheckedEvents   int64            `json:"checked_events"`
	HashChainBreaks []int64          `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64          `json:"sequence_gaps,omitempty"`
	UnbalancedPools []UnbalancedPool `json:"unbalanced_pools,omitempty"`
}

// UnbalancedPool is a pool whose journal entries do not sum to zero.
type UnbalancedPool struct {
	PoolID    string `json:"pool_id"`
	Imbalance int64  `json:"imbalance"`
}
