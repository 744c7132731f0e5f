package domain

import "time"

// SettlementAlert asks an operator to look at a policy that could not be
// settled, typically because its pool is undercapitalized.
type SettlementAlert struct {
	FlightID     string    `json:"flight_id"`
	PolicyID     uint64    `json:"policy_id"`
	PoolID       string    `json:"pool_id"`
	Reason       string    `json:"reason"`
	Payout       int64     `json:"payout"`
	PoolTVL      int64     `json:"pool_tvl"`
	ReportID     string    `json:"report_id"`
	RaisedAt     time.Time `json:"raised_at"`
	ErrorMessage string    `json:"error"`
}
