package event

import (
	"fmt"
	"time"
)

// LiquidityDeposited credits an LP's share of a pool.
type LiquidityDeposited struct {
	RequestID string    `json:"request_id"`
	Pool      string    `json:"pool_id"`
	LP        string    `json:"lp"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *LiquidityDeposited) IdempotencyKey() string {
	return e.RequestID
}

func (e *LiquidityDeposited) EventType() EventType {
	return EventTypeLiquidityDeposited
}

func (e *LiquidityDeposited) PoolID() string {
	return e.Pool
}

func (e *LiquidityDeposited) OccurredAt() time.Time {
	return e.Timestamp
}

// LiquidityWithdrawn burns an LP's share. Fee is the part retained by the
// pool; it is fixed when the withdrawal is accepted so replay never depends
// on the current fee configuration.
type LiquidityWithdrawn struct {
	RequestID string    `json:"request_id"`
	Pool      string    `json:"pool_id"`
	LP        string    `json:"lp"`
	Amount    int64     `json:"amount"`
	Fee       int64     `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *LiquidityWithdrawn) IdempotencyKey() string {
	return e.RequestID
}

func (e *LiquidityWithdrawn) EventType() EventType {
	return EventTypeLiquidityWithdrawn
}

func (e *LiquidityWithdrawn) PoolID() string {
	return e.Pool
}

func (e *LiquidityWithdrawn) OccurredAt() time.Time {
	return e.Timestamp
}

// Contribution is one named backer of a crowd-fund pool.
type Contribution struct {
	Backer string `json:"backer"`
	Amount int64  `json:"amount"`
}

// CrowdFundCreated opens an ad-hoc pool backing a single flight.
type CrowdFundCreated struct {
	RequestID        string         `json:"request_id"`
	Pool             string         `json:"pool_id"`
	FlightID         string         `json:"flight_id"`
	RequiredCoverage int64          `json:"required_coverage"`
	FundingDeadline  time.Time      `json:"funding_deadline"`
	Backers          []Contribution `json:"backers"`
	Timestamp        time.Time      `json:"timestamp"`
}

func (e *CrowdFundCreated) IdempotencyKey() string {
	return e.RequestID
}

func (e *CrowdFundCreated) EventType() EventType {
	return EventTypeCrowdFundCreated
}

func (e *CrowdFundCreated) PoolID() string {
	return e.Pool
}

func (e *CrowdFundCreated) OccurredAt() time.Time {
	return e.Timestamp
}

func (e *CrowdFundCreated) FlightKey() string {
	return e.FlightID
}

// CrowdFundCancelled closes a crowd-fund pool that missed its funding deadline.
type CrowdFundCancelled struct {
	Pool      string    `json:"pool_id"`
	Raised    int64     `json:"raised"`
	Required  int64     `json:"required"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *CrowdFundCancelled) IdempotencyKey() string {
	return fmt.Sprintf("crowdfund-cancel:%s", e.Pool)
}

func (e *CrowdFundCancelled) EventType() EventType {
	return EventTypeCrowdFundCancelled
}

func (e *CrowdFundCancelled) PoolID() string {
	return e.Pool
}

func (e *CrowdFundCancelled) OccurredAt() time.Time {
	return e.Timestamp
}
