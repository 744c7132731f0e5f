package state

import (
	"fmt"
	"sync"
	"time"

	"WingLedger/internal/domain"
	"WingLedger/internal/ledger"
	fpmath "WingLedger/internal/math"
)

type PoolKind int32

const (
	PoolKindGlobal PoolKind = iota
	PoolKindAirline
	PoolKindCrowdFund
)

func (k PoolKind) String() string {
	switch k {
	case PoolKindGlobal:
		return "global"
	case PoolKindAirline:
		return "airline"
	case PoolKindCrowdFund:
		return "crowdfund"
	default:
		return "unknown"
	}
}

type PoolStatus int32

const (
	PoolStatusOpen PoolStatus = iota
	PoolStatusPending
	PoolStatusCancelled
)

func (s PoolStatus) String() string {
	switch s {
	case PoolStatusOpen:
		return "open"
	case PoolStatusPending:
		return "pending"
	case PoolStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// GlobalPoolID is the pool every deployment starts with.
const GlobalPoolID = "global"

// KnownAirlines are the airline codes that may back an airline pool.
var KnownAirlines = []string{"EK", "AI", "SQ", "QR", "BA", "LH", "AF", "UA", "DL", "AA"}

// IsKnownAirline reports whether code is one of KnownAirlines.
func IsKnownAirline(code string) bool {
	for _, a := range KnownAirlines {
		if a == code {
			return true
		}
	}
	return false
}

// Pool is one risk pool. Every exported mutator must be called with the pool
// locked (PoolLedger.WithPool does this); each applies one balanced batch and
// re-checks capital conservation before returning.
type Pool struct {
	mu sync.Mutex

	ID        string
	Kind      PoolKind
	Status    PoolStatus
	CreatedAt time.Time

	// crowd-fund only
	FlightID         string
	RequiredCoverage int64
	FundingDeadline  time.Time

	// FundedAt is the timestamp of the first capital booked into the pool.
	FundedAt time.Time

	activeCoverage int64

	tracker   *ledger.BalanceTracker
	generator *ledger.JournalGenerator
	validator *ledger.InvariantValidator
}

func newPool(id string, kind PoolKind, createdAt time.Time) *Pool {
	tracker := ledger.NewBalanceTracker(id)
	return &Pool{
		ID:        id,
		Kind:      kind,
		Status:    PoolStatusOpen,
		CreatedAt: createdAt,
		tracker:   tracker,
		generator: ledger.NewJournalGenerator(tracker),
		validator: ledger.NewInvariantValidator(tracker),
	}
}

func (p *Pool) apply(batch *ledger.Batch) {
	if err := p.tracker.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: pool %s: %v", p.ID, err))
	}
	if err := p.validator.ValidateCapitalConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: pool %s: %v", p.ID, err))
	}
}

// Settleable reports whether policies on this pool may be paid.
func (p *Pool) Settleable() bool {
	return p.Kind != PoolKindCrowdFund || p.Status == PoolStatusOpen
}

// AcceptsCapital reports whether deposits and purchases are allowed.
func (p *Pool) AcceptsCapital() error {
	if p.Status == PoolStatusCancelled {
		return fmt.Errorf("%w: pool %s was cancelled", domain.ErrUnderfundedPool, p.ID)
	}
	return nil
}

// WithdrawalFee is the part of a withdrawal the pool retains.
// Cancelled crowd-fund pools refund contributors in full.
func (p *Pool) WithdrawalFee(amount, feeBps int64) int64 {
	if p.Status == PoolStatusCancelled {
		return 0
	}
	return fpmath.MulBps(amount, feeBps)
}

// Deposit credits lp's share and the reserve by amount.
func (p *Pool) Deposit(lp string, amount int64, eventRef string, timestamp int64) (*ledger.Batch, error) {
	if err := p.AcceptsCapital(); err != nil {
		return nil, err
	}
	batch, err := p.generator.GenerateDeposit(lp, amount, eventRef, timestamp)
	if err != nil {
		return nil, err
	}
	p.apply(batch)
	p.markFunded(timestamp)
	p.checkFunded()
	return batch, nil
}

// Contribute books the initial backers of a crowd-fund pool.
func (p *Pool) Contribute(backers []ledger.Contribution, eventRef string, timestamp int64) (*ledger.Batch, error) {
	if err := p.AcceptsCapital(); err != nil {
		return nil, err
	}
	if len(backers) == 0 {
		return nil, nil
	}
	batch, err := p.generator.GenerateContributions(backers, eventRef, timestamp)
	if err != nil {
		return nil, err
	}
	p.apply(batch)
	p.markFunded(timestamp)
	p.checkFunded()
	return batch, nil
}

// Withdraw burns amount of lp's share; fee stays in the pool.
func (p *Pool) Withdraw(lp string, amount, fee int64, eventRef string, timestamp int64) (*ledger.Batch, error) {
	batch, err := p.generator.GenerateWithdrawal(lp, amount, fee, eventRef, timestamp)
	if err != nil {
		return nil, err
	}
	p.apply(batch)
	return batch, nil
}

// CreditPremium books a premium and takes on coverage as exposure.
func (p *Pool) CreditPremium(premium, coverage int64, eventRef string, timestamp int64) (*ledger.Batch, error) {
	if coverage <= 0 {
		return nil, fmt.Errorf("%w: coverage %d", domain.ErrInvalidAmount, coverage)
	}
	exposure, err := fpmath.AddChecked(p.activeCoverage, coverage)
	if err != nil {
		return nil, fmt.Errorf("%w: coverage %d overflows pool exposure %d", domain.ErrInvalidAmount, coverage, p.activeCoverage)
	}
	batch, err := p.generator.GeneratePremium(premium, eventRef, timestamp)
	if err != nil {
		return nil, err
	}
	p.apply(batch)
	p.activeCoverage = exposure
	return batch, nil
}

// DebitPayout pays a claim. The whole amount is paid or nothing is.
// A zero payout releases exposure without a batch.
func (p *Pool) DebitPayout(payout, coverage int64, eventRef string, timestamp int64) (*ledger.Batch, error) {
	if !p.Settleable() {
		return nil, fmt.Errorf("%w: pool %s is %s", domain.ErrUnderfundedPool, p.ID, p.Status)
	}
	if payout < 0 {
		return nil, fmt.Errorf("%w: payout %d", domain.ErrInvalidAmount, payout)
	}

	var batch *ledger.Batch
	if payout > 0 {
		var err error
		batch, err = p.generator.GeneratePayout(payout, eventRef, timestamp)
		if err != nil {
			return nil, err
		}
		p.apply(batch)
	}
	p.ReleaseExposure(coverage)
	return batch, nil
}

// ReleaseExposure removes coverage from the pool's active exposure.
func (p *Pool) ReleaseExposure(coverage int64) {
	p.activeCoverage -= coverage
	if p.activeCoverage < 0 {
		p.activeCoverage = 0
	}
}

// Cancel closes a crowd-fund pool that missed its funding deadline.
func (p *Pool) Cancel() {
	p.Status = PoolStatusCancelled
}

// FundingExpired reports whether a pending crowd-fund pool is past its deadline.
func (p *Pool) FundingExpired(now time.Time) bool {
	return p.Kind == PoolKindCrowdFund &&
		p.Status == PoolStatusPending &&
		!p.FundingDeadline.IsZero() &&
		now.After(p.FundingDeadline)
}

// checkFunded flips a pending crowd-fund pool to Open; funded status is sticky.
func (p *Pool) checkFunded() {
	if p.Kind == PoolKindCrowdFund && p.Status == PoolStatusPending &&
		p.tracker.TotalLPShares() >= p.RequiredCoverage {
		p.Status = PoolStatusOpen
	}
}

func (p *Pool) TVL() int64                { return p.tracker.TVL() }
func (p *Pool) LPBalance(lp string) int64 { return p.tracker.LPBalance(lp) }
func (p *Pool) ActiveLPCount() int        { return p.tracker.ActiveLPCount() }
func (p *Pool) TotalPremiums() int64      { return p.tracker.TotalPremiums() }
func (p *Pool) TotalPayouts() int64       { return p.tracker.TotalPayouts() }
func (p *Pool) TotalFees() int64          { return p.tracker.TotalFees() }
func (p *Pool) ActiveCoverage() int64     { return p.activeCoverage }
func (p *Pool) Tracker() *ledger.BalanceTracker {
	return p.tracker
}

// Utilization is active coverage over tvl in basis points.
func (p *Pool) Utilization() int64 {
	return fpmath.RatioBps(p.activeCoverage, p.tracker.TVL())
}

// minAPYWindow keeps a freshly funded pool from reporting a runaway rate.
const minAPYWindow = 24 * time.Hour

// APY is net income (premiums plus fees less payouts) over LP capital,
// annualised over the time since the pool was first funded, in basis points.
// Windows shorter than minAPYWindow are measured as minAPYWindow.
func (p *Pool) APY(now time.Time) int64 {
	if p.FundedAt.IsZero() {
		return 0
	}
	capital := p.tracker.TotalLPShares()
	// tvl = capital + net income, so the difference always fits.
	net := p.tracker.TVL() - capital
	window := now.Sub(p.FundedAt)
	if window < minAPYWindow {
		window = minAPYWindow
	}
	return fpmath.AnnualizedBps(net, capital, int64(window/time.Second))
}

func (p *Pool) markFunded(timestamp int64) {
	if p.FundedAt.IsZero() {
		p.FundedAt = time.UnixMicro(timestamp).UTC()
	}
}

// PoolInfo is a point-in-time copy of a pool for readers.
type PoolInfo struct {
	ID               string           `json:"pool_id"`
	Kind             string           `json:"kind"`
	Status           string           `json:"status"`
	TVL              int64            `json:"tvl"`
	TotalPremiums    int64            `json:"total_premiums"`
	TotalPayouts     int64            `json:"total_payouts"`
	TotalFees        int64            `json:"total_fees"`
	ActiveCoverage   int64            `json:"active_coverage"`
	UtilizationBps   int64            `json:"utilization_bps"`
	ActiveLPs        int              `json:"active_lps"`
	FlightID         string           `json:"flight_id,omitempty"`
	RequiredCoverage int64            `json:"required_coverage,omitempty"`
	Raised           int64            `json:"raised,omitempty"`
	FundingDeadline  *time.Time       `json:"funding_deadline,omitempty"`
	Contributors     []ledger.LPShare `json:"contributors,omitempty"`
}

// Info copies the pool. The caller must hold the pool lock.
func (p *Pool) Info() PoolInfo {
	info := PoolInfo{
		ID:             p.ID,
		Kind:           p.Kind.String(),
		Status:         p.Status.String(),
		TVL:            p.tracker.TVL(),
		TotalPremiums:  p.tracker.TotalPremiums(),
		TotalPayouts:   p.tracker.TotalPayouts(),
		TotalFees:      p.tracker.TotalFees(),
		ActiveCoverage: p.activeCoverage,
		UtilizationBps: p.Utilization(),
		ActiveLPs:      p.tracker.ActiveLPCount(),
	}
	if p.Kind == PoolKindCrowdFund {
		deadline := p.FundingDeadline
		info.FlightID = p.FlightID
		info.RequiredCoverage = p.RequiredCoverage
		info.Raised = p.tracker.TotalLPShares()
		info.FundingDeadline = &deadline
		info.Contributors = p.tracker.LPBalances()
	}
	return info
}

// PoolSnapshot is the serializable form of a pool.
type PoolSnapshot struct {
	ID               string           `json:"id"`
	Kind             PoolKind         `json:"kind"`
	Status           PoolStatus       `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	FlightID         string           `json:"flight_id,omitempty"`
	RequiredCoverage int64            `json:"required_coverage,omitempty"`
	FundingDeadline  time.Time        `json:"funding_deadline,omitempty"`
	FundedAt         time.Time        `json:"funded_at,omitempty"`
	ActiveCoverage   int64            `json:"active_coverage"`
	Balances         map[string]int64 `json:"balances"`
}

// Snapshot copies the pool. The caller must hold the pool lock.
func (p *Pool) Snapshot() PoolSnapshot {
	balances := make(map[string]int64)
	for key, bal := range p.tracker.Snapshot() {
		balances[key.AccountPath()] = bal
	}
	return PoolSnapshot{
		ID:               p.ID,
		Kind:             p.Kind,
		Status:           p.Status,
		CreatedAt:        p.CreatedAt,
		FlightID:         p.FlightID,
		RequiredCoverage: p.RequiredCoverage,
		FundingDeadline:  p.FundingDeadline,
		FundedAt:         p.FundedAt,
		ActiveCoverage:   p.activeCoverage,
		Balances:         balances,
	}
}

func restorePool(snap PoolSnapshot) (*Pool, error) {
	p := newPool(snap.ID, snap.Kind, snap.CreatedAt)
	p.Status = snap.Status
	p.FlightID = snap.FlightID
	p.RequiredCoverage = snap.RequiredCoverage
	p.FundingDeadline = snap.FundingDeadline
	p.FundedAt = snap.FundedAt
	p.activeCoverage = snap.ActiveCoverage

	for path, bal := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("restore pool %s: %w", snap.ID, err)
		}
		if key.PoolID != snap.ID {
			return nil, fmt.Errorf("restore pool %s: account %s belongs to another pool", snap.ID, path)
		}
		p.tracker.SetBalance(key, bal)
	}
	if err := p.validator.ValidateCapitalConservation(); err != nil {
		return nil, fmt.Errorf("restore pool %s: %w", snap.ID, err)
	}
	return p, nil
}
