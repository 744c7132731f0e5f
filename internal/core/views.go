package core

import (
	"fmt"

	"WingLedger/internal/domain"
	"WingLedger/internal/event"
	"WingLedger/internal/state"
)

// Public read API. Every read is served from live state and has no side
// effects.

// PolicyView is a policy with its status derived at read time.
type PolicyView struct {
	state.Policy
	Status string `json:"status"`
}

// Dashboard aggregates every pool.
type Dashboard struct {
	Pools           int   `json:"pools"`
	TotalTVL        int64 `json:"total_tvl"`
	TotalPremiums   int64 `json:"total_premiums"`
	TotalPayouts    int64 `json:"total_payouts"`
	TotalFees       int64 `json:"total_fees"`
	ActiveCoverage  int64 `json:"active_coverage"`
	ActiveLPs       int   `json:"active_lps"`
	ActivePolicies  int   `json:"active_policies"`
	ClaimedPolicies int   `json:"claimed_policies"`
	ExpiredPolicies int   `json:"expired_policies"`
	Sequence        int64 `json:"sequence"`
}

func (e *Engine) readPool(poolID string, fn func(p *state.Pool)) error {
	return e.pools.WithPool(poolID, func(p *state.Pool) error {
		fn(p)
		return nil
	})
}

func (e *Engine) GetPool(poolID string) (state.PoolInfo, error) {
	var info state.PoolInfo
	err := e.readPool(poolID, func(p *state.Pool) { info = p.Info() })
	return info, err
}

func (e *Engine) ListPools() []state.PoolInfo {
	return e.pools.Infos()
}

func (e *Engine) GetPoolTVL(poolID string) (int64, error) {
	var tvl int64
	err := e.readPool(poolID, func(p *state.Pool) { tvl = p.TVL() })
	return tvl, err
}

func (e *Engine) GetLPBalance(poolID, lp string) (int64, error) {
	var bal int64
	err := e.readPool(poolID, func(p *state.Pool) { bal = p.LPBalance(lp) })
	return bal, err
}

func (e *Engine) GetActiveLPCount(poolID string) (int, error) {
	var n int
	err := e.readPool(poolID, func(p *state.Pool) { n = p.ActiveLPCount() })
	return n, err
}

// GetUtilization returns active coverage over tvl in basis points.
func (e *Engine) GetUtilization(poolID string) (int64, error) {
	var u int64
	err := e.readPool(poolID, func(p *state.Pool) { u = p.Utilization() })
	return u, err
}

// GetAPY returns the pool's annualised LP yield in basis points.
func (e *Engine) GetAPY(poolID string) (int64, error) {
	var apy int64
	now := e.now()
	err := e.readPool(poolID, func(p *state.Pool) { apy = p.APY(now) })
	return apy, err
}

// GetCrowdFund returns a crowd-fund pool with its contributors.
func (e *Engine) GetCrowdFund(poolID string) (state.PoolInfo, error) {
	p, err := e.pools.Get(poolID)
	if err != nil {
		return state.PoolInfo{}, err
	}
	if p.Kind != state.PoolKindCrowdFund {
		return state.PoolInfo{}, fmt.Errorf("%w: %s is not a crowd-fund pool", domain.ErrPoolNotFound, poolID)
	}
	return e.GetPool(poolID)
}

func (e *Engine) view(p state.Policy) PolicyView {
	return PolicyView{Policy: p, Status: p.StatusAt(e.now()).String()}
}

func (e *Engine) views(policies []state.Policy) []PolicyView {
	out := make([]PolicyView, 0, len(policies))
	for _, p := range policies {
		out = append(out, e.view(p))
	}
	return out
}

func (e *Engine) GetPolicy(id uint64) (PolicyView, error) {
	p, err := e.registry.Get(id)
	if err != nil {
		return PolicyView{}, err
	}
	return e.view(p), nil
}

func (e *Engine) ListPoliciesByOwner(owner string) []PolicyView {
	return e.views(e.registry.ListByOwner(owner))
}

func (e *Engine) ListPoliciesByFlight(flightID string) []PolicyView {
	return e.views(e.registry.ListByFlight(event.NormalizeFlightID(flightID)))
}

func (e *Engine) GetDashboard() Dashboard {
	var d Dashboard
	for _, info := range e.pools.Infos() {
		d.Pools++
		d.TotalTVL += info.TVL
		d.TotalPremiums += info.TotalPremiums
		d.TotalPayouts += info.TotalPayouts
		d.TotalFees += info.TotalFees
		d.ActiveCoverage += info.ActiveCoverage
		d.ActiveLPs += info.ActiveLPs
	}
	counts := e.registry.CountByStatus(e.now())
	d.ActivePolicies = counts[state.PolicyStatusActive]
	d.ClaimedPolicies = counts[state.PolicyStatusClaimed]
	d.ExpiredPolicies = counts[state.PolicyStatusExpired]
	d.Sequence = e.GetSequence()
	return d
}
