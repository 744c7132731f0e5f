package state_test

import (
	"errors"
	stdmath "math"
	"strings"
	"testing"
	"time"

	"WingLedger/internal/domain"
	"WingLedger/internal/event"
	"WingLedger/internal/ledger"
	"WingLedger/internal/state"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newGlobalPool(t *testing.T) (*state.PoolLedger, *state.Pool) {
	t.Helper()
	pl := state.NewPoolLedger()
	p, err := pl.Create(state.GlobalPoolID, state.PoolKindGlobal, t0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return pl, p
}

// ============================================================================
// Test: Pool
// ============================================================================

func TestPool_DepositPremiumPayout(t *testing.T) {
	pl, _ := newGlobalPool(t)

	err := pl.WithPool(state.GlobalPoolID, func(p *state.Pool) error {
		if _, err := p.Deposit("0xlp", 10_000, "dep", 1); err != nil {
			return err
		}
		if _, err := p.CreditPremium(25, 500, "buy", 2); err != nil {
			return err
		}
		if p.TVL() != 10_025 {
			t.Errorf("tvl: got %d, want 10025", p.TVL())
		}
		if p.ActiveCoverage() != 500 {
			t.Errorf("active coverage: got %d, want 500", p.ActiveCoverage())
		}
		if _, err := p.DebitPayout(250, 500, "settle", 3); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithPool: %v", err)
	}

	p, _ := pl.Get(state.GlobalPoolID)
	if p.TVL() != 9_775 {
		t.Errorf("tvl: got %d, want 9775", p.TVL())
	}
	if p.ActiveCoverage() != 0 {
		t.Errorf("active coverage: got %d, want 0", p.ActiveCoverage())
	}
}

func TestPool_ZeroPayoutHasNoBatch(t *testing.T) {
	_, p := newGlobalPool(t)
	if _, err := p.Deposit("0xlp", 100, "dep", 1); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	batch, err := p.DebitPayout(0, 50, "settle", 2)
	if err != nil {
		t.Fatalf("DebitPayout: %v", err)
	}
	if batch != nil {
		t.Error("zero payout should not produce a batch")
	}
}

func TestPool_InsufficientCapitalLeavesState(t *testing.T) {
	_, p := newGlobalPool(t)
	if _, err := p.Deposit("0xlp", 500, "dep", 1); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := p.CreditPremium(10, 1_000, "buy", 2); err != nil {
		t.Fatalf("CreditPremium: %v", err)
	}

	_, err := p.DebitPayout(1_000, 1_000, "settle", 3)
	if !errors.Is(err, domain.ErrInsufficientPoolCapital) {
		t.Fatalf("got %v, want ErrInsufficientPoolCapital", err)
	}
	if p.TVL() != 510 {
		t.Errorf("tvl: got %d, want 510", p.TVL())
	}
	if p.ActiveCoverage() != 1_000 {
		t.Errorf("exposure must stay held, got %d", p.ActiveCoverage())
	}
}

func TestPool_OverflowLeavesState(t *testing.T) {
	_, p := newGlobalPool(t)
	if _, err := p.Deposit("0xa", stdmath.MaxInt64, "dep-a", 1); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	if _, err := p.Deposit("0xb", 1, "dep-b", 2); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("second deposit: got %v, want ErrInvalidAmount", err)
	}
	if p.TVL() != stdmath.MaxInt64 {
		t.Errorf("tvl: got %d, want %d", p.TVL(), int64(stdmath.MaxInt64))
	}
	if p.LPBalance("0xb") != 0 {
		t.Errorf("lp b: got %d, want 0", p.LPBalance("0xb"))
	}
}

func TestPool_CoverageOverflowLeavesState(t *testing.T) {
	_, p := newGlobalPool(t)
	if _, err := p.Deposit("0xlp", 1_000, "dep", 1); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := p.CreditPremium(10, stdmath.MaxInt64, "buy-1", 2); err != nil {
		t.Fatalf("CreditPremium: %v", err)
	}

	if _, err := p.CreditPremium(10, 1, "buy-2", 3); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}
	if p.TVL() != 1_010 || p.TotalPremiums() != 10 {
		t.Errorf("premium booked on rejected purchase: tvl %d premiums %d", p.TVL(), p.TotalPremiums())
	}
	if p.ActiveCoverage() != stdmath.MaxInt64 {
		t.Errorf("active coverage: got %d", p.ActiveCoverage())
	}
}

func TestPool_Utilization(t *testing.T) {
	_, p := newGlobalPool(t)

	if p.Utilization() != 0 {
		t.Errorf("empty pool utilization: got %d, want 0", p.Utilization())
	}
	if _, err := p.Deposit("0xlp", 9_990, "dep", 1); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := p.CreditPremium(10, 2_500, "buy", 2); err != nil {
		t.Fatalf("CreditPremium: %v", err)
	}
	if got := p.Utilization(); got != 2_500 {
		t.Errorf("utilization: got %d, want 2500", got)
	}
}

func TestPool_WithdrawalFee(t *testing.T) {
	_, p := newGlobalPool(t)
	if got := p.WithdrawalFee(2_000, 50); got != 10 {
		t.Errorf("fee: got %d, want 10", got)
	}
	if got := p.WithdrawalFee(2_000, 0); got != 0 {
		t.Errorf("fee: got %d, want 0", got)
	}
}

// ============================================================================
// Test: Crowd-fund pools
// ============================================================================

func TestCrowdFund_FlipsOpenWhenFunded(t *testing.T) {
	pl := state.NewPoolLedger()
	p, err := pl.CreateCrowdFund("cf-1", "EK524", 1_000, t0.Add(24*time.Hour), t0)
	if err != nil {
		t.Fatalf("CreateCrowdFund: %v", err)
	}

	if _, err := p.Contribute([]ledger.Contribution{{Backer: "0xa", Amount: 400}}, "cf", 1); err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if p.Status != state.PoolStatusPending {
		t.Fatalf("status: got %s, want pending", p.Status)
	}
	if p.Settleable() {
		t.Error("pending pool should not be settleable")
	}
	if _, err := p.DebitPayout(10, 10, "settle", 2); !errors.Is(err, domain.ErrUnderfundedPool) {
		t.Errorf("got %v, want ErrUnderfundedPool", err)
	}

	if _, err := p.Deposit("0xb", 600, "dep", 3); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if p.Status != state.PoolStatusOpen {
		t.Fatalf("status: got %s, want open", p.Status)
	}

	// funded status is sticky
	if _, err := p.Withdraw("0xb", 600, 0, "wd", 4); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if p.Status != state.PoolStatusOpen {
		t.Errorf("status after withdraw: got %s, want open", p.Status)
	}
}

func TestCrowdFund_Cancelled(t *testing.T) {
	pl := state.NewPoolLedger()
	deadline := t0.Add(time.Hour)
	p, err := pl.CreateCrowdFund("cf-2", "SQ25", 1_000, deadline, t0)
	if err != nil {
		t.Fatalf("CreateCrowdFund: %v", err)
	}
	if _, err := p.Contribute([]ledger.Contribution{{Backer: "0xa", Amount: 400}}, "cf", 1); err != nil {
		t.Fatalf("Contribute: %v", err)
	}

	if p.FundingExpired(deadline) {
		t.Error("deadline instant is not yet expired")
	}
	if !p.FundingExpired(deadline.Add(time.Second)) {
		t.Fatal("pending pool past deadline should be expired")
	}
	p.Cancel()

	if _, err := p.Deposit("0xb", 10, "dep", 2); !errors.Is(err, domain.ErrUnderfundedPool) {
		t.Errorf("deposit into cancelled pool: got %v, want ErrUnderfundedPool", err)
	}
	if fee := p.WithdrawalFee(400, 50); fee != 0 {
		t.Errorf("cancelled pool fee: got %d, want 0", fee)
	}
	if _, err := p.Withdraw("0xa", 400, 0, "wd", 3); err != nil {
		t.Fatalf("refund withdraw: %v", err)
	}
	if p.TVL() != 0 {
		t.Errorf("tvl: got %d, want 0", p.TVL())
	}
}

// ============================================================================
// Test: PoolLedger
// ============================================================================

func TestPoolLedger_CreateAndLookup(t *testing.T) {
	pl, _ := newGlobalPool(t)

	if _, err := pl.Create(state.GlobalPoolID, state.PoolKindGlobal, t0); !errors.Is(err, domain.ErrPoolExists) {
		t.Errorf("got %v, want ErrPoolExists", err)
	}
	if _, err := pl.Create("ZZ", state.PoolKindAirline, t0); err == nil {
		t.Error("unknown airline should be rejected")
	}
	if _, err := pl.Create("EK", state.PoolKindAirline, t0); err != nil {
		t.Fatalf("Create EK: %v", err)
	}
	if _, err := pl.Get("nope"); !errors.Is(err, domain.ErrPoolNotFound) {
		t.Errorf("got %v, want ErrPoolNotFound", err)
	}

	pools := pl.List()
	if len(pools) != 2 || pools[0].ID != "EK" || pools[1].ID != "global" {
		t.Errorf("List order wrong: %d pools", len(pools))
	}
}

func TestPoolLedger_SnapshotRestore(t *testing.T) {
	pl, p := newGlobalPool(t)
	if _, err := p.Deposit("0xlp", 1_000, "dep", 1); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := p.CreditPremium(20, 300, "buy", 2); err != nil {
		t.Fatalf("CreditPremium: %v", err)
	}

	snap := pl.Snapshot()

	restored := state.NewPoolLedger()
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	rp, err := restored.Get(state.GlobalPoolID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rp.TVL() != 1_020 || rp.LPBalance("0xlp") != 1_000 || rp.ActiveCoverage() != 300 {
		t.Errorf("restored pool mismatch: tvl=%d lp=%d cov=%d", rp.TVL(), rp.LPBalance("0xlp"), rp.ActiveCoverage())
	}
}

func TestPoolLedger_RejectsUnsafePoolIDs(t *testing.T) {
	pl := state.NewPoolLedger()
	long := strings.Repeat("a", domain.MaxPoolIDLength+1)
	for _, id := range []string{"cf:1", "cf 1", "", long, "pool/../x"} {
		if _, err := pl.CreateCrowdFund(id, "EK524", 100, t0.Add(time.Hour), t0); !errors.Is(err, domain.ErrInvalidPool) {
			t.Errorf("CreateCrowdFund(%q): got %v, want ErrInvalidPool", id, err)
		}
	}
	if _, err := pl.Create("glo:bal", state.PoolKindGlobal, t0); !errors.Is(err, domain.ErrInvalidPool) {
		t.Errorf("Create: got %v, want ErrInvalidPool", err)
	}
	if len(pl.List()) != 0 {
		t.Errorf("rejected ids registered %d pools", len(pl.List()))
	}
}

func TestPoolLedger_CrowdFundSnapshotRestore(t *testing.T) {
	pl := state.NewPoolLedger()
	id := "cf-EK_524-" + strings.Repeat("x", 10)
	if _, err := pl.CreateCrowdFund(id, "EK524", 100, t0.Add(time.Hour), t0); err != nil {
		t.Fatalf("CreateCrowdFund: %v", err)
	}
	err := pl.WithPool(id, func(p *state.Pool) error {
		_, err := p.Contribute([]ledger.Contribution{{Backer: "did:pkh:0xa", Amount: 100}}, "cf", 1)
		return err
	})
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}

	restored := state.NewPoolLedger()
	if err := restored.Restore(pl.Snapshot()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	rp, err := restored.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rp.Status != state.PoolStatusOpen || rp.LPBalance("did:pkh:0xa") != 100 {
		t.Errorf("restored: status %s lp %d", rp.Status, rp.LPBalance("did:pkh:0xa"))
	}
}

// ============================================================================
// Test: PolicyRegistry
// ============================================================================

func newPolicy(id uint64, flight, owner string) state.Policy {
	return state.Policy{
		ID:          id,
		Owner:       owner,
		FlightID:    flight,
		PNR:         "ABC123",
		PoolID:      state.GlobalPoolID,
		Coverage:    500,
		Premium:     25,
		PurchasedAt: t0,
		Expiry:      t0.Add(7 * 24 * time.Hour),
	}
}

func TestPolicyRegistry_MintAndList(t *testing.T) {
	r := state.NewPolicyRegistry()

	for i := 0; i < 3; i++ {
		id := r.ReserveID()
		if id != uint64(i+1) {
			t.Fatalf("ReserveID: got %d, want %d", id, i+1)
		}
		flight := "EK524"
		if i == 1 {
			flight = "SQ25"
		}
		if _, err := r.Mint(newPolicy(id, flight, "0xowner")); err != nil {
			t.Fatalf("Mint: %v", err)
		}
	}

	byFlight := r.ListByFlight("EK524")
	if len(byFlight) != 2 || byFlight[0].ID != 1 || byFlight[1].ID != 3 {
		t.Errorf("ListByFlight: got %+v", byFlight)
	}
	if got := len(r.ListByOwner("0xowner")); got != 3 {
		t.Errorf("ListByOwner: got %d, want 3", got)
	}
	if _, err := r.Get(99); !errors.Is(err, domain.ErrPolicyNotFound) {
		t.Errorf("got %v, want ErrPolicyNotFound", err)
	}
}

func TestPolicyRegistry_MintValidation(t *testing.T) {
	r := state.NewPolicyRegistry()

	bad := newPolicy(1, "EK524", "0xowner")
	bad.Coverage = 0
	if _, err := r.Mint(bad); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}

	bad = newPolicy(1, "", "0xowner")
	if _, err := r.Mint(bad); !errors.Is(err, domain.ErrInvalidPolicy) {
		t.Errorf("got %v, want ErrInvalidPolicy", err)
	}

	if _, err := r.Mint(newPolicy(1, "EK524", "0xowner")); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := r.Mint(newPolicy(1, "EK524", "0xowner")); !errors.Is(err, domain.ErrInvalidPolicy) {
		t.Errorf("duplicate id: got %v, want ErrInvalidPolicy", err)
	}
	if id := r.ReserveID(); id != 2 {
		t.Errorf("ReserveID after mint: got %d, want 2", id)
	}
}

func TestPolicyRegistry_MarkSettledIdempotent(t *testing.T) {
	r := state.NewPolicyRegistry()
	if _, err := r.Mint(newPolicy(1, "EK524", "0xowner")); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	applied, err := r.MarkSettled(1, 250, event.FlightStatusDelayed, t0.Add(time.Hour))
	if err != nil || !applied {
		t.Fatalf("first MarkSettled: applied=%v err=%v", applied, err)
	}
	applied, err = r.MarkSettled(1, 500, event.FlightStatusCancelled, t0.Add(2*time.Hour))
	if err != nil || applied {
		t.Fatalf("second MarkSettled: applied=%v err=%v", applied, err)
	}

	p, _ := r.Get(1)
	if !p.PayoutExecuted || p.PayoutAmount != 250 || p.SettledStatus != event.FlightStatusDelayed {
		t.Errorf("policy changed by second settle: %+v", p)
	}
}

func TestPolicy_StatusAt(t *testing.T) {
	p := newPolicy(1, "EK524", "0xowner")

	if s := p.StatusAt(p.Expiry); s != state.PolicyStatusActive {
		t.Errorf("at expiry: got %s, want active", s)
	}
	if s := p.StatusAt(p.Expiry.Add(time.Nanosecond)); s != state.PolicyStatusExpired {
		t.Errorf("after expiry: got %s, want expired", s)
	}
	p.PayoutExecuted = true
	if s := p.StatusAt(p.Expiry.Add(time.Hour)); s != state.PolicyStatusClaimed {
		t.Errorf("claimed: got %s, want claimed", s)
	}
}

func TestPolicyRegistry_ExpiredUnreleased(t *testing.T) {
	r := state.NewPolicyRegistry()
	for id := uint64(1); id <= 3; id++ {
		if _, err := r.Mint(newPolicy(id, "EK524", "0xowner")); err != nil {
			t.Fatalf("Mint: %v", err)
		}
	}
	if _, err := r.MarkSettled(2, 0, event.FlightStatusOnTime, t0); err != nil {
		t.Fatalf("MarkSettled: %v", err)
	}

	later := t0.Add(8 * 24 * time.Hour)
	expired := r.ExpiredUnreleased(later)
	if len(expired) != 2 || expired[0].ID != 1 || expired[1].ID != 3 {
		t.Fatalf("ExpiredUnreleased: got %+v", expired)
	}

	if ok, _ := r.MarkExpiryReleased(1); !ok {
		t.Error("first release should apply")
	}
	if ok, _ := r.MarkExpiryReleased(1); ok {
		t.Error("second release should be a no-op")
	}
	if got := len(r.ExpiredUnreleased(later)); got != 1 {
		t.Errorf("after release: got %d, want 1", got)
	}
}

func TestPolicyRegistry_SnapshotRestore(t *testing.T) {
	r := state.NewPolicyRegistry()
	for id := uint64(1); id <= 2; id++ {
		if _, err := r.Mint(newPolicy(id, "EK524", "0xowner")); err != nil {
			t.Fatalf("Mint: %v", err)
		}
	}
	r.ReserveID() // reserved but never minted

	restored := state.NewPolicyRegistry()
	restored.Restore(r.Snapshot())

	if got := len(restored.ListByFlight("EK524")); got != 2 {
		t.Errorf("restored flight index: got %d, want 2", got)
	}
	if id := restored.ReserveID(); id != 4 {
		t.Errorf("restored next id: got %d, want 4", id)
	}
}

// ============================================================================
// Test: PayoutTable
// ============================================================================

func TestPayoutTable_Default(t *testing.T) {
	cases := []struct {
		status event.FlightStatus
		want   int64
	}{
		{event.FlightStatusOnTime, 0},
		{event.FlightStatusDelayed, 250},
		{event.FlightStatusCancelled, 500},
	}
	for _, tc := range cases {
		got, err := state.DefaultPayoutTable.Payout(500, tc.status)
		if err != nil {
			t.Fatalf("Payout(%s): %v", tc.status, err)
		}
		if got != tc.want {
			t.Errorf("Payout(%s): got %d, want %d", tc.status, got, tc.want)
		}
	}

	if _, err := state.DefaultPayoutTable.Payout(500, event.FlightStatusUnknown); !errors.Is(err, domain.ErrInvalidReport) {
		t.Errorf("unknown status: got %v, want ErrInvalidReport", err)
	}
	if err := state.DefaultPayoutTable.Validate(); err != nil {
		t.Errorf("default table invalid: %v", err)
	}
	if err := (state.PayoutTable{event.FlightStatusDelayed: 12_000}).Validate(); err == nil {
		t.Error("ratio above 100% should be rejected")
	}
}

func TestPayoutTable_OddCoverageRoundsDown(t *testing.T) {
	got, err := state.DefaultPayoutTable.Payout(333, event.FlightStatusDelayed)
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if got != 166 {
		t.Errorf("got %d, want 166", got)
	}
}
