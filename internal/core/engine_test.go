package core_test

import (
	"context"
	"errors"
	stdmath "math"
	"sync"
	"testing"
	"time"

	"WingLedger/internal/core"
	"WingLedger/internal/domain"
	"WingLedger/internal/event"
	"WingLedger/internal/state"
)

// --- Test helpers ---

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []domain.SettlementAlert
}

func (s *recordingSink) RaiseSettlementAlert(_ context.Context, alert domain.SettlementAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type testEngine struct {
	*core.Engine
	clock   *fakeClock
	persist chan core.CoreOutput
	alerts  *recordingSink
}

// newTestEngine creates an Engine with a buffered persist channel, a fake
// clock and no DB checker.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	clock := &fakeClock{now: t0}
	persist := make(chan core.CoreOutput, 4096)
	sink := &recordingSink{}

	cfg := core.DefaultConfig()
	cfg.Clock = clock.Now
	cfg.AirlinePools = []string{"EK", "SQ"}

	e, err := core.NewEngine(cfg, persist, nil, nil, sink, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &testEngine{Engine: e, clock: clock, persist: persist, alerts: sink}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func mustDeposit(t *testing.T, e *testEngine, pool, lp string, amount int64) {
	t.Helper()
	if _, err := e.Deposit(context.Background(), core.DepositRequest{PoolID: pool, LP: lp, Amount: amount}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

func mustBuy(t *testing.T, e *testEngine, pool, flight string, coverage, premium int64) uint64 {
	t.Helper()
	r, err := e.BuyPolicy(context.Background(), core.BuyPolicyRequest{
		Owner:    "0xbuyer",
		FlightID: flight,
		PNR:      "PNR001",
		PoolID:   pool,
		Coverage: coverage,
		Premium:  premium,
	})
	if err != nil {
		t.Fatalf("BuyPolicy: %v", err)
	}
	return r.PolicyID
}

func report(flight string, status event.FlightStatus, at time.Time) event.FlightStatusReport {
	return event.FlightStatusReport{FlightID: flight, Status: status, ReportedAt: at, Reporter: "oracle"}
}

func tvl(t *testing.T, e *testEngine, pool string) int64 {
	t.Helper()
	v, err := e.GetPoolTVL(pool)
	if err != nil {
		t.Fatalf("GetPoolTVL: %v", err)
	}
	return v
}

func assertConservation(t *testing.T, e *testEngine) {
	t.Helper()
	for _, info := range e.ListPools() {
		var lp int64
		for _, c := range lpShares(t, e, info.ID) {
			lp += c
		}
		want := lp + info.TotalPremiums + info.TotalFees - info.TotalPayouts
		if info.TVL != want {
			t.Errorf("pool %s: tvl %d, want %d", info.ID, info.TVL, want)
		}
	}
}

// lpShares reads LP balances for the addresses used across these tests.
func lpShares(t *testing.T, e *testEngine, pool string) []int64 {
	t.Helper()
	var out []int64
	for _, lp := range []string{"0xlp", "0xlp2", "0xa", "0xb"} {
		bal, err := e.GetLPBalance(pool, lp)
		if err != nil {
			t.Fatalf("GetLPBalance: %v", err)
		}
		out = append(out, bal)
	}
	return out
}

// ============================================================================
// Test: Pool Ledger
// ============================================================================

func TestDeposit_EmitsBalancedBatch(t *testing.T) {
	e := newTestEngine(t)

	r, err := e.Deposit(context.Background(), core.DepositRequest{RequestID: "dep-1", PoolID: "global", LP: "0xlp", Amount: 10_000})
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if r.Sequence != 0 {
		t.Errorf("sequence: got %d, want 0", r.Sequence)
	}

	outputs := drainOutputs(e.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	out := outputs[0]
	if out.Envelope.EventType != event.EventTypeLiquidityDeposited {
		t.Errorf("event type: got %s", out.Envelope.EventType)
	}
	if out.Envelope.PrevHash != core.GenesisHash() {
		t.Error("first envelope should chain from genesis")
	}
	if len(out.Batch.Journals) != 1 || out.Batch.Journals[0].Sequence != 0 {
		t.Errorf("batch not stamped with sequence: %+v", out.Batch.Journals)
	}
	if tvl(t, e, "global") != 10_000 {
		t.Errorf("tvl: got %d, want 10000", tvl(t, e, "global"))
	}
}

func TestDeposit_DuplicateRequestIgnored(t *testing.T) {
	e := newTestEngine(t)
	req := core.DepositRequest{RequestID: "dep-1", PoolID: "global", LP: "0xlp", Amount: 500}

	if _, err := e.Deposit(context.Background(), req); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	r, err := e.Deposit(context.Background(), req)
	if err != nil {
		t.Fatalf("duplicate Deposit: %v", err)
	}
	if !r.Duplicate {
		t.Error("second deposit should be reported as duplicate")
	}
	if tvl(t, e, "global") != 500 {
		t.Errorf("tvl: got %d, want 500", tvl(t, e, "global"))
	}
}

func TestDeposit_Validation(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Deposit(context.Background(), core.DepositRequest{PoolID: "global", LP: "0xlp", Amount: 0})
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
	_, err = e.Deposit(context.Background(), core.DepositRequest{PoolID: "nope", LP: "0xlp", Amount: 10})
	if !errors.Is(err, domain.ErrPoolNotFound) {
		t.Errorf("got %v, want ErrPoolNotFound", err)
	}
	if n := len(drainOutputs(e.persist)); n != 0 {
		t.Errorf("rejected commands emitted %d events", n)
	}
}

func TestDeposit_OverflowRejected(t *testing.T) {
	e := newTestEngine(t)
	mustDeposit(t, e, "global", "0xa", stdmath.MaxInt64)
	drainOutputs(e.persist)

	_, err := e.Deposit(context.Background(), core.DepositRequest{PoolID: "global", LP: "0xb", Amount: 1})
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}
	if got := tvl(t, e, "global"); got != stdmath.MaxInt64 {
		t.Errorf("tvl: got %d, want %d", got, int64(stdmath.MaxInt64))
	}
	if bal, _ := e.GetLPBalance("global", "0xb"); bal != 0 {
		t.Errorf("lp b: got %d, want 0", bal)
	}
	if n := len(drainOutputs(e.persist)); n != 0 {
		t.Errorf("rejected deposit emitted %d events", n)
	}
}

func TestWithdraw_BoundAndFee(t *testing.T) {
	e := newTestEngine(t)
	mustDeposit(t, e, "global", "0xlp", 1_000)

	_, err := e.Withdraw(context.Background(), core.WithdrawRequest{PoolID: "global", LP: "0xlp", Amount: 1_001})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if tvl(t, e, "global") != 1_000 {
		t.Fatalf("failed withdrawal changed tvl: %d", tvl(t, e, "global"))
	}

	r, err := e.Withdraw(context.Background(), core.WithdrawRequest{PoolID: "global", LP: "0xlp", Amount: 400})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if r.Fee != 0 {
		t.Errorf("default fee: got %d, want 0", r.Fee)
	}
	if tvl(t, e, "global") != 600 {
		t.Errorf("tvl: got %d, want 600", tvl(t, e, "global"))
	}
	assertConservation(t, e)
}

func TestWithdraw_FeeRetainedInPool(t *testing.T) {
	clock := &fakeClock{now: t0}
	cfg := core.DefaultConfig()
	cfg.Clock = clock.Now
	cfg.WithdrawalFeeBps = 50
	e, err := core.NewEngine(cfg, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if _, err := e.Deposit(context.Background(), core.DepositRequest{PoolID: "global", LP: "0xlp", Amount: 10_000}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	r, err := e.Withdraw(context.Background(), core.WithdrawRequest{PoolID: "global", LP: "0xlp", Amount: 2_000})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if r.Fee != 10 {
		t.Errorf("fee: got %d, want 10", r.Fee)
	}

	info, _ := e.GetPool("global")
	if info.TVL != 8_010 || info.TotalFees != 10 {
		t.Errorf("tvl=%d fees=%d, want 8010 and 10", info.TVL, info.TotalFees)
	}
}

// ============================================================================
// Test: Settlement scenarios
// ============================================================================

func TestScenario_DelayedPayoutAndResubmit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustDeposit(t, e, "global", "0xlp", 10_000)
	id := mustBuy(t, e, "global", "EK524", 500, 25)
	if tvl(t, e, "global") != 10_025 {
		t.Fatalf("tvl after premium: got %d, want 10025", tvl(t, e, "global"))
	}

	rep, err := e.SubmitStatus(ctx, report("EK524", event.FlightStatusDelayed, t0.Add(time.Hour)))
	if err != nil {
		t.Fatalf("SubmitStatus: %v", err)
	}
	if rep.TotalPayout != 250 || len(rep.Settled) != 1 {
		t.Fatalf("report: payout %d settled %d, want 250 and 1", rep.TotalPayout, len(rep.Settled))
	}
	if tvl(t, e, "global") != 9_775 {
		t.Fatalf("tvl after payout: got %d, want 9775", tvl(t, e, "global"))
	}

	pol, err := e.GetPolicy(id)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if pol.Status != "claimed" || pol.PayoutAmount != 250 {
		t.Errorf("policy: status %s payout %d", pol.Status, pol.PayoutAmount)
	}

	// same flight, same status, new report
	rep, err = e.SubmitStatus(ctx, report("EK524", event.FlightStatusDelayed, t0.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if rep.TotalPayout != 0 || len(rep.Skipped) != 1 || rep.Skipped[0].Outcome != core.OutcomeAlreadyClaimed {
		t.Errorf("resubmit should skip claimed policy: %+v", rep)
	}
	if tvl(t, e, "global") != 9_775 {
		t.Errorf("tvl after resubmit: got %d, want 9775", tvl(t, e, "global"))
	}
	assertConservation(t, e)
}

func TestScenario_InsufficientCapitalRaisesAlert(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustDeposit(t, e, "global", "0xlp", 490)
	id := mustBuy(t, e, "global", "BA142", 1_000, 10)
	before := tvl(t, e, "global")
	if before != 500 {
		t.Fatalf("tvl: got %d, want 500", before)
	}

	rep, err := e.SubmitStatus(ctx, report("BA142", event.FlightStatusCancelled, t0.Add(time.Hour)))
	if err == nil {
		t.Fatal("expected settlement failure")
	}
	if !errors.Is(err, domain.ErrInsufficientPoolCapital) {
		t.Errorf("error should wrap ErrInsufficientPoolCapital: %v", err)
	}
	var sf *domain.SettlementFailure
	if !errors.As(err, &sf) || len(sf.Failures) != 1 || sf.Failures[0].PolicyID != id {
		t.Errorf("SettlementFailure not returned as expected: %v", err)
	}
	if len(rep.Failed) != 1 {
		t.Errorf("report failed: got %d, want 1", len(rep.Failed))
	}

	pol, _ := e.GetPolicy(id)
	if pol.Status != "active" {
		t.Errorf("policy status: got %s, want active", pol.Status)
	}
	if got := tvl(t, e, "global"); got != before {
		t.Errorf("tvl changed: got %d, want %d", got, before)
	}
	if e.alerts.count() != 1 {
		t.Errorf("alerts: got %d, want 1", e.alerts.count())
	}
	if e.alerts.alerts[0].Reason != "insufficient_pool_capital" || e.alerts.alerts[0].Payout != 1_000 {
		t.Errorf("alert: %+v", e.alerts.alerts[0])
	}
}

func TestSettlement_BatchContinuesPastFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustDeposit(t, e, "global", "0xlp", 100)
	mustDeposit(t, e, "EK", "0xlp", 10_000)
	poor := mustBuy(t, e, "global", "EK524", 1_000, 10)
	rich := mustBuy(t, e, "EK", "EK524", 1_000, 10)

	rep, err := e.SubmitStatus(ctx, report("EK524", event.FlightStatusCancelled, t0.Add(time.Hour)))
	if err == nil {
		t.Fatal("expected partial failure")
	}
	if len(rep.Settled) != 1 || rep.Settled[0].PolicyID != rich {
		t.Errorf("settled: %+v", rep.Settled)
	}
	if len(rep.Failed) != 1 || rep.Failed[0].PolicyID != poor {
		t.Errorf("failed: %+v", rep.Failed)
	}
	if got := tvl(t, e, "EK"); got != 9_010 {
		t.Errorf("EK tvl: got %d, want 9010", got)
	}
}

func TestSettlement_OnTimeSettlesWithZero(t *testing.T) {
	e := newTestEngine(t)

	mustDeposit(t, e, "global", "0xlp", 1_000)
	id := mustBuy(t, e, "global", "SQ25", 500, 25)

	rep, err := e.SubmitStatus(context.Background(), report("SQ25", event.FlightStatusOnTime, t0.Add(time.Hour)))
	if err != nil {
		t.Fatalf("SubmitStatus: %v", err)
	}
	if len(rep.Settled) != 1 || rep.TotalPayout != 0 {
		t.Errorf("report: %+v", rep)
	}
	pol, _ := e.GetPolicy(id)
	if pol.Status != "claimed" || pol.PayoutAmount != 0 {
		t.Errorf("policy: %+v", pol)
	}

	// a later cancellation report must not pay
	rep, _ = e.SubmitStatus(context.Background(), report("SQ25", event.FlightStatusCancelled, t0.Add(2*time.Hour)))
	if rep.TotalPayout != 0 {
		t.Errorf("later report paid %d", rep.TotalPayout)
	}
	if got := tvl(t, e, "global"); got != 1_025 {
		t.Errorf("tvl: got %d, want 1025", got)
	}
}

func TestSettlement_RedeliveredReportIsNoop(t *testing.T) {
	e := newTestEngine(t)
	mustDeposit(t, e, "global", "0xlp", 1_000)
	mustBuy(t, e, "global", "QR701", 100, 5)

	r := report("QR701", event.FlightStatusDelayed, t0.Add(time.Hour))
	r.ReportID = "report-1"
	if _, err := e.SubmitStatus(context.Background(), r); err != nil {
		t.Fatalf("SubmitStatus: %v", err)
	}
	drainOutputs(e.persist)

	rep, err := e.SubmitStatus(context.Background(), r)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !rep.Duplicate {
		t.Error("redelivered report should be flagged duplicate")
	}
	if n := len(drainOutputs(e.persist)); n != 0 {
		t.Errorf("redelivery emitted %d events", n)
	}
}

func TestSettlement_InvalidReport(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.SubmitStatus(context.Background(), report("", event.FlightStatusDelayed, t0))
	if !errors.Is(err, domain.ErrInvalidReport) {
		t.Errorf("empty flight: got %v, want ErrInvalidReport", err)
	}
	_, err = e.SubmitStatus(context.Background(), report("EK524", event.FlightStatusUnknown, t0))
	if !errors.Is(err, domain.ErrInvalidReport) {
		t.Errorf("unknown status: got %v, want ErrInvalidReport", err)
	}
}

func TestConcurrentReports_NoDoublePayout(t *testing.T) {
	e := newTestEngine(t)
	mustDeposit(t, e, "global", "0xlp", 100_000)
	for i := 0; i < 10; i++ {
		mustBuy(t, e, "global", "AI302", 1_000, 10)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.SubmitStatus(context.Background(), report("AI302", event.FlightStatusCancelled, t0.Add(time.Hour)))
		}()
	}
	wg.Wait()

	info, _ := e.GetPool("global")
	if info.TotalPayouts != 10_000 {
		t.Errorf("total payouts: got %d, want 10000", info.TotalPayouts)
	}
	assertConservation(t, e)
}

// ============================================================================
// Test: Expiry
// ============================================================================

func TestExpiryPrecedence(t *testing.T) {
	e := newTestEngine(t)
	mustDeposit(t, e, "global", "0xlp", 10_000)
	id := mustBuy(t, e, "global", "EK524", 500, 25)

	pol, _ := e.GetPolicy(id)
	if !pol.Expiry.Equal(t0.Add(7 * 24 * time.Hour)) {
		t.Fatalf("default expiry: got %s", pol.Expiry)
	}

	late := pol.Expiry.Add(time.Minute)
	e.clock.Advance(late.Sub(t0))

	rep, err := e.SubmitStatus(context.Background(), report("EK524", event.FlightStatusCancelled, late))
	if err != nil {
		t.Fatalf("SubmitStatus: %v", err)
	}
	if rep.TotalPayout != 0 || len(rep.Skipped) != 1 || rep.Skipped[0].Outcome != core.OutcomeExpired {
		t.Errorf("expired policy must not be paid: %+v", rep)
	}
	pol, _ = e.GetPolicy(id)
	if pol.Status != "expired" {
		t.Errorf("status: got %s, want expired", pol.Status)
	}
}

func TestExpiryPrecedence_BackdatedReport(t *testing.T) {
	e := newTestEngine(t)
	mustDeposit(t, e, "global", "0xlp", 10_000)
	id := mustBuy(t, e, "global", "EK524", 500, 25)
	pol, _ := e.GetPolicy(id)

	// A day past expiry, no sweep has run, and the report claims an
	// in-term time.
	e.clock.Advance(pol.Expiry.Add(24 * time.Hour).Sub(t0))
	rep, err := e.SubmitStatus(context.Background(), report("EK524", event.FlightStatusCancelled, t0.Add(time.Hour)))
	if err != nil {
		t.Fatalf("SubmitStatus: %v", err)
	}
	if rep.TotalPayout != 0 || len(rep.Skipped) != 1 || rep.Skipped[0].Outcome != core.OutcomeExpired {
		t.Errorf("backdated report paid an expired policy: %+v", rep)
	}
	if !rep.EffectiveAt.Equal(e.clock.Now()) {
		t.Errorf("effective at: got %s, want receive time %s", rep.EffectiveAt, e.clock.Now())
	}
	if got := tvl(t, e, "global"); got != 10_025 {
		t.Errorf("tvl: got %d, want 10025", got)
	}
	pol, _ = e.GetPolicy(id)
	if pol.Status != "expired" {
		t.Errorf("status: got %s, want expired", pol.Status)
	}
}

func TestSweep_ReleasesExposureOnce(t *testing.T) {
	e := newTestEngine(t)
	mustDeposit(t, e, "global", "0xlp", 10_000)
	id := mustBuy(t, e, "global", "EK524", 2_000, 25)

	util, _ := e.GetUtilization("global")
	if util == 0 {
		t.Fatal("purchase should raise utilization")
	}

	after := t0.Add(8 * 24 * time.Hour)
	res, err := e.SweepExpired(context.Background(), after)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if res.Expired != 1 {
		t.Errorf("expired: got %d, want 1", res.Expired)
	}
	util, _ = e.GetUtilization("global")
	if util != 0 {
		t.Errorf("utilization after sweep: got %d, want 0", util)
	}

	res, _ = e.SweepExpired(context.Background(), after)
	if res.Expired != 0 {
		t.Errorf("second sweep expired %d", res.Expired)
	}

	// a backdated report after the sweep still cannot pay
	rep, err := e.SubmitStatus(context.Background(), report("EK524", event.FlightStatusCancelled, t0.Add(time.Hour)))
	if err != nil {
		t.Fatalf("SubmitStatus: %v", err)
	}
	if rep.TotalPayout != 0 {
		t.Errorf("released policy %d paid %d", id, rep.TotalPayout)
	}
}

// ============================================================================
// Test: Crowd-fund
// ============================================================================

func TestCrowdFund_Lifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	r, err := e.CreateCrowdFundPool(ctx, core.CreateCrowdFundRequest{
		PoolID:           "cf-ek524",
		FlightID:         "EK524",
		RequiredCoverage: 1_000,
		Backers:          []event.Contribution{{Backer: "0xa", Amount: 300}},
	})
	if err != nil {
		t.Fatalf("CreateCrowdFundPool: %v", err)
	}
	if r.PoolID != "cf-ek524" {
		t.Errorf("pool id: got %s", r.PoolID)
	}

	id := mustBuy(t, e, "cf-ek524", "EK524", 600, 20)

	_, err = e.SubmitStatus(ctx, report("EK524", event.FlightStatusDelayed, t0.Add(time.Hour)))
	if !errors.Is(err, domain.ErrUnderfundedPool) {
		t.Fatalf("got %v, want ErrUnderfundedPool", err)
	}
	pol, _ := e.GetPolicy(id)
	if pol.Status != "active" {
		t.Errorf("status: got %s, want active", pol.Status)
	}

	if _, err := e.Contribute(ctx, core.ContributeRequest{PoolID: "cf-ek524", Backer: "0xb", Amount: 700}); err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	info, _ := e.GetCrowdFund("cf-ek524")
	if info.Status != "open" || info.Raised != 1_000 || len(info.Contributors) != 2 {
		t.Fatalf("crowd-fund: %+v", info)
	}

	rep, err := e.SubmitStatus(ctx, report("EK524", event.FlightStatusDelayed, t0.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("SubmitStatus: %v", err)
	}
	if rep.TotalPayout != 300 {
		t.Errorf("payout: got %d, want 300", rep.TotalPayout)
	}
}

func TestCrowdFund_CancelledAtDeadline(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	deadline := t0.Add(6 * time.Hour)

	if _, err := e.CreateCrowdFundPool(ctx, core.CreateCrowdFundRequest{
		PoolID:           "cf-1",
		FlightID:         "SQ25",
		RequiredCoverage: 5_000,
		FundingDeadline:  deadline,
		Backers:          []event.Contribution{{Backer: "0xa", Amount: 1_000}},
	}); err != nil {
		t.Fatalf("CreateCrowdFundPool: %v", err)
	}

	res, err := e.SweepExpired(ctx, deadline.Add(time.Minute))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if res.CancelledPools != 1 {
		t.Fatalf("cancelled: got %d, want 1", res.CancelledPools)
	}

	_, err = e.Deposit(ctx, core.DepositRequest{PoolID: "cf-1", LP: "0xb", Amount: 10})
	if !errors.Is(err, domain.ErrUnderfundedPool) {
		t.Errorf("deposit into cancelled pool: got %v", err)
	}
	r, err := e.Withdraw(ctx, core.WithdrawRequest{PoolID: "cf-1", LP: "0xa", Amount: 1_000})
	if err != nil || r.Fee != 0 {
		t.Errorf("refund: fee %d err %v", r.Fee, err)
	}
}

func TestCrowdFund_Validation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateCrowdFundPool(ctx, core.CreateCrowdFundRequest{FlightID: "EK524", RequiredCoverage: 0})
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
	_, err = e.CreateCrowdFundPool(ctx, core.CreateCrowdFundRequest{PoolID: "global", FlightID: "EK524", RequiredCoverage: 10})
	if !errors.Is(err, domain.ErrPoolExists) {
		t.Errorf("got %v, want ErrPoolExists", err)
	}
	_, err = e.Contribute(ctx, core.ContributeRequest{PoolID: "global", Backer: "0xa", Amount: 10})
	if !errors.Is(err, domain.ErrInvalidPool) || errors.Is(err, domain.ErrPoolNotFound) {
		t.Errorf("contribute to global: got %v, want ErrInvalidPool", err)
	}
	_, err = e.CreateCrowdFundPool(ctx, core.CreateCrowdFundRequest{PoolID: "cf:1", FlightID: "EK524", RequiredCoverage: 10})
	if !errors.Is(err, domain.ErrInvalidPool) {
		t.Errorf("pool id with separator: got %v, want ErrInvalidPool", err)
	}
	_, err = e.CreateCrowdFundPool(ctx, core.CreateCrowdFundRequest{
		PoolID: "cf-big", FlightID: "EK524", RequiredCoverage: 10,
		Backers: []event.Contribution{{Backer: "0xa", Amount: stdmath.MaxInt64}, {Backer: "0xb", Amount: 1}},
	})
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("overflowing backers: got %v, want ErrInvalidAmount", err)
	}
	for _, id := range []string{"cf:1", "cf-big"} {
		if _, err := e.GetPool(id); !errors.Is(err, domain.ErrPoolNotFound) {
			t.Errorf("rejected pool %s was registered: %v", id, err)
		}
	}
	if n := len(drainOutputs(e.persist)); n != 0 {
		t.Errorf("rejected commands emitted %d events", n)
	}
}

func TestCrowdFund_SnapshotRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.CreateCrowdFundPool(ctx, core.CreateCrowdFundRequest{
		PoolID: " cf-ek524_1 ", FlightID: "EK524", RequiredCoverage: 100,
		Backers: []event.Contribution{{Backer: "0xa", Amount: 100}},
	}); err != nil {
		t.Fatalf("CreateCrowdFundPool: %v", err)
	}
	snap := e.CreateSnapshotState()

	restored := newTestEngine(t)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	if restored.GetStateHash() != e.GetStateHash() {
		t.Error("restored state hash differs")
	}
	if bal, err := restored.GetLPBalance("cf-ek524_1", "0xa"); err != nil || bal != 100 {
		t.Errorf("restored backer balance: got %d, %v", bal, err)
	}
}

// ============================================================================
// Test: Read API
// ============================================================================

func TestReadAPI(t *testing.T) {
	e := newTestEngine(t)
	mustDeposit(t, e, "global", "0xlp", 9_975)
	mustDeposit(t, e, "global", "0xlp2", 0+1)
	mustBuy(t, e, "global", "EK524", 2_500, 24)

	if n, _ := e.GetActiveLPCount("global"); n != 2 {
		t.Errorf("active lps: got %d, want 2", n)
	}
	if u, _ := e.GetUtilization("global"); u != 2_500 {
		t.Errorf("utilization: got %d, want 2500", u)
	}
	if got := len(e.ListPoliciesByOwner("0xbuyer")); got != 1 {
		t.Errorf("owner policies: got %d, want 1", got)
	}
	if got := len(e.ListPoliciesByFlight("ek 524")); got != 1 {
		t.Errorf("flight policies: got %d, want 1", got)
	}
	if _, err := e.GetPolicy(42); !errors.Is(err, domain.ErrPolicyNotFound) {
		t.Errorf("got %v, want ErrPolicyNotFound", err)
	}

	d := e.GetDashboard()
	if d.Pools != 3 || d.TotalTVL != 10_000 || d.ActivePolicies != 1 {
		t.Errorf("dashboard: %+v", d)
	}
}

func TestGetAPY(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if apy, err := e.GetAPY("global"); err != nil || apy != 0 {
		t.Fatalf("unfunded pool: got %d, %v, want 0", apy, err)
	}
	if _, err := e.GetAPY("nope"); !errors.Is(err, domain.ErrPoolNotFound) {
		t.Errorf("got %v, want ErrPoolNotFound", err)
	}

	mustDeposit(t, e, "global", "0xlp", 10_000)
	mustBuy(t, e, "global", "EK524", 500, 25)

	// 25 on 10000 over the one-day floor, times 365
	if apy, _ := e.GetAPY("global"); apy != 9_125 {
		t.Errorf("apy on funding day: got %d, want 9125", apy)
	}

	if _, err := e.SubmitStatus(ctx, report("EK524", event.FlightStatusDelayed, t0.Add(time.Hour))); err != nil {
		t.Fatalf("SubmitStatus: %v", err)
	}
	e.clock.Advance(365 * 24 * time.Hour)

	// premium 25 less payout 250 over a full year
	if apy, _ := e.GetAPY("global"); apy != -225 {
		t.Errorf("apy after a year: got %d, want -225", apy)
	}
	if apy, _ := e.GetAPY("EK"); apy != 0 {
		t.Errorf("airline pool without capital: got %d, want 0", apy)
	}

	restored := newTestEngine(t)
	if err := restored.RestoreFromSnapshot(e.CreateSnapshotState()); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	restored.clock.Advance(365 * 24 * time.Hour)
	if apy, _ := restored.GetAPY("global"); apy != -225 {
		t.Errorf("apy after restore: got %d, want -225", apy)
	}
}

// ============================================================================
// Test: Replay determinism
// ============================================================================

func runWorkload(t *testing.T, e *testEngine) {
	t.Helper()
	ctx := context.Background()
	mustDeposit(t, e, "global", "0xlp", 10_000)
	mustDeposit(t, e, "EK", "0xa", 5_000)
	mustBuy(t, e, "global", "EK524", 500, 25)
	mustBuy(t, e, "EK", "EK524", 800, 30)
	mustBuy(t, e, "global", "SQ25", 400, 12)
	if _, err := e.Withdraw(ctx, core.WithdrawRequest{PoolID: "EK", LP: "0xa", Amount: 1_000}); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if _, err := e.CreateCrowdFundPool(ctx, core.CreateCrowdFundRequest{
		PoolID: "cf-x", FlightID: "QR701", RequiredCoverage: 300,
		Backers: []event.Contribution{{Backer: "0xb", Amount: 300}},
	}); err != nil {
		t.Fatalf("CreateCrowdFundPool: %v", err)
	}
	if _, err := e.SubmitStatus(ctx, report("EK524", event.FlightStatusDelayed, t0.Add(time.Hour))); err != nil {
		t.Fatalf("SubmitStatus: %v", err)
	}
	if _, err := e.SweepExpired(ctx, t0.Add(30*24*time.Hour)); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
}

func replayAll(t *testing.T, target *core.Engine, outputs []core.CoreOutput) {
	t.Helper()
	for _, out := range outputs {
		evt, err := event.Decode(out.Envelope.EventType.String(), out.Envelope.Payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if err := target.Replay(out.Envelope, evt); err != nil {
			t.Fatalf("Replay: %v", err)
		}
	}
}

func TestReplay_ReproducesStateHash(t *testing.T) {
	e := newTestEngine(t)
	runWorkload(t, e)
	outputs := drainOutputs(e.persist)

	fresh := newTestEngine(t)
	replayAll(t, fresh.Engine, outputs)

	if fresh.GetStateHash() != e.GetStateHash() {
		t.Fatal("replayed state hash differs from original")
	}
	if fresh.GetSequence() != e.GetSequence() {
		t.Errorf("sequence: got %d, want %d", fresh.GetSequence(), e.GetSequence())
	}
	if fresh.GetDashboard() != e.GetDashboard() {
		t.Errorf("dashboard: got %+v, want %+v", fresh.GetDashboard(), e.GetDashboard())
	}
	if n := len(drainOutputs(fresh.persist)); n != 0 {
		t.Errorf("replay emitted %d events", n)
	}

	// replayed request ids are deduplicated afterwards
	first := outputs[0].Event.(*event.LiquidityDeposited)
	r, err := fresh.Deposit(context.Background(), core.DepositRequest{
		RequestID: first.RequestID, PoolID: first.Pool, LP: first.LP, Amount: first.Amount,
	})
	if err != nil || !r.Duplicate {
		t.Errorf("replayed request should be duplicate: %+v %v", r, err)
	}
}

func TestReplay_FromSnapshot(t *testing.T) {
	e := newTestEngine(t)
	mustDeposit(t, e, "global", "0xlp", 10_000)
	mustBuy(t, e, "global", "EK524", 500, 25)
	head := drainOutputs(e.persist)
	snap := e.CreateSnapshotState()

	if snap.Sequence != int64(len(head)-1) {
		t.Fatalf("snapshot sequence: got %d, want %d", snap.Sequence, len(head)-1)
	}

	if _, err := e.SubmitStatus(context.Background(), report("EK524", event.FlightStatusCancelled, t0.Add(time.Hour))); err != nil {
		t.Fatalf("SubmitStatus: %v", err)
	}
	tail := drainOutputs(e.persist)

	restored := newTestEngine(t)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	replayAll(t, restored.Engine, tail)

	if restored.GetStateHash() != e.GetStateHash() {
		t.Fatal("snapshot + tail replay differs from original")
	}
	if got := tvl(t, restored, "global"); got != 9_525 {
		t.Errorf("tvl: got %d, want 9525", got)
	}
	if id := mustBuy(t, restored, "global", "SQ25", 10, 1); id != 2 {
		t.Errorf("next policy id after restore: got %d, want 2", id)
	}
}

func TestReplay_DetectsTampering(t *testing.T) {
	e := newTestEngine(t)
	mustDeposit(t, e, "global", "0xlp", 10_000)
	outputs := drainOutputs(e.persist)

	outputs[0].Envelope.StateHash[0] ^= 0xff
	fresh := newTestEngine(t)
	evt, _ := event.Decode(outputs[0].Envelope.EventType.String(), outputs[0].Envelope.Payload)
	if err := fresh.Replay(outputs[0].Envelope, evt); err == nil {
		t.Error("tampered hash should fail replay")
	}
}

func TestEngine_RejectsBadConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.PayoutTable = state.PayoutTable{event.FlightStatusDelayed: 20_000}
	if _, err := core.NewEngine(cfg, nil, nil, nil, nil, nil); err == nil {
		t.Error("payout table above 100% should be rejected")
	}
}
