package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"WingLedger/internal/core"
	"WingLedger/internal/domain"
	"WingLedger/internal/event"
	"WingLedger/internal/ingestion"
	"WingLedger/internal/oracle"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/goleak"
)

// --- Test helpers ---

type ackRecorder struct {
	mu   sync.Mutex
	acks int
	naks int
}

func (a *ackRecorder) raw(subject, data string) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      []byte(data),
		Timestamp: time.Now(),
		AckFunc: func() {
			a.mu.Lock()
			a.acks++
			a.mu.Unlock()
		},
		NakFunc: func() {
			a.mu.Lock()
			a.naks++
			a.mu.Unlock()
		},
	}
}

func newTestDispatcher(t *testing.T) (*ingestion.Dispatcher, *core.Engine) {
	t.Helper()
	engine, err := core.NewEngine(core.DefaultConfig(), nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ing := oracle.NewIngestion(oracle.NewReporterSet("0xoracle"), engine, nil)
	return ingestion.NewDispatcher(engine, ing, nil), engine
}

type fakeJetStream struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return &jetstream.PubAck{Stream: ingestion.OutboundStream, Sequence: uint64(len(f.subjects))}, nil
}

func (f *fakeJetStream) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subjects...)
}

// ============================================================================
// Test: Dispatcher
// ============================================================================

func TestDispatcher_AppliesAndAcks(t *testing.T) {
	d, engine := newTestDispatcher(t)
	acks := &ackRecorder{}
	ctx := context.Background()

	d.Handle(ctx, acks.raw("wing.pools.deposit.global", `{"request_id":"d1","pool_id":"global","lp":"0xlp","amount":10000}`))
	d.Handle(ctx, acks.raw("wing.policies.purchase.EK524", `{"request_id":"p1","owner":"0xbuyer","flight_id":"EK524","coverage":500,"premium":25}`))
	d.Handle(ctx, acks.raw("wing.oracle.status.EK524", `{"report_id":"s1","flight_id":"EK524","status":"delayed","reporter":"0xoracle"}`))

	if acks.acks != 3 || acks.naks != 0 {
		t.Errorf("acks=%d naks=%d, want 3 and 0", acks.acks, acks.naks)
	}
	tvl, _ := engine.GetPoolTVL("global")
	if tvl != 9_775 {
		t.Errorf("tvl: got %d, want 9775", tvl)
	}
}

func TestDispatcher_RedeliveryIsIdempotent(t *testing.T) {
	d, engine := newTestDispatcher(t)
	acks := &ackRecorder{}
	msg := `{"request_id":"d1","pool_id":"global","lp":"0xlp","amount":500}`

	d.Handle(context.Background(), acks.raw("wing.pools.deposit.global", msg))
	d.Handle(context.Background(), acks.raw("wing.pools.deposit.global", msg))

	if tvl, _ := engine.GetPoolTVL("global"); tvl != 500 {
		t.Errorf("tvl: got %d, want 500", tvl)
	}
	if acks.acks != 2 {
		t.Errorf("acks: got %d, want 2", acks.acks)
	}
}

func TestDispatcher_DropsBadMessages(t *testing.T) {
	d, engine := newTestDispatcher(t)
	acks := &ackRecorder{}
	ctx := context.Background()

	d.Handle(ctx, acks.raw("wing.unknown.x", `{}`))
	d.Handle(ctx, acks.raw("wing.pools.deposit.global", `not json`))
	d.Handle(ctx, acks.raw("wing.oracle.status.EK524", `{"flight_id":"EK524","status":"cancelled","reporter":"0xmallory"}`))

	if acks.acks != 3 || acks.naks != 0 {
		t.Errorf("acks=%d naks=%d, want 3 and 0", acks.acks, acks.naks)
	}
	if engine.GetSequence() != 0 {
		t.Errorf("bad messages changed state: sequence %d", engine.GetSequence())
	}
}

func TestDispatcher_DispatchUnauthorized(t *testing.T) {
	d, _ := newTestDispatcher(t)
	err := d.Dispatch(context.Background(), ingestion.StatusCommand{Report: event.FlightStatusReport{
		FlightID: "EK524", Status: event.FlightStatusCancelled, Reporter: "0xmallory",
	}})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestDispatcher_NaksOnShutdown(t *testing.T) {
	d, _ := newTestDispatcher(t)
	acks := &ackRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Handle(ctx, acks.raw("wing.pools.deposit.global", `{"pool_id":"global","lp":"0xlp","amount":1}`))
	if acks.naks != 1 || acks.acks != 0 {
		t.Errorf("acks=%d naks=%d, want 0 and 1", acks.acks, acks.naks)
	}
}

func TestDispatcher_RunStopsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, engine := newTestDispatcher(t)
	acks := &ackRecorder{}
	rawChan := make(chan ingestion.RawEvent, 4)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), rawChan) }()

	rawChan <- acks.raw("wing.pools.deposit.EK", `{"pool_id":"EK","lp":"0xlp","amount":42}`)
	close(rawChan)

	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if tvl, _ := engine.GetPoolTVL("EK"); tvl != 42 {
		t.Errorf("tvl: got %d, want 42", tvl)
	}
}

// ============================================================================
// Test: Outbound
// ============================================================================

func TestOutboundPublisher_PublishesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	persist := make(chan core.CoreOutput, 8)
	engine, err := core.NewEngine(core.DefaultConfig(), persist, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := engine.Deposit(context.Background(), core.DepositRequest{PoolID: "SQ", LP: "0xlp", Amount: 100}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	out := <-persist

	js := &fakeJetStream{}
	input := make(chan ingestion.PublishableEvent, 1)
	pub := ingestion.NewOutboundPublisher(js, input, nil)
	done := make(chan error, 1)
	go func() { done <- pub.Run(context.Background()) }()

	input <- ingestion.NewPublishableEvent(out)
	close(input)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	subjects := js.published()
	if len(subjects) != 1 || subjects[0] != "wing.ledger.events.LiquidityDeposited.SQ" {
		t.Fatalf("subjects: %v", subjects)
	}
	var got ingestion.PublishableEvent
	if err := json.Unmarshal(js.payloads[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Sequence != 0 || got.PoolID != "SQ" || len(got.StateHash) != 64 {
		t.Errorf("published event: %+v", got)
	}
}

func TestEventSubject_NoPool(t *testing.T) {
	got := ingestion.EventSubject(ingestion.PublishableEvent{EventType: "FlightStatusReported"})
	if got != "wing.ledger.events.FlightStatusReported" {
		t.Errorf("got %s", got)
	}
}

func TestAlertPublisher(t *testing.T) {
	js := &fakeJetStream{}
	ap := ingestion.NewAlertPublisher(js, nil)

	alert := domain.SettlementAlert{FlightID: "BA142", PolicyID: 7, PoolID: "BA", Reason: "insufficient_pool_capital", Payout: 1000}
	if err := ap.RaiseSettlementAlert(context.Background(), alert); err != nil {
		t.Fatalf("RaiseSettlementAlert: %v", err)
	}
	if subjects := js.published(); len(subjects) != 1 || subjects[0] != "wing.alerts.settlement.BA" {
		t.Errorf("subjects: %v", subjects)
	}

	js.err = errors.New("nats down")
	if err := ap.RaiseSettlementAlert(context.Background(), alert); err == nil {
		t.Error("expected publish error")
	}
}

func TestAlertPublisher_WiredAsAlertSink(t *testing.T) {
	js := &fakeJetStream{}
	engine, err := core.NewEngine(core.DefaultConfig(), nil, nil, nil, ingestion.NewAlertPublisher(js, nil), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()
	if _, err := engine.Deposit(ctx, core.DepositRequest{PoolID: "BA", LP: "0xlp", Amount: 100}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := engine.BuyPolicy(ctx, core.BuyPolicyRequest{PoolID: "BA", Owner: "0xo", FlightID: "BA142", Coverage: 1_000, Premium: 5}); err != nil {
		t.Fatalf("BuyPolicy: %v", err)
	}
	if _, err := engine.SubmitStatus(ctx, event.FlightStatusReport{FlightID: "BA142", Status: event.FlightStatusCancelled}); !core.IsSettlementFailure(err) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	if subjects := js.published(); len(subjects) != 1 || subjects[0] != "wing.alerts.settlement.BA" {
		t.Errorf("subjects: %v", subjects)
	}
}
