package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"WingLedger/internal/domain"
	"WingLedger/internal/event"
	"WingLedger/internal/ledger"
	fpmath "WingLedger/internal/math"
	"WingLedger/internal/observability"
	"WingLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config tunes the engine. Zero values fall back to DefaultConfig.
type Config struct {
	WithdrawalFeeBps    int64
	PolicyTerm          time.Duration
	CrowdFundWindow     time.Duration
	PayoutTable         state.PayoutTable
	IdempotencyCapacity int
	AirlinePools        []string
	Clock               func() time.Time
}

func DefaultConfig() Config {
	return Config{
		WithdrawalFeeBps:    0,
		PolicyTerm:          7 * 24 * time.Hour,
		CrowdFundWindow:     24 * time.Hour,
		PayoutTable:         state.DefaultPayoutTable,
		IdempotencyCapacity: 100_000,
		AirlinePools:        state.KnownAirlines,
		Clock:               time.Now,
	}
}

// Engine is the pool ledger and settlement core. Commands for different
// pools run in parallel; each pool's mutations and their log emission are
// serialized under the pool lock.
//
// Lock order: request key, flight, pool, registry, sequencer.
type Engine struct {
	// read-locked by every command, write-locked by snapshot capture
	gate sync.RWMutex

	seqMu    sync.Mutex
	sequence int64
	hasher   *StateHasher

	pools       *state.PoolLedger
	registry    *state.PolicyRegistry
	payouts     state.PayoutTable
	idempotency *IdempotencyChecker
	flights     *KeyedMutex
	requests    *KeyedMutex

	cfg     Config
	alerts  AlertSink
	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one applied event handed to persistence and projections.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Event    event.Event
}

// Receipt acknowledges a command.
type Receipt struct {
	Sequence  int64  `json:"sequence"`
	Duplicate bool   `json:"duplicate"`
	PoolID    string `json:"pool_id"`
	PolicyID  uint64 `json:"policy_id,omitempty"`
	Fee       int64  `json:"fee,omitempty"`
}

// applied carries what an event changed, for the state digest.
type applied struct {
	batch  *ledger.Batch
	policy *state.Policy
}

// NewEngine builds an engine with the global pool and configured airline
// pools. Either channel may be nil.
func NewEngine(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	alerts AlertSink,
	metrics *observability.Metrics,
) (*Engine, error) {
	def := DefaultConfig()
	if cfg.PolicyTerm <= 0 {
		cfg.PolicyTerm = def.PolicyTerm
	}
	if cfg.CrowdFundWindow <= 0 {
		cfg.CrowdFundWindow = def.CrowdFundWindow
	}
	if cfg.PayoutTable == nil {
		cfg.PayoutTable = def.PayoutTable
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = def.IdempotencyCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.WithdrawalFeeBps < 0 || cfg.WithdrawalFeeBps > 10_000 {
		return nil, fmt.Errorf("withdrawal fee out of range: %d bps", cfg.WithdrawalFeeBps)
	}
	if err := cfg.PayoutTable.Validate(); err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = MultiAlertSink{}
	}

	e := &Engine{
		hasher:         NewStateHasher(),
		pools:          state.NewPoolLedger(),
		registry:       state.NewPolicyRegistry(),
		payouts:        cfg.PayoutTable,
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics),
		flights:        NewKeyedMutex(),
		requests:       NewKeyedMutex(),
		cfg:            cfg,
		alerts:         alerts,
		metrics:        metrics,
		logger:         observability.NewLogger("core"),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
	if err := e.ensureBootPools(); err != nil {
		return nil, err
	}
	return e, nil
}

// ensureBootPools creates the global and airline pools that do not exist yet.
func (e *Engine) ensureBootPools() error {
	if !e.pools.Exists(state.GlobalPoolID) {
		if _, err := e.pools.Create(state.GlobalPoolID, state.PoolKindGlobal, time.Unix(0, 0).UTC()); err != nil {
			return err
		}
	}
	for _, code := range e.cfg.AirlinePools {
		if e.pools.Exists(code) {
			continue
		}
		if _, err := e.pools.Create(code, state.PoolKindAirline, time.Unix(0, 0).UTC()); err != nil {
			return fmt.Errorf("airline pool %s: %w", code, err)
		}
	}
	return nil
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock().UTC()
}

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(logger zerolog.Logger) {
	e.logger = logger
}

// --- Commands ---

type DepositRequest struct {
	RequestID string
	PoolID    string
	LP        string
	Amount    int64
}

// Deposit adds LP capital to a pool.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	evt := &event.LiquidityDeposited{
		RequestID: requestID(req.RequestID),
		Pool:      req.PoolID,
		LP:        req.LP,
		Amount:    req.Amount,
		Timestamp: e.now(),
	}
	return e.execPool(evt)
}

type WithdrawRequest struct {
	RequestID string
	PoolID    string
	LP        string
	Amount    int64
}

// Withdraw burns an LP share and returns capital net of the withdrawal fee.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	evt := &event.LiquidityWithdrawn{
		RequestID: requestID(req.RequestID),
		Pool:      req.PoolID,
		LP:        req.LP,
		Amount:    req.Amount,
		Fee:       -1, // priced under the pool lock
		Timestamp: e.now(),
	}
	receipt, err := e.execPool(evt)
	if err == nil && !receipt.Duplicate {
		receipt.Fee = evt.Fee
	}
	return receipt, err
}

type ContributeRequest struct {
	RequestID string
	PoolID    string
	Backer    string
	Amount    int64
}

// Contribute adds a backer to a crowd-fund pool.
func (e *Engine) Contribute(ctx context.Context, req ContributeRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	p, err := e.pools.Get(req.PoolID)
	if err != nil {
		return Receipt{}, err
	}
	if p.Kind != state.PoolKindCrowdFund {
		return Receipt{}, fmt.Errorf("%w: %s is not a crowd-fund pool", domain.ErrInvalidPool, req.PoolID)
	}
	return e.Deposit(ctx, DepositRequest{
		RequestID: req.RequestID,
		PoolID:    req.PoolID,
		LP:        req.Backer,
		Amount:    req.Amount,
	})
}

type BuyPolicyRequest struct {
	RequestID string
	Owner     string
	FlightID  string
	PNR       string
	PoolID    string
	Coverage  int64
	Premium   int64
	Expiry    time.Time
}

// BuyPolicy collects the premium into the pool and mints the policy as one
// event: either both happen or neither does.
func (e *Engine) BuyPolicy(ctx context.Context, req BuyPolicyRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	now := e.now()
	poolID := req.PoolID
	if poolID == "" {
		poolID = state.GlobalPoolID
	}
	expiry := req.Expiry.UTC()
	if req.Expiry.IsZero() {
		expiry = now.Add(e.cfg.PolicyTerm)
	}

	evt := &event.PolicyPurchased{
		RequestID: requestID(req.RequestID),
		Owner:     req.Owner,
		FlightID:  event.NormalizeFlightID(req.FlightID),
		PNR:       req.PNR,
		Pool:      poolID,
		Coverage:  req.Coverage,
		Premium:   req.Premium,
		Expiry:    expiry,
		Timestamp: now,
	}
	receipt, err := e.execPool(evt)
	if err == nil && !receipt.Duplicate {
		receipt.PolicyID = evt.PolicyID
	}
	return receipt, err
}

type CreateCrowdFundRequest struct {
	RequestID        string
	PoolID           string
	FlightID         string
	RequiredCoverage int64
	FundingDeadline  time.Time
	Backers          []event.Contribution
}

// CreateCrowdFundPool opens an ad-hoc pool for one flight. It is Open at once
// if the named backers already cover the requirement, Pending otherwise.
func (e *Engine) CreateCrowdFundPool(ctx context.Context, req CreateCrowdFundRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	now := e.now()
	poolID := strings.TrimSpace(req.PoolID)
	if poolID == "" {
		poolID = "cf-" + uuid.NewString()[:8]
	}
	deadline := req.FundingDeadline.UTC()
	if req.FundingDeadline.IsZero() {
		deadline = now.Add(e.cfg.CrowdFundWindow)
	}

	evt := &event.CrowdFundCreated{
		RequestID:        requestID(req.RequestID),
		Pool:             poolID,
		FlightID:         event.NormalizeFlightID(req.FlightID),
		RequiredCoverage: req.RequiredCoverage,
		FundingDeadline:  deadline,
		Backers:          append([]event.Contribution(nil), req.Backers...),
		Timestamp:        now,
	}
	if err := validateCrowdFund(evt); err != nil {
		e.recordRejected(evt, err)
		return Receipt{}, err
	}

	start := time.Now()
	eventType := evt.EventType().String()

	e.gate.RLock()
	defer e.gate.RUnlock()
	unlock := e.requests.Lock(compositeKey(eventType, evt.RequestID))
	defer unlock()

	if e.idempotency.IsDuplicate(eventType, evt.RequestID) {
		e.recordRejected(evt, errDuplicate)
		return Receipt{Duplicate: true, PoolID: evt.Pool}, nil
	}

	seq, err := e.applyCrowdFundCreated(evt, nil)
	if err != nil {
		e.recordRejected(evt, err)
		return Receipt{}, err
	}

	e.idempotency.MarkProcessed(eventType, evt.RequestID)
	e.recordApplied(evt, start)
	return Receipt{Sequence: seq, PoolID: evt.Pool}, nil
}

func validateCrowdFund(evt *event.CrowdFundCreated) error {
	if err := domain.ValidatePoolID(evt.Pool); err != nil {
		return err
	}
	if evt.RequiredCoverage <= 0 {
		return fmt.Errorf("%w: required coverage %d", domain.ErrInvalidAmount, evt.RequiredCoverage)
	}
	if evt.FlightID == "" || len(evt.FlightID) > state.MaxFlightIDLength {
		return fmt.Errorf("%w: flight id %q", domain.ErrInvalidPolicy, evt.FlightID)
	}
	if !evt.FundingDeadline.After(evt.Timestamp) {
		return fmt.Errorf("%w: funding deadline already passed", domain.ErrInvalidPolicy)
	}
	amounts := make([]int64, 0, len(evt.Backers))
	for _, b := range evt.Backers {
		if b.Amount <= 0 || b.Backer == "" {
			return fmt.Errorf("%w: contribution %q=%d", domain.ErrInvalidAmount, b.Backer, b.Amount)
		}
		amounts = append(amounts, b.Amount)
	}
	if _, err := fpmath.SumChecked(amounts...); err != nil {
		return fmt.Errorf("%w: backer contributions overflow", domain.ErrInvalidAmount)
	}
	return nil
}

var errDuplicate = errors.New("duplicate")

// execPool runs a pool-scoped command: dedupe, apply under the pool lock,
// emit, then mark processed.
func (e *Engine) execPool(evt event.Event) (Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	e.gate.RLock()
	defer e.gate.RUnlock()
	unlock := e.requests.Lock(compositeKey(eventType, key))
	defer unlock()

	if e.idempotency.IsDuplicate(eventType, key) {
		e.recordRejected(evt, errDuplicate)
		return Receipt{Duplicate: true, PoolID: evt.PoolID()}, nil
	}

	var seq int64
	err := e.pools.WithPool(evt.PoolID(), func(p *state.Pool) error {
		res, err := e.applyEvent(p, evt, true)
		if err != nil {
			return err
		}
		seq, err = e.record(evt, p, res, nil)
		return err
	})
	if err != nil {
		e.recordRejected(evt, err)
		return Receipt{}, err
	}

	e.idempotency.MarkProcessed(eventType, key)
	e.recordApplied(evt, start)
	return Receipt{Sequence: seq, PoolID: evt.PoolID()}, nil
}

// applyEvent mutates one pool for a pool-scoped event. live is false during
// replay, where every value the event carries is taken as recorded.
// The caller holds the pool lock.
func (e *Engine) applyEvent(p *state.Pool, evt event.Event, live bool) (applied, error) {
	switch ev := evt.(type) {
	case *event.LiquidityDeposited:
		before := p.Status
		batch, err := p.Deposit(ev.LP, ev.Amount, ev.IdempotencyKey(), ev.Timestamp.UnixMicro())
		if err == nil && live {
			e.noteFunded(p, before)
		}
		return applied{batch: batch}, err

	case *event.LiquidityWithdrawn:
		if live {
			ev.Fee = p.WithdrawalFee(ev.Amount, e.cfg.WithdrawalFeeBps)
		}
		batch, err := p.Withdraw(ev.LP, ev.Amount, ev.Fee, ev.IdempotencyKey(), ev.Timestamp.UnixMicro())
		return applied{batch: batch}, err

	case *event.PolicyPurchased:
		return e.applyPolicyPurchased(p, ev, live)

	case *event.PolicySettled:
		return e.applyPolicySettled(p, ev)

	case *event.PolicyExpired:
		return e.applyPolicyExpired(p, ev)

	case *event.CrowdFundCancelled:
		if p.Kind != state.PoolKindCrowdFund {
			return applied{}, fmt.Errorf("cancel of non crowd-fund pool %s", p.ID)
		}
		p.Cancel()
		return applied{}, nil

	default:
		return applied{}, fmt.Errorf("unknown event type: %T", evt)
	}
}

func (e *Engine) applyPolicyPurchased(p *state.Pool, ev *event.PolicyPurchased, live bool) (applied, error) {
	pol := state.Policy{
		ID:          ev.PolicyID,
		Owner:       ev.Owner,
		FlightID:    ev.FlightID,
		PNR:         ev.PNR,
		PoolID:      ev.Pool,
		Coverage:    ev.Coverage,
		Premium:     ev.Premium,
		Expiry:      ev.Expiry,
		PurchasedAt: ev.Timestamp,
	}
	if err := state.ValidatePolicy(&pol); err != nil {
		return applied{}, err
	}
	if err := p.AcceptsCapital(); err != nil {
		return applied{}, err
	}
	if p.Kind == state.PoolKindCrowdFund && p.FlightID != ev.FlightID {
		return applied{}, fmt.Errorf("%w: crowd-fund pool %s backs flight %s, not %s",
			domain.ErrInvalidPolicy, p.ID, p.FlightID, ev.FlightID)
	}

	if live {
		ev.PolicyID = e.registry.ReserveID()
		pol.ID = ev.PolicyID
	}

	batch, err := p.CreditPremium(ev.Premium, ev.Coverage, ev.IdempotencyKey(), ev.Timestamp.UnixMicro())
	if err != nil {
		return applied{}, err
	}
	minted, err := e.registry.Mint(pol)
	if err != nil {
		panic(fmt.Sprintf("FATAL: premium credited but policy %d not minted: %v", pol.ID, err))
	}
	return applied{batch: batch, policy: &minted}, nil
}

func (e *Engine) applyPolicySettled(p *state.Pool, ev *event.PolicySettled) (applied, error) {
	pol, err := e.registry.Get(ev.PolicyID)
	if err != nil {
		return applied{}, err
	}
	if pol.PayoutExecuted {
		return applied{}, fmt.Errorf("policy %d already settled", ev.PolicyID)
	}

	batch, err := p.DebitPayout(ev.Payout, pol.Coverage, ev.IdempotencyKey(), ev.Timestamp.UnixMicro())
	if err != nil {
		return applied{}, err
	}
	if _, err := e.registry.MarkSettled(ev.PolicyID, ev.Payout, ev.Status, ev.Timestamp); err != nil {
		panic(fmt.Sprintf("FATAL: payout debited but policy %d not marked: %v", ev.PolicyID, err))
	}
	settled, _ := e.registry.Get(ev.PolicyID)
	return applied{batch: batch, policy: &settled}, nil
}

func (e *Engine) applyPolicyExpired(p *state.Pool, ev *event.PolicyExpired) (applied, error) {
	released, err := e.registry.MarkExpiryReleased(ev.PolicyID)
	if err != nil {
		return applied{}, err
	}
	if !released {
		return applied{}, errAlreadyReleased
	}
	p.ReleaseExposure(ev.Coverage)
	pol, _ := e.registry.Get(ev.PolicyID)
	return applied{policy: &pol}, nil
}

var errAlreadyReleased = errors.New("policy exposure already released")

// applyCrowdFundCreated creates the pool and books its backers. replay is
// nil for live commands.
func (e *Engine) applyCrowdFundCreated(ev *event.CrowdFundCreated, replay *event.EventEnvelope) (int64, error) {
	if _, err := e.pools.CreateCrowdFund(ev.Pool, ev.FlightID, ev.RequiredCoverage, ev.FundingDeadline, ev.Timestamp); err != nil {
		return 0, err
	}

	backers := make([]ledger.Contribution, 0, len(ev.Backers))
	for _, b := range ev.Backers {
		backers = append(backers, ledger.Contribution{Backer: b.Backer, Amount: b.Amount})
	}

	var seq int64
	err := e.pools.WithPool(ev.Pool, func(p *state.Pool) error {
		batch, err := p.Contribute(backers, ev.IdempotencyKey(), ev.Timestamp.UnixMicro())
		if err != nil {
			return err
		}
		if replay == nil {
			e.noteFunded(p, state.PoolStatusPending)
		}
		seq, err = e.record(ev, p, applied{batch: batch}, replay)
		return err
	})
	if err != nil {
		e.pools.Discard(ev.Pool)
	}
	return seq, err
}

func (e *Engine) noteFunded(p *state.Pool, before state.PoolStatus) {
	if before != state.PoolStatusPending || p.Status != state.PoolStatusOpen {
		return
	}
	e.logger.Info().Str("pool_id", p.ID).Int64("required", p.RequiredCoverage).Msg("crowd-fund pool funded")
	if e.metrics != nil {
		e.metrics.CrowdFundClosed.WithLabelValues("funded").Inc()
	}
}

// record assigns the next sequence and extends the hash chain. Live events
// are emitted to the output channels; replayed ones are checked against the
// envelope read from the log. The caller holds the pool lock, if any.
func (e *Engine) record(evt event.Event, p *state.Pool, res applied, replay *event.EventEnvelope) (int64, error) {
	digest := e.computeStateDigest(evt, p, res)

	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	seq := e.sequence
	if replay != nil && replay.Sequence != seq {
		return 0, fmt.Errorf("replay sequence gap: expected %d, got %d", seq, replay.Sequence)
	}

	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, digest)
	if replay != nil && replay.StateHash != ([32]byte{}) && replay.StateHash != stateHash {
		return 0, fmt.Errorf("replay state hash mismatch at sequence %d: log %x, computed %x", seq, replay.StateHash, stateHash)
	}
	e.sequence++

	if p != nil && e.metrics != nil {
		e.metrics.PoolTVL.WithLabelValues(p.ID).Set(float64(p.TVL()))
		e.metrics.PoolUtilization.WithLabelValues(p.ID).Set(float64(p.Utilization()))
	}

	if replay != nil {
		return seq, nil
	}

	payload, err := event.Encode(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
	}
	if res.batch != nil {
		res.batch.SetSequence(seq)
		if e.metrics != nil {
			for _, j := range res.batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			PoolID:         evt.PoolID(),
			FlightID:       event.FlightOf(evt),
			Timestamp:      evt.OccurredAt(),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch: res.batch,
		Event: evt,
	}

	// Persistence: blocking send, the log must not lose events.
	if e.persistChan != nil {
		e.persistChan <- output
	}
	// Projections: non-blocking, rebuilt from the log when they fall behind.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}

	return seq, nil
}

// computeStateDigest creates canonical bytes for the state hash: the event
// identity, the pool totals, every account the batch touched and the policy
// it changed.
func (e *Engine) computeStateDigest(evt event.Event, p *state.Pool, res applied) []byte {
	digest := make([]byte, 0, 256)
	digest = appendString(digest, evt.EventType().String())
	digest = appendString(digest, evt.IdempotencyKey())

	if r, ok := evt.(*event.FlightStatusReported); ok {
		digest = appendString(digest, r.Report.FlightID)
		digest = appendString(digest, r.Report.Status.String())
	}

	if p != nil {
		digest = appendString(digest, p.ID)
		digest = appendInt64LE(digest, int64(p.Status))
		digest = appendInt64LE(digest, p.TVL())
		digest = appendInt64LE(digest, p.TotalPremiums())
		digest = appendInt64LE(digest, p.TotalFees())
		digest = appendInt64LE(digest, p.TotalPayouts())
		digest = appendInt64LE(digest, p.ActiveCoverage())

		if res.batch != nil {
			affected := make(map[ledger.AccountKey]bool)
			for _, j := range res.batch.Journals {
				affected[j.DebitAccount] = true
				affected[j.CreditAccount] = true
			}
			accounts := make([]ledger.AccountKey, 0, len(affected))
			for key := range affected {
				accounts = append(accounts, key)
			}
			sort.Slice(accounts, func(i, j int) bool {
				return accounts[i].AccountPath() < accounts[j].AccountPath()
			})
			for _, key := range accounts {
				digest = appendString(digest, key.AccountPath())
				digest = appendInt64LE(digest, p.Tracker().GetBalance(key))
			}
		}
	}

	if res.policy != nil {
		pol := res.policy
		digest = appendInt64LE(digest, int64(pol.ID))
		digest = appendInt64LE(digest, pol.Coverage)
		digest = appendInt64LE(digest, pol.PayoutAmount)
		digest = appendBool(digest, pol.PayoutExecuted)
		digest = appendBool(digest, pol.ExpiryReleased)
	}

	return digest
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64LE(buf, int64(len(s)))
	return append(buf, s...)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (e *Engine) recordApplied(evt event.Event, start time.Time) {
	if e.metrics == nil {
		return
	}
	eventType := evt.EventType().String()
	e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	if pp, ok := evt.(*event.PolicyPurchased); ok {
		e.metrics.PoliciesMinted.WithLabelValues(pp.Pool).Inc()
	}
}

func (e *Engine) recordRejected(evt event.Event, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.CoreEventsRejected.WithLabelValues(evt.EventType().String(), rejectReason(err)).Inc()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, errDuplicate):
		return "duplicate"
	case errors.Is(err, domain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrInsufficientPoolCapital):
		return "insufficient_pool_capital"
	case errors.Is(err, domain.ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, domain.ErrUnderfundedPool):
		return "underfunded_pool"
	case errors.Is(err, domain.ErrPoolExists):
		return "pool_exists"
	case errors.Is(err, domain.ErrInvalidPolicy):
		return "invalid_policy"
	case errors.Is(err, domain.ErrInvalidReport):
		return "invalid_report"
	default:
		return "other"
	}
}

func requestID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// isCommand reports whether evt came from a caller and is deduplicated by
// its request key. Settlement and sweep events are guarded by policy state.
func isCommand(evt event.Event) bool {
	switch evt.(type) {
	case *event.LiquidityDeposited, *event.LiquidityWithdrawn, *event.PolicyPurchased,
		*event.CrowdFundCreated, *event.FlightStatusReported:
		return true
	default:
		return false
	}
}

// --- Replay ---

// Replay re-applies one logged event without emitting it. Events must arrive
// in sequence order starting at GetSequence().
func (e *Engine) Replay(env *event.EventEnvelope, evt event.Event) error {
	e.gate.RLock()
	defer e.gate.RUnlock()

	var err error
	switch ev := evt.(type) {
	case *event.FlightStatusReported:
		_, err = e.record(ev, nil, applied{}, env)
	case *event.CrowdFundCreated:
		_, err = e.applyCrowdFundCreated(ev, env)
	default:
		err = e.pools.WithPool(evt.PoolID(), func(p *state.Pool) error {
			res, err := e.applyEvent(p, evt, false)
			if err != nil {
				return err
			}
			_, err = e.record(evt, p, res, env)
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("replay %s seq %d: %w", evt.EventType(), env.Sequence, err)
	}

	if isCommand(evt) {
		e.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())
	}
	return nil
}

// GetSequence returns the next sequence number to assign.
func (e *Engine) GetSequence() int64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	return e.hasher.GetPrevHash()
}
