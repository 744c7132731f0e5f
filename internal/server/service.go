package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"WingLedger/internal/core"
	"WingLedger/internal/domain"
	"WingLedger/internal/event"
	"WingLedger/internal/flightfeed"
	"WingLedger/internal/projection"
	"WingLedger/internal/query"
	"WingLedger/internal/state"
)

// Ledger is the engine surface served over the API.
type Ledger interface {
	Deposit(ctx context.Context, req core.DepositRequest) (core.Receipt, error)
	Withdraw(ctx context.Context, req core.WithdrawRequest) (core.Receipt, error)
	Contribute(ctx context.Context, req core.ContributeRequest) (core.Receipt, error)
	BuyPolicy(ctx context.Context, req core.BuyPolicyRequest) (core.Receipt, error)
	CreateCrowdFundPool(ctx context.Context, req core.CreateCrowdFundRequest) (core.Receipt, error)

	GetPool(poolID string) (state.PoolInfo, error)
	ListPools() []state.PoolInfo
	GetPoolTVL(poolID string) (int64, error)
	GetLPBalance(poolID, lp string) (int64, error)
	GetActiveLPCount(poolID string) (int, error)
	GetUtilization(poolID string) (int64, error)
	GetAPY(poolID string) (int64, error)
	GetCrowdFund(poolID string) (state.PoolInfo, error)
	GetPolicy(id uint64) (core.PolicyView, error)
	ListPoliciesByOwner(owner string) []core.PolicyView
	ListPoliciesByFlight(flightID string) []core.PolicyView
	GetDashboard() core.Dashboard
}

// StatusSubmitter authorizes and settles oracle reports.
type StatusSubmitter interface {
	Submit(ctx context.Context, report event.FlightStatusReport) (*core.SettlementReport, error)
}

// FlightStats serves the flight feed snapshot.
type FlightStats interface {
	Snapshot(ctx context.Context) (*flightfeed.Snapshot, error)
}

// History is the projected read model behind the admin routes.
type History interface {
	GetPoolJournal(ctx context.Context, poolID string, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
	GetFlightSettlements(ctx context.Context, flightID string, limit int, afterSequence *int64) ([]query.SettlementResponse, error)
	GetFlightReports(ctx context.Context, flightID string) ([]query.FlightReportResponse, error)
	GetProjectedPool(ctx context.Context, poolID string) (*query.PoolResponse, error)
	GetProjectedDashboard(ctx context.Context, now time.Time) (*query.ProjectedDashboard, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// SnapshotFunc persists a snapshot of the engine and returns its sequence.
type SnapshotFunc func(ctx context.Context) (int64, error)

var errUnavailable = errors.New("service unavailable")

// --- Requests ---

type FundsRequest struct {
	RequestID string `json:"request_id"`
	PoolID    string `json:"pool_id"`
	LP        string `json:"lp"`
	Amount    int64  `json:"amount"`
}

type ContributeRequest struct {
	RequestID string `json:"request_id"`
	PoolID    string `json:"pool_id"`
	Backer    string `json:"backer"`
	Amount    int64  `json:"amount"`
}

type BuyPolicyRequest struct {
	RequestID string    `json:"request_id"`
	Owner     string    `json:"owner"`
	FlightID  string    `json:"flight_id"`
	PNR       string    `json:"pnr"`
	PoolID    string    `json:"pool_id"`
	Coverage  int64     `json:"coverage"`
	Premium   int64     `json:"premium"`
	Expiry    time.Time `json:"expiry"`
}

type CrowdFundRequest struct {
	RequestID        string               `json:"request_id"`
	PoolID           string               `json:"pool_id"`
	FlightID         string               `json:"flight_id"`
	RequiredCoverage int64                `json:"required_coverage"`
	FundingDeadline  time.Time            `json:"funding_deadline"`
	Backers          []event.Contribution `json:"backers"`
}

// StatusRequest is an oracle report. The reporter comes from the caller's
// X-Wing-Reporter header or gRPC metadata, never from the body.
type StatusRequest struct {
	ReportID   string             `json:"report_id"`
	FlightID   string             `json:"flight_id"`
	Status     event.FlightStatus `json:"status"`
	ReportedAt time.Time          `json:"reported_at"`
}

type PoolRequest struct {
	PoolID string `json:"pool_id"`
}

type LPRequest struct {
	PoolID string `json:"pool_id"`
	LP     string `json:"lp"`
}

type PolicyRequest struct {
	PolicyID uint64 `json:"policy_id"`
}

type OwnerRequest struct {
	Owner string `json:"owner"`
}

type FlightRequest struct {
	FlightID string `json:"flight_id"`
}

type Empty struct{}

// --- Responses ---

type LPBalanceResponse struct {
	PoolID  string `json:"pool_id"`
	LP      string `json:"lp"`
	Balance int64  `json:"balance"`
}

type PoolValueResponse struct {
	PoolID string `json:"pool_id"`
	Value  int64  `json:"value"`
}

type APYResponse struct {
	PoolID string `json:"pool_id"`
	APYBps int64  `json:"apy_bps"`
}

type PolicyList struct {
	Policies []core.PolicyView `json:"policies"`
}

type PoolList struct {
	Pools []state.PoolInfo `json:"pools"`
}

type FlightHistory struct {
	FlightID    string                       `json:"flight_id"`
	Settlements []query.SettlementResponse   `json:"settlements"`
	Reports     []query.FlightReportResponse `json:"reports"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
	Skipped  bool  `json:"skipped"`
}

// Service maps API requests onto the engine, the oracle ingestion and the
// read model. Both the gRPC service and the HTTP routes call into it.
type Service struct {
	ledger   Ledger
	oracle   StatusSubmitter
	feed     FlightStats
	history  History
	recent   *projection.RecentSettlements
	snapshot SnapshotFunc
	clock    func() time.Time
}

func NewService(deps *ServerDeps) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		ledger:   deps.Ledger,
		oracle:   deps.Oracle,
		feed:     deps.Feed,
		history:  deps.History,
		recent:   deps.Recent,
		snapshot: deps.Snapshot,
		clock:    clock,
	}
}

func (s *Service) Deposit(ctx context.Context, req FundsRequest) (core.Receipt, error) {
	return s.ledger.Deposit(ctx, core.DepositRequest{
		RequestID: req.RequestID,
		PoolID:    req.PoolID,
		LP:        req.LP,
		Amount:    req.Amount,
	})
}

func (s *Service) Withdraw(ctx context.Context, req FundsRequest) (core.Receipt, error) {
	return s.ledger.Withdraw(ctx, core.WithdrawRequest{
		RequestID: req.RequestID,
		PoolID:    req.PoolID,
		LP:        req.LP,
		Amount:    req.Amount,
	})
}

func (s *Service) Contribute(ctx context.Context, req ContributeRequest) (core.Receipt, error) {
	return s.ledger.Contribute(ctx, core.ContributeRequest{
		RequestID: req.RequestID,
		PoolID:    req.PoolID,
		Backer:    req.Backer,
		Amount:    req.Amount,
	})
}

func (s *Service) BuyPolicy(ctx context.Context, req BuyPolicyRequest) (core.Receipt, error) {
	return s.ledger.BuyPolicy(ctx, core.BuyPolicyRequest{
		RequestID: req.RequestID,
		Owner:     req.Owner,
		FlightID:  req.FlightID,
		PNR:       req.PNR,
		PoolID:    req.PoolID,
		Coverage:  req.Coverage,
		Premium:   req.Premium,
		Expiry:    req.Expiry,
	})
}

func (s *Service) CreateCrowdFundPool(ctx context.Context, req CrowdFundRequest) (core.Receipt, error) {
	return s.ledger.CreateCrowdFundPool(ctx, core.CreateCrowdFundRequest{
		RequestID:        req.RequestID,
		PoolID:           req.PoolID,
		FlightID:         req.FlightID,
		RequiredCoverage: req.RequiredCoverage,
		FundingDeadline:  req.FundingDeadline,
		Backers:          req.Backers,
	})
}

// SubmitStatus settles a report on behalf of reporter. A partial settlement
// returns both the report and the *domain.SettlementFailure.
func (s *Service) SubmitStatus(ctx context.Context, reporter string, req StatusRequest) (*core.SettlementReport, error) {
	if s.oracle == nil {
		return nil, errUnavailable
	}
	return s.oracle.Submit(ctx, event.FlightStatusReport{
		ReportID:   req.ReportID,
		FlightID:   req.FlightID,
		Status:     req.Status,
		ReportedAt: req.ReportedAt,
		Reporter:   strings.TrimSpace(reporter),
	})
}

func (s *Service) GetPool(_ context.Context, req PoolRequest) (state.PoolInfo, error) {
	return s.ledger.GetPool(req.PoolID)
}

func (s *Service) ListPools(_ context.Context, _ Empty) (PoolList, error) {
	return PoolList{Pools: s.ledger.ListPools()}, nil
}

func (s *Service) GetPoolTVL(_ context.Context, req PoolRequest) (PoolValueResponse, error) {
	tvl, err := s.ledger.GetPoolTVL(req.PoolID)
	return PoolValueResponse{PoolID: req.PoolID, Value: tvl}, err
}

func (s *Service) GetUtilization(_ context.Context, req PoolRequest) (PoolValueResponse, error) {
	bps, err := s.ledger.GetUtilization(req.PoolID)
	return PoolValueResponse{PoolID: req.PoolID, Value: bps}, err
}

func (s *Service) GetAPY(_ context.Context, req PoolRequest) (APYResponse, error) {
	bps, err := s.ledger.GetAPY(req.PoolID)
	return APYResponse{PoolID: req.PoolID, APYBps: bps}, err
}

func (s *Service) GetActiveLPCount(_ context.Context, req PoolRequest) (PoolValueResponse, error) {
	n, err := s.ledger.GetActiveLPCount(req.PoolID)
	return PoolValueResponse{PoolID: req.PoolID, Value: int64(n)}, err
}

func (s *Service) GetLPBalance(_ context.Context, req LPRequest) (LPBalanceResponse, error) {
	bal, err := s.ledger.GetLPBalance(req.PoolID, req.LP)
	return LPBalanceResponse{PoolID: req.PoolID, LP: req.LP, Balance: bal}, err
}

func (s *Service) GetCrowdFund(_ context.Context, req PoolRequest) (state.PoolInfo, error) {
	return s.ledger.GetCrowdFund(req.PoolID)
}

func (s *Service) GetPolicy(_ context.Context, req PolicyRequest) (core.PolicyView, error) {
	return s.ledger.GetPolicy(req.PolicyID)
}

func (s *Service) ListPoliciesByOwner(_ context.Context, req OwnerRequest) (PolicyList, error) {
	return PolicyList{Policies: s.ledger.ListPoliciesByOwner(req.Owner)}, nil
}

func (s *Service) ListPoliciesByFlight(_ context.Context, req FlightRequest) (PolicyList, error) {
	return PolicyList{Policies: s.ledger.ListPoliciesByFlight(req.FlightID)}, nil
}

func (s *Service) GetDashboard(_ context.Context, _ Empty) (core.Dashboard, error) {
	return s.ledger.GetDashboard(), nil
}

func (s *Service) FlightStats(ctx context.Context, _ Empty) (*flightfeed.Snapshot, error) {
	if s.feed == nil {
		return nil, errUnavailable
	}
	return s.feed.Snapshot(ctx)
}

func (s *Service) RecentSettlements(limit int) []projection.Settlement {
	if s.recent == nil {
		return []projection.Settlement{}
	}
	return s.recent.Latest(limit)
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ Empty) (*query.IntegrityReport, error) {
	if s.history == nil {
		return nil, errUnavailable
	}
	return s.history.VerifyIntegrity(ctx)
}

func (s *Service) PoolJournal(ctx context.Context, poolID string, limit int, after *int64) ([]query.JournalHistoryEntry, error) {
	if s.history == nil {
		return nil, errUnavailable
	}
	return s.history.GetPoolJournal(ctx, poolID, limit, after)
}

func (s *Service) ProjectedPool(ctx context.Context, req PoolRequest) (*query.PoolResponse, error) {
	if s.history == nil {
		return nil, errUnavailable
	}
	return s.history.GetProjectedPool(ctx, req.PoolID)
}

func (s *Service) ProjectedDashboard(ctx context.Context, _ Empty) (*query.ProjectedDashboard, error) {
	if s.history == nil {
		return nil, errUnavailable
	}
	return s.history.GetProjectedDashboard(ctx, s.clock())
}

func (s *Service) FlightHistory(ctx context.Context, flightID string, limit int, after *int64) (*FlightHistory, error) {
	if s.history == nil {
		return nil, errUnavailable
	}
	flightID = event.NormalizeFlightID(flightID)
	settlements, err := s.history.GetFlightSettlements(ctx, flightID, limit, after)
	if err != nil {
		return nil, err
	}
	reports, err := s.history.GetFlightReports(ctx, flightID)
	if err != nil {
		return nil, err
	}
	return &FlightHistory{FlightID: flightID, Settlements: settlements, Reports: reports}, nil
}

func (s *Service) TakeSnapshot(ctx context.Context, _ Empty) (SnapshotResponse, error) {
	if s.snapshot == nil {
		return SnapshotResponse{}, errUnavailable
	}
	seq, err := s.snapshot(ctx)
	if err != nil {
		return SnapshotResponse{}, err
	}
	return SnapshotResponse{Sequence: seq, Skipped: seq < 0}, nil
}

// parsePolicyID rejects anything but a positive decimal id.
func parsePolicyID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: policy id %q", domain.ErrInvalidPolicy, raw)
	}
	return id, nil
}
