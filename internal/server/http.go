package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// ReporterHeader carries the oracle caller identity on POST /v1/oracle/status.
const ReporterHeader = "X-Wing-Reporter"

const maxBodyBytes = 1 << 20

// binder fills a request from the HTTP request and its path parameters.
type binder[Req any] func(r *http.Request, params map[string]string, req *Req) error

func handle[Req, Resp any](bind binder[Req], fn func(context.Context, Req) (Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		var req Req
		if bind != nil {
			if err := bind(r, params, &req); err != nil {
				writeError(w, err, nil)
				return
			}
		}
		resp, err := fn(r.Context(), req)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// body decodes the JSON body, then lets path parameters override it.
func body[Req any](fromPath func(req *Req, params map[string]string)) binder[Req] {
	return func(r *http.Request, params map[string]string, req *Req) error {
		if err := decodeBody(r, req); err != nil {
			return err
		}
		if fromPath != nil {
			fromPath(req, params)
		}
		return nil
	}
}

func path[Req any](fromPath func(req *Req, params map[string]string)) binder[Req] {
	return func(_ *http.Request, params map[string]string, req *Req) error {
		fromPath(req, params)
		return nil
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

var errBadRequest = errors.New("bad request")

func poolParam[Req any](set func(req *Req, poolID string)) func(*Req, map[string]string) {
	return func(req *Req, params map[string]string) {
		set(req, params["pool_id"])
	}
}

// pageParams reads ?limit= and ?after= for the paged admin routes.
func pageParams(r *http.Request) (int, *int64, error) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, nil, fmt.Errorf("%w: limit %q", errBadRequest, raw)
		}
		limit = n
	}
	var after *int64
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: after %q", errBadRequest, raw)
		}
		after = &n
	}
	return limit, after, nil
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (s *GRPCServer) routes() []route {
	svc := s.service
	return []route{
		// Pool ledger
		{"POST", "/v1/pools/{pool_id}/deposit", handle(body(poolParam(func(r *FundsRequest, id string) { r.PoolID = id })), svc.Deposit)},
		{"POST", "/v1/pools/{pool_id}/withdraw", handle(body(poolParam(func(r *FundsRequest, id string) { r.PoolID = id })), svc.Withdraw)},
		{"POST", "/v1/pools/{pool_id}/contribute", handle(body(poolParam(func(r *ContributeRequest, id string) { r.PoolID = id })), svc.Contribute)},
		{"POST", "/v1/crowdfund", handle(body[CrowdFundRequest](nil), svc.CreateCrowdFundPool)},
		{"GET", "/v1/crowdfund/{pool_id}", handle(path(poolParam(func(r *PoolRequest, id string) { r.PoolID = id })), svc.GetCrowdFund)},
		{"GET", "/v1/pools", handle[Empty](nil, svc.ListPools)},
		{"GET", "/v1/pools/{pool_id}", handle(path(poolParam(func(r *PoolRequest, id string) { r.PoolID = id })), svc.GetPool)},
		{"GET", "/v1/pools/{pool_id}/tvl", handle(path(poolParam(func(r *PoolRequest, id string) { r.PoolID = id })), svc.GetPoolTVL)},
		{"GET", "/v1/pools/{pool_id}/utilization", handle(path(poolParam(func(r *PoolRequest, id string) { r.PoolID = id })), svc.GetUtilization)},
		{"GET", "/v1/pools/{pool_id}/apy", handle(path(poolParam(func(r *PoolRequest, id string) { r.PoolID = id })), svc.GetAPY)},
		// Registered before lps/count: later registrations match first.
		{"GET", "/v1/pools/{pool_id}/lps/{lp}", handle(path(func(r *LPRequest, p map[string]string) {
			r.PoolID, r.LP = p["pool_id"], p["lp"]
		}), svc.GetLPBalance)},
		{"GET", "/v1/pools/{pool_id}/lps/count", handle(path(poolParam(func(r *PoolRequest, id string) { r.PoolID = id })), svc.GetActiveLPCount)},
		{"GET", "/v1/dashboard", handle[Empty](nil, svc.GetDashboard)},

		// Policy registry
		{"POST", "/v1/policies", handle(body[BuyPolicyRequest](nil), svc.BuyPolicy)},
		{"GET", "/v1/policies/{policy_id}", s.getPolicy},
		{"GET", "/v1/owners/{owner}/policies", handle(path(func(r *OwnerRequest, p map[string]string) { r.Owner = p["owner"] }), svc.ListPoliciesByOwner)},
		{"GET", "/v1/flights/{flight_id}/policies", handle(path(func(r *FlightRequest, p map[string]string) { r.FlightID = p["flight_id"] }), svc.ListPoliciesByFlight)},

		// Oracle and flight feed
		{"POST", "/v1/oracle/status", s.submitStatus},
		{"GET", "/v1/flights/stats", handle[Empty](nil, svc.FlightStats)},
		{"GET", "/v1/settlements/recent", s.recentSettlements},

		// Admin
		{"GET", "/v1/admin/integrity", handle[Empty](nil, svc.VerifyIntegrity)},
		{"GET", "/v1/admin/dashboard", handle[Empty](nil, svc.ProjectedDashboard)},
		{"GET", "/v1/admin/pools/{pool_id}", handle(path(poolParam(func(r *PoolRequest, id string) { r.PoolID = id })), svc.ProjectedPool)},
		{"GET", "/v1/admin/pools/{pool_id}/journal", s.poolJournal},
		{"GET", "/v1/admin/flights/{flight_id}/settlements", s.flightHistory},
		{"POST", "/v1/admin/snapshot", handle[Empty](nil, svc.TakeSnapshot)},
	}
}

func (s *GRPCServer) getPolicy(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parsePolicyID(params["policy_id"])
	if err != nil {
		writeError(w, err, nil)
		return
	}
	view, err := s.service.GetPolicy(r.Context(), PolicyRequest{PolicyID: id})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// submitStatus answers a partial settlement with 409 and the settlement
// report as detail, so the oracle can tell what was paid.
func (s *GRPCServer) submitStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req StatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	report, err := s.service.SubmitStatus(r.Context(), r.Header.Get(ReporterHeader), req)
	if err != nil {
		if report != nil {
			writeError(w, err, report)
		} else {
			writeError(w, err, nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *GRPCServer) recentSettlements(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, _, err := pageParams(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlements": s.service.RecentSettlements(limit),
	})
}

func (s *GRPCServer) poolJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	limit, after, err := pageParams(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	entries, err := s.service.PoolJournal(r.Context(), params["pool_id"], limit, after)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id": params["pool_id"],
		"entries": entries,
	})
}

func (s *GRPCServer) flightHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	limit, after, err := pageParams(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	history, err := s.service.FlightHistory(r.Context(), params["flight_id"], limit, after)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *GRPCServer) instrumentHTTP(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, params)

		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues("http", name, strconv.Itoa(rec.code)).Inc()
			s.metrics.RequestDuration.WithLabelValues("http", name).Observe(time.Since(start).Seconds())
		}
		if rec.code >= http.StatusInternalServerError {
			s.logger.Error().Str("route", name).Int("status", rec.code).Msg("http request failed")
		}
	}
}

// NewHTTPHandler builds the gateway mux with every route plus /healthz and
// /readyz.
func (s *GRPCServer) NewHTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	for _, rt := range s.routes() {
		name := rt.method + " " + rt.pattern
		if err := mux.HandlePath(rt.method, rt.pattern, s.instrumentHTTP(name, rt.handler)); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}
