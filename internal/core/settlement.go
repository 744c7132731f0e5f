package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"WingLedger/internal/domain"
	"WingLedger/internal/event"
	"WingLedger/internal/state"

	"github.com/google/uuid"
)

type SettlementOutcome string

const (
	OutcomeSettled        SettlementOutcome = "settled"
	OutcomeAlreadyClaimed SettlementOutcome = "already_claimed"
	OutcomeExpired        SettlementOutcome = "expired"
	OutcomeFailed         SettlementOutcome = "failed"
)

// PolicySettlement is the result for one policy of a report.
type PolicySettlement struct {
	PolicyID uint64            `json:"policy_id"`
	PoolID   string            `json:"pool_id"`
	Outcome  SettlementOutcome `json:"outcome"`
	Payout   int64             `json:"payout"`
	Sequence int64             `json:"sequence,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// SettlementReport summarises what one status report did.
type SettlementReport struct {
	ReportID    string             `json:"report_id"`
	FlightID    string             `json:"flight_id"`
	Status      event.FlightStatus `json:"status"`
	EffectiveAt time.Time          `json:"effective_at"`
	Duplicate   bool               `json:"duplicate"`
	TotalPayout int64              `json:"total_payout"`
	Settled     []PolicySettlement `json:"settled"`
	Skipped     []PolicySettlement `json:"skipped"`
	Failed      []PolicySettlement `json:"failed"`
}

// ValidateReport normalizes a report in place and checks it can be settled.
func (e *Engine) ValidateReport(report *event.FlightStatusReport) error {
	report.FlightID = event.NormalizeFlightID(report.FlightID)
	if report.FlightID == "" || len(report.FlightID) > state.MaxFlightIDLength {
		return fmt.Errorf("%w: flight id %q", domain.ErrInvalidReport, report.FlightID)
	}
	if report.Status == event.FlightStatusUnknown {
		return fmt.Errorf("%w: status unknown", domain.ErrInvalidReport)
	}
	if _, err := e.payouts.RatioBps(report.Status); err != nil {
		return err
	}
	return nil
}

// SubmitStatus settles every policy on the reported flight. Reports for the
// same flight are serialized. A policy that cannot be paid stays Active, an
// alert is raised, and the remaining policies are still settled; the
// returned *domain.SettlementFailure lists every failure.
//
// Expiry is judged at the later of the report's ReportedAt and the time the
// engine receives it, so a backdated report never revives an expired policy.
// A zero ReportedAt means the engine clock. A re-delivered report (same ReportID) is a no-op, and a new report
// for an already-settled flight pays nothing twice.
func (e *Engine) SubmitStatus(ctx context.Context, report event.FlightStatusReport) (*SettlementReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.ValidateReport(&report); err != nil {
		return nil, err
	}
	if report.ReportID == "" {
		report.ReportID = uuid.NewString()
	}
	now := e.now()
	if report.ReportedAt.IsZero() {
		report.ReportedAt = now
	}
	report.ReportedAt = report.ReportedAt.UTC()
	t := report.ReportedAt
	if now.After(t) {
		t = now
	}

	start := time.Now()
	evt := &event.FlightStatusReported{Report: report, Timestamp: now}
	eventType := evt.EventType().String()

	e.gate.RLock()
	defer e.gate.RUnlock()
	unlock := e.flights.Lock(report.FlightID)
	defer unlock()

	result := &SettlementReport{
		ReportID:    report.ReportID,
		FlightID:    report.FlightID,
		Status:      report.Status,
		EffectiveAt: t,
	}

	if e.idempotency.IsDuplicate(eventType, report.ReportID) {
		e.recordRejected(evt, errDuplicate)
		result.Duplicate = true
		return result, nil
	}

	if _, err := e.record(evt, nil, applied{}, nil); err != nil {
		return nil, err
	}

	var failures []*domain.PolicyError
	for _, pol := range e.registry.ListByFlight(report.FlightID) {
		ps, err := e.settlePolicy(report, pol, t)
		switch {
		case err != nil:
			ps.Outcome = OutcomeFailed
			ps.Error = err.Error()
			result.Failed = append(result.Failed, ps)
			failures = append(failures, &domain.PolicyError{PolicyID: pol.ID, PoolID: pol.PoolID, Err: err})
			e.raiseAlert(ctx, report, ps, err)
		case ps.Outcome == OutcomeSettled:
			result.Settled = append(result.Settled, ps)
			result.TotalPayout += ps.Payout
		default:
			result.Skipped = append(result.Skipped, ps)
		}
		if e.metrics != nil {
			e.metrics.Settlements.WithLabelValues(string(ps.Outcome)).Inc()
		}
	}

	e.idempotency.MarkProcessed(eventType, report.ReportID)
	e.recordApplied(evt, start)
	if e.metrics != nil {
		e.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}

	e.logger.Info().
		Str("flight_id", report.FlightID).
		Str("status", report.Status.String()).
		Str("report_id", report.ReportID).
		Int("settled", len(result.Settled)).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failed)).
		Int64("total_payout", result.TotalPayout).
		Msg("status report processed")

	if len(failures) > 0 {
		return result, &domain.SettlementFailure{FlightID: report.FlightID, Failures: failures}
	}
	return result, nil
}

// settlePolicy settles one policy under its pool lock, judging expiry at
// effectiveAt. The policy is re-read under the lock so a concurrent sweep or
// settlement is observed.
func (e *Engine) settlePolicy(report event.FlightStatusReport, pol state.Policy, effectiveAt time.Time) (PolicySettlement, error) {
	ps := PolicySettlement{PolicyID: pol.ID, PoolID: pol.PoolID}

	err := e.pools.WithPool(pol.PoolID, func(p *state.Pool) error {
		cur, err := e.registry.Get(pol.ID)
		if err != nil {
			return err
		}
		if cur.PayoutExecuted {
			ps.Outcome = OutcomeAlreadyClaimed
			ps.Payout = cur.PayoutAmount
			return nil
		}
		if cur.ExpiryReleased || cur.StatusAt(effectiveAt) != state.PolicyStatusActive {
			ps.Outcome = OutcomeExpired
			return nil
		}
		if !p.Settleable() {
			return fmt.Errorf("%w: pool %s is %s", domain.ErrUnderfundedPool, p.ID, p.Status)
		}

		payout, err := e.payouts.Payout(cur.Coverage, report.Status)
		if err != nil {
			return err
		}
		ps.Payout = payout

		evt := &event.PolicySettled{
			PolicyID:  cur.ID,
			Pool:      cur.PoolID,
			FlightID:  cur.FlightID,
			Status:    report.Status,
			Payout:    payout,
			ReportID:  report.ReportID,
			Timestamp: report.ReportedAt,
		}
		res, err := e.applyPolicySettled(p, evt)
		if err != nil {
			return err
		}
		seq, err := e.record(evt, p, res, nil)
		if err != nil {
			return err
		}
		ps.Outcome = OutcomeSettled
		ps.Sequence = seq
		if e.metrics != nil && payout > 0 {
			e.metrics.PayoutsTotal.WithLabelValues(p.ID).Add(float64(payout))
		}
		return nil
	})
	return ps, err
}

func (e *Engine) raiseAlert(ctx context.Context, report event.FlightStatusReport, ps PolicySettlement, cause error) {
	var tvl int64
	_ = e.pools.WithPool(ps.PoolID, func(p *state.Pool) error {
		tvl = p.TVL()
		return nil
	})
	if ps.Payout == 0 {
		if pol, err := e.registry.Get(ps.PolicyID); err == nil {
			ps.Payout, _ = e.payouts.Payout(pol.Coverage, report.Status)
		}
	}

	alert := domain.SettlementAlert{
		FlightID:     report.FlightID,
		PolicyID:     ps.PolicyID,
		PoolID:       ps.PoolID,
		Reason:       AlertReason(cause),
		Payout:       ps.Payout,
		PoolTVL:      tvl,
		ReportID:     report.ReportID,
		RaisedAt:     e.now(),
		ErrorMessage: cause.Error(),
	}
	if e.metrics != nil {
		e.metrics.AlertsRaised.WithLabelValues(alert.Reason).Inc()
	}
	if err := e.alerts.RaiseSettlementAlert(ctx, alert); err != nil {
		e.logger.Error().Err(err).
			Uint64("policy_id", ps.PolicyID).
			Str("pool_id", ps.PoolID).
			Msg("failed to raise settlement alert")
	}
}

// IsSettlementFailure reports whether err carries per-policy failures.
func IsSettlementFailure(err error) bool {
	var sf *domain.SettlementFailure
	return errors.As(err, &sf)
}
