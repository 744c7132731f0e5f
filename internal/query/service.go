package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"WingLedger/internal/domain"
	"WingLedger/internal/ledger"
	"WingLedger/internal/state"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// QueryService provides read-only access to the event log and projection
// tables. Live pool and policy reads are served by the engine; this service
// covers history and admin reads. Responses carry as_of_sequence, the
// projection watermark, or -1 before the first projected event.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// GetPoolJournal returns a pool's journal entries, newest first. Pass the
// smallest sequence of the previous page as afterSequence to page back.
func (qs *QueryService) GetPoolJournal(
	ctx context.Context,
	poolID string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence, pool_id,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE pool_id = $1
	`
	args := []any{poolID}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var jt int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence, &e.PoolID,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetFlightSettlements returns settlements for a flight, newest first.
func (qs *QueryService) GetFlightSettlements(ctx context.Context, flightID string, limit int, afterSequence *int64) ([]SettlementResponse, error) {
	return qs.settlements(ctx, "flight_id", flightID, limit, afterSequence)
}

// GetPoolSettlements returns settlements paid from a pool, newest first.
func (qs *QueryService) GetPoolSettlements(ctx context.Context, poolID string, limit int, afterSequence *int64) ([]SettlementResponse, error) {
	return qs.settlements(ctx, "pool_id", poolID, limit, afterSequence)
}

func (qs *QueryService) settlements(ctx context.Context, column, value string, limit int, afterSequence *int64) ([]SettlementResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	// column is one of two constants above, never caller input
	query := `
		SELECT sequence, policy_id, pool_id, flight_id, flight_status, payout, report_id, settled_at
		FROM projections.settlements
		WHERE ` + column + ` = $1
	`
	args := []any{value}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementResponse
	for rows.Next() {
		var s SettlementResponse
		var policyID int64
		if err := rows.Scan(
			&s.Sequence, &policyID, &s.PoolID, &s.FlightID, &s.FlightStatus,
			&s.Payout, &s.ReportID, &s.SettledAt,
		); err != nil {
			return nil, err
		}
		s.PolicyID = uint64(policyID)
		s.AsOfSequence = asOfSeq
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetFlightReports returns the accepted oracle reports for a flight in
// log order.
func (qs *QueryService) GetFlightReports(ctx context.Context, flightID string) ([]FlightReportResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT report_id, flight_id, status, reporter, reported_at, sequence
		FROM projections.flight_reports
		WHERE flight_id = $1
		ORDER BY sequence ASC
	`, flightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FlightReportResponse
	for rows.Next() {
		var r FlightReportResponse
		if err := rows.Scan(&r.ReportID, &r.FlightID, &r.Status, &r.Reporter, &r.ReportedAt, &r.Sequence); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetProjectedPool rebuilds a pool view from the projection tables.
func (qs *QueryService) GetProjectedPool(ctx context.Context, poolID string) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	p := &PoolResponse{PoolID: poolID, AsOfSequence: asOfSeq}
	var flightID sql.NullString
	var deadline sql.NullTime
	err = qs.db.QueryRowContext(ctx, `
		SELECT kind, status, flight_id, required_coverage, funding_deadline, active_coverage
		FROM projections.pools
		WHERE pool_id = $1
	`, poolID).Scan(&p.Kind, &p.Status, &flightID, &p.RequiredCoverage, &deadline, &p.ActiveCoverage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPoolNotFound, poolID)
	}
	if err != nil {
		return nil, err
	}
	p.FlightID = flightID.String
	if deadline.Valid {
		t := deadline.Time.UTC()
		p.FundingDeadline = &t
	}

	signed, err := qs.poolBalances(ctx, poolID)
	if err != nil {
		return nil, err
	}
	p.Balances, p.LPs, err = SummarizePool(poolID, signed)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProjectedDashboard aggregates pools, balances and active policies
// from the projections.
func (qs *QueryService) GetProjectedDashboard(ctx context.Context, now time.Time) (*ProjectedDashboard, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	d := &ProjectedDashboard{AsOfSequence: asOfSeq}

	rows, err := qs.db.QueryContext(ctx, `SELECT pool_id, active_coverage FROM projections.pools ORDER BY pool_id`)
	if err != nil {
		return nil, err
	}
	var pools []string
	for rows.Next() {
		var id string
		var coverage int64
		if err := rows.Scan(&id, &coverage); err != nil {
			rows.Close()
			return nil, err
		}
		pools = append(pools, id)
		d.ActiveCoverage += coverage
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	d.Pools = len(pools)

	lps := make(map[string]struct{})
	for _, id := range pools {
		signed, err := qs.poolBalances(ctx, id)
		if err != nil {
			return nil, err
		}
		b, holders, err := SummarizePool(id, signed)
		if err != nil {
			return nil, err
		}
		d.TotalTVL += b.TVL
		d.TotalPremiums += b.Premiums
		d.TotalPayouts += b.Payouts
		d.TotalFees += b.Fees
		for lp := range holders {
			lps[lp] = struct{}{}
		}
	}
	d.ActiveLPs = len(lps)

	// Unswept policies past expiry are no longer active.
	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM projections.policies WHERE status = $1 AND expiry > $2
	`, state.PolicyStatusActive.String(), now).Scan(&d.ActivePolicies)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain, sequence continuity and
// the per-pool zero sum of projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&report.CheckedEvents); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			gapRows.Close()
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Close(); err != nil {
		return nil, err
	}

	// Every journal moves value inside one pool, so projected balances net
	// to zero per pool.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT pool_id, SUM(balance) AS total
		FROM projections.account_balances
		GROUP BY pool_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedPool
		if err := balanceRows.Scan(&u.PoolID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedPools = append(report.UnbalancedPools, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedPools) == 0
	return report, nil
}

// Watermark returns the last projected sequence, or -1 if nothing has been
// projected yet.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	return qs.getWatermark(ctx)
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) poolBalances(ctx context.Context, poolID string) (map[string]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, balance FROM projections.account_balances WHERE pool_id = $1
	`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var path string
		var bal int64
		if err := rows.Scan(&path, &bal); err != nil {
			return nil, err
		}
		out[path] = bal
	}
	return out, rows.Err()
}
