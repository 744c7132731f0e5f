package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"WingLedger/internal/core"
	"WingLedger/internal/event"
	"WingLedger/internal/observability"
	"WingLedger/internal/state"
)

// ProjectionOutput is the slice of an engine output that projections read.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	PoolID         string
	Event          event.Event
	JournalEntries []JournalEntry
	Timestamp      time.Time
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   int32
}

// NewProjectionOutput converts an engine output.
func NewProjectionOutput(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence:  out.Envelope.Sequence,
		EventType: out.Envelope.EventType.String(),
		PoolID:    out.Envelope.PoolID,
		Event:     out.Event,
		Timestamp: out.Envelope.Timestamp,
	}
	if out.Batch != nil {
		po.JournalEntries = make([]JournalEntry, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			po.JournalEntries = append(po.JournalEntries, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
			})
		}
	}
	return po
}

// ProjectionWorker updates projection tables from applied events.
// The projection channel drops on overflow; RebuildProjections restores
// the tables from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	recent    *RecentSettlements
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, recent *RecentSettlements, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		recent:    recent,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// SetLogger replaces the worker logger.
func (pw *ProjectionWorker) SetLogger(logger zerolog.Logger) {
	pw.logger = logger
}

// LastSequence returns the last sequence the worker handled.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and rebuilt from the log.
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}
			if pw.recent != nil {
				if ps, ok := output.Event.(*event.PolicySettled); ok {
					pw.recent.Add(SettlementFromEvent(output.Sequence, ps))
				}
			}
			pw.lastSeq = output.Sequence

			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(output.EventType).Observe(time.Since(start).Seconds())
				pw.metrics.ProjectionWatermark.Set(float64(output.Sequence))
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyOutput(ctx, tx, output); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyOutput writes one event into the projection tables. Every statement
// is keyed by sequence or id so a re-applied output is harmless.
func applyOutput(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	for _, d := range balanceDeltas(output.JournalEntries) {
		if err := updateBalanceProjection(ctx, tx, output.PoolID, output.Sequence, d); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	seq := output.Sequence
	switch ev := output.Event.(type) {
	case *event.LiquidityDeposited:
		if err := ensurePool(ctx, tx, ev.Pool, seq); err != nil {
			return err
		}
		return promoteIfFunded(ctx, tx, ev.Pool, seq)

	case *event.LiquidityWithdrawn:
		return ensurePool(ctx, tx, ev.Pool, seq)

	case *event.CrowdFundCreated:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.pools
				(pool_id, kind, status, flight_id, required_coverage, funding_deadline, active_coverage, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, NOW())
			ON CONFLICT (pool_id) DO NOTHING
		`, ev.Pool, state.PoolKindCrowdFund.String(), state.PoolStatusPending.String(),
			ev.FlightID, ev.RequiredCoverage, ev.FundingDeadline, seq); err != nil {
			return fmt.Errorf("crowd-fund pool: %w", err)
		}
		return promoteIfFunded(ctx, tx, ev.Pool, seq)

	case *event.CrowdFundCancelled:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.pools SET status = $2, last_sequence = $3, updated_at = NOW()
			WHERE pool_id = $1
		`, ev.Pool, state.PoolStatusCancelled.String(), seq)
		return err

	case *event.PolicyPurchased:
		if err := ensurePool(ctx, tx, ev.Pool, seq); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO projections.policies
				(policy_id, owner, flight_id, pnr, pool_id, coverage, premium, expiry, status, payout, purchased_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11)
			ON CONFLICT (policy_id) DO NOTHING
		`, int64(ev.PolicyID), ev.Owner, ev.FlightID, ev.PNR, ev.Pool, ev.Coverage, ev.Premium,
			ev.Expiry, state.PolicyStatusActive.String(), ev.Timestamp, seq)
		if err != nil {
			return fmt.Errorf("policy insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return adjustCoverage(ctx, tx, ev.Pool, ev.Coverage, seq)

	case *event.PolicySettled:
		var coverage int64
		err := tx.QueryRowContext(ctx, `
			UPDATE projections.policies
			SET status = $2, payout = $3, closed_at = $4, last_sequence = $5
			WHERE policy_id = $1 AND status = $6
			RETURNING coverage
		`, int64(ev.PolicyID), state.PolicyStatusClaimed.String(), ev.Payout, ev.Timestamp, seq,
			state.PolicyStatusActive.String()).Scan(&coverage)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("policy settle: %w", err)
		}
		if err == nil {
			if err := adjustCoverage(ctx, tx, ev.Pool, -coverage, seq); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.settlements
				(sequence, policy_id, pool_id, flight_id, flight_status, payout, report_id, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (sequence) DO NOTHING
		`, seq, int64(ev.PolicyID), ev.Pool, ev.FlightID, ev.Status.String(), ev.Payout, ev.ReportID, ev.Timestamp)
		return err

	case *event.PolicyExpired:
		res, err := tx.ExecContext(ctx, `
			UPDATE projections.policies
			SET status = $2, closed_at = $3, last_sequence = $4
			WHERE policy_id = $1 AND status = $5
		`, int64(ev.PolicyID), state.PolicyStatusExpired.String(), ev.Timestamp, seq, state.PolicyStatusActive.String())
		if err != nil {
			return fmt.Errorf("policy expire: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return adjustCoverage(ctx, tx, ev.Pool, -ev.Coverage, seq)

	case *event.FlightStatusReported:
		r := ev.Report
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.flight_reports (report_id, flight_id, status, reporter, reported_at, sequence)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (report_id) DO NOTHING
		`, r.ReportID, r.FlightID, r.Status.String(), r.Reporter, r.ReportedAt, seq)
		return err
	}
	return nil
}

type balanceDelta struct {
	account string
	delta   int64
}

// balanceDeltas nets an event's journals per account: debits add, credits
// subtract. Order follows first appearance.
func balanceDeltas(journals []JournalEntry) []balanceDelta {
	var out []balanceDelta
	idx := make(map[string]int)
	add := func(account string, amount int64) {
		i, ok := idx[account]
		if !ok {
			i = len(out)
			idx[account] = i
			out = append(out, balanceDelta{account: account})
		}
		out[i].delta += amount
	}
	for _, j := range journals {
		add(j.DebitAccount, j.Amount)
		add(j.CreditAccount, -j.Amount)
	}
	return out
}

// updateBalanceProjection applies one account delta. The sequence guard
// makes a re-applied output a no-op.
func updateBalanceProjection(ctx context.Context, tx *sql.Tx, poolID string, seq int64, d balanceDelta) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_balances (account_path, pool_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.account_balances.balance + EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
		WHERE projections.account_balances.last_sequence < EXCLUDED.last_sequence
	`, d.account, poolID, d.delta, seq)
	return err
}

func ensurePool(ctx context.Context, tx *sql.Tx, poolID string, seq int64) error {
	kind := state.PoolKindAirline
	if poolID == state.GlobalPoolID {
		kind = state.PoolKindGlobal
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pools (pool_id, kind, status, active_coverage, last_sequence, updated_at)
		VALUES ($1, $2, $3, 0, $4, NOW())
		ON CONFLICT (pool_id) DO NOTHING
	`, poolID, kind.String(), state.PoolStatusOpen.String(), seq)
	if err != nil {
		return fmt.Errorf("ensure pool %s: %w", poolID, err)
	}
	return nil
}

// promoteIfFunded opens a pending crowd-fund pool once LP shares reach the
// required coverage. LP share balances are stored negative.
func promoteIfFunded(ctx context.Context, tx *sql.Tx, poolID string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.pools p
		SET status = $2, last_sequence = $4, updated_at = NOW()
		WHERE p.pool_id = $1 AND p.status = $3
		  AND p.required_coverage <= (
			SELECT COALESCE(-SUM(b.balance), 0) FROM projections.account_balances b
			WHERE b.pool_id = $1 AND b.account_path LIKE 'pool:' || $1 || ':lp:%'
		  )
	`, poolID, state.PoolStatusOpen.String(), state.PoolStatusPending.String(), seq)
	if err != nil {
		return fmt.Errorf("promote pool %s: %w", poolID, err)
	}
	return nil
}

func adjustCoverage(ctx context.Context, tx *sql.Tx, poolID string, delta, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.pools
		SET active_coverage = active_coverage + $2, last_sequence = $3, updated_at = NOW()
		WHERE pool_id = $1
	`, poolID, delta, seq)
	if err != nil {
		return fmt.Errorf("coverage %s: %w", poolID, err)
	}
	return nil
}
