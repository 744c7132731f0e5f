package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"WingLedger/internal/event"
	"WingLedger/internal/persistence"
)

const rebuildPageSize = 1000

// RebuildProjections truncates the projection tables and replays the event
// log into them page by page. It returns the number of events applied.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) (int64, error) {
	truncateStatements := []string{
		`TRUNCATE projections.account_balances`,
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.policies`,
		`TRUNCATE projections.settlements`,
		`TRUNCATE projections.flight_reports`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	log := persistence.NewSnapshotManager(db)
	var applied int64
	from := int64(0)
	for {
		rows, err := log.LoadEventsFrom(ctx, from, rebuildPageSize)
		if err != nil {
			return applied, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		last := rows[len(rows)-1].Sequence

		journals, err := loadJournals(ctx, db, rows[0].Sequence, last)
		if err != nil {
			return applied, err
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, err
		}
		for _, row := range rows {
			evt, err := event.Decode(row.EventType, row.Payload)
			if err != nil {
				tx.Rollback()
				return applied, fmt.Errorf("decode seq %d: %w", row.Sequence, err)
			}
			out := ProjectionOutput{
				Sequence:       row.Sequence,
				EventType:      row.EventType,
				PoolID:         row.PoolID,
				Event:          evt,
				JournalEntries: journals[row.Sequence],
				Timestamp:      row.Timestamp,
			}
			if err := applyOutput(ctx, tx, out); err != nil {
				tx.Rollback()
				return applied, fmt.Errorf("apply seq %d: %w", row.Sequence, err)
			}
			applied++
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('main', $1, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
		`, last); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("watermark update: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return applied, err
		}
		from = last + 1
	}

	logger.Info().Int64("events", applied).Msg("projection rebuild complete")
	return applied, nil
}

func loadJournals(ctx context.Context, db *sql.DB, from, to int64) (map[int64][]JournalEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, debit_account, credit_account, amount, journal_type
		FROM event_log.journal
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("load journals: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]JournalEntry)
	for rows.Next() {
		var seq int64
		var j JournalEntry
		if err := rows.Scan(&seq, &j.DebitAccount, &j.CreditAccount, &j.Amount, &j.JournalType); err != nil {
			return nil, err
		}
		out[seq] = append(out[seq], j)
	}
	return out, rows.Err()
}
