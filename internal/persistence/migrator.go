package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"WingLedger/internal/observability"
)

// migrationLockID keys the advisory lock held while migrating, so replicas
// booting together apply each file once.
const migrationLockID = 0x77696e67 // "wing"

// ErrMigrationDrift is returned when an applied migration file was edited
// after it ran.
var ErrMigrationDrift = errors.New("applied migration changed on disk")

// Migrator applies {version}_{name}.up.sql / .down.sql files in version
// order and records each one with its checksum in wing_schema_migrations.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

// AppliedMigration is one row of the migration table.
type AppliedMigration struct {
	Version  string
	Filename string
	Checksum string
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{
		db:            db,
		migrationsDir: migrationsDir,
		logger:        observability.NewLogger("migrator"),
	}
}

// SetLogger replaces the migrator logger.
func (m *Migrator) SetLogger(logger zerolog.Logger) {
	m.logger = logger
}

// Applied returns applied migration versions in order.
func (m *Migrator) Applied(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, m.db)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions, nil
}

// Up applies every pending up-migration. It refuses to run when a file that
// was already applied no longer matches its recorded checksum.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	files, err := m.listFiles(".up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	return m.locked(ctx, func(tx *sql.Tx) error {
		applied, err := m.applied(ctx, tx)
		if err != nil {
			return fmt.Errorf("get applied versions: %w", err)
		}

		for _, f := range files {
			content, err := os.ReadFile(filepath.Join(m.migrationsDir, f))
			if err != nil {
				return fmt.Errorf("read migration %s: %w", f, err)
			}
			version, sum := migrationVersion(f), checksum(content)

			if prev, ok := applied[version]; ok {
				if prev.Checksum != "" && prev.Checksum != sum {
					return fmt.Errorf("%w: %s", ErrMigrationDrift, f)
				}
				continue
			}

			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("exec migration %s: %w", f, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO public.wing_schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				version, f, sum,
			); err != nil {
				return fmt.Errorf("record migration %s: %w", f, err)
			}
			m.logger.Info().Str("file", f).Str("checksum", sum[:12]).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	return m.locked(ctx, func(tx *sql.Tx) error {
		var version, filename string
		err := tx.QueryRowContext(ctx,
			`SELECT version, filename FROM public.wing_schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get latest migration: %w", err)
		}

		downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
		content, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", downFile, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec down migration %s: %w", downFile, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM public.wing_schema_migrations WHERE version = $1`, version,
		); err != nil {
			return fmt.Errorf("remove migration record %s: %w", version, err)
		}
		m.logger.Info().Str("file", downFile).Msg("rolled back migration")
		return nil
	})
}

// locked runs fn in one transaction holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.wing_schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (m *Migrator) applied(ctx context.Context, q queryer) (map[string]AppliedMigration, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, filename, checksum FROM public.wing_schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]AppliedMigration)
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.Filename, &a.Checksum); err != nil {
			return nil, err
		}
		applied[a.Version] = a
	}
	return applied, rows.Err()
}

func (m *Migrator) listFiles(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// migrationVersion returns the numeric prefix, "000001" for
// "000001_event_log.up.sql".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
