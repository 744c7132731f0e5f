package persistence_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"WingLedger/internal/core"
	"WingLedger/internal/persistence"
	"WingLedger/internal/testutil"
)

func TestPostgres_WorkerWritesAndReplays(t *testing.T) {
	testutil.RequireIntegration(t)
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 64)
	src := newEngine(t, persist)
	workload(t, src)

	in := make(chan persistence.CoreOutput, 64)
	for len(persist) > 0 {
		in <- persistence.FromCoreOutput(<-persist)
	}
	close(in)

	worker := persistence.NewPersistenceWorker(db, in, 10, 5*time.Millisecond, nil)
	if err := worker.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mgr := persistence.NewSnapshotManager(db)
	latest, err := mgr.GetLatestSequence(ctx)
	if err != nil || latest != src.GetSequence()-1 {
		t.Fatalf("latest sequence: got %d (%v), want %d", latest, err, src.GetSequence()-1)
	}

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("LiquidityDeposited", "dep-1")
	if err != nil || !dup {
		t.Errorf("dep-1 should be found: %v %v", dup, err)
	}

	fresh := newEngine(t, nil)
	if _, err := persistence.Recover(ctx, mgr, fresh, nil, zerolog.Nop()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if fresh.GetStateHash() != src.GetStateHash() {
		t.Error("state hash differs after replay from postgres")
	}

	seq, err := persistence.TakeSnapshot(ctx, src, mgr, nil)
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	snap, err := mgr.LoadLatestSnapshot(ctx)
	if err != nil || snap == nil || snap.Sequence != seq {
		t.Fatalf("LoadLatestSnapshot: %+v %v", snap, err)
	}
}

func TestPostgres_MigratorDetectsDrift(t *testing.T) {
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	dir := t.TempDir()
	src := testutil.MigrationsDir(t)
	entries, err := os.ReadDir(src)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dir, e.Name()), data, 0o644); err != nil {
			t.Fatalf("copy %s: %v", e.Name(), err)
		}
	}

	m := persistence.NewMigrator(db, dir)
	m.SetLogger(zerolog.Nop())
	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up on unchanged files: %v", err)
	}
	versions, err := m.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied: %v", err)
	}
	if len(versions) != 2 || versions[0] != "000001" || versions[1] != "000002" {
		t.Errorf("applied: got %v, want [000001 000002]", versions)
	}

	edited := filepath.Join(dir, "000002_projections.up.sql")
	f, err := os.OpenFile(edited, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("\n-- edited after apply\n")
	f.Close()

	if err := m.Up(ctx); !errors.Is(err, persistence.ErrMigrationDrift) {
		t.Fatalf("Up after edit: got %v, want ErrMigrationDrift", err)
	}
}
