package core

import (
	"fmt"

	"WingLedger/internal/state"
)

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	// Last applied sequence, -1 before the first event
	Sequence        int64
	StateHash       [32]byte
	Pools           []state.PoolSnapshot
	Registry        state.RegistrySnapshot
	IdempotencyKeys []string
}

// CreateSnapshotState captures a consistent copy of the engine. It waits for
// in-flight commands and blocks new ones until the copy is taken.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.gate.Lock()
	defer e.gate.Unlock()

	e.seqMu.Lock()
	seq := e.sequence - 1
	hash := e.hasher.GetPrevHash()
	e.seqMu.Unlock()

	return &SnapshotState{
		Sequence:        seq,
		StateHash:       hash,
		Pools:           e.pools.Snapshot(),
		Registry:        e.registry.Snapshot(),
		IdempotencyKeys: e.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces the engine state with a snapshot. Configured
// boot pools missing from the snapshot are created empty.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.gate.Lock()
	defer e.gate.Unlock()

	if err := e.pools.Restore(snap.Pools); err != nil {
		return fmt.Errorf("restore pools: %w", err)
	}
	e.registry.Restore(snap.Registry)
	e.idempotency.Warm(snap.IdempotencyKeys)

	e.seqMu.Lock()
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.seqMu.Unlock()

	return e.ensureBootPools()
}
