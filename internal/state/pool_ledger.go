package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"WingLedger/internal/domain"
)

// PoolLedger owns every pool. The map is guarded by an RWMutex; each pool's
// balances are guarded by that pool's own mutex, so pools never block each
// other.
type PoolLedger struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewPoolLedger() *PoolLedger {
	return &PoolLedger{
		pools: make(map[string]*Pool),
	}
}

// Create registers a Global or Airline pool.
func (pl *PoolLedger) Create(id string, kind PoolKind, createdAt time.Time) (*Pool, error) {
	id = strings.TrimSpace(id)
	if err := domain.ValidatePoolID(id); err != nil {
		return nil, err
	}
	if kind == PoolKindAirline && !IsKnownAirline(id) {
		return nil, fmt.Errorf("%w: unknown airline %q", domain.ErrPoolNotFound, id)
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if _, exists := pl.pools[id]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrPoolExists, id)
	}
	p := newPool(id, kind, createdAt)
	pl.pools[id] = p
	return p, nil
}

// CreateCrowdFund registers a pending crowd-fund pool backing one flight.
func (pl *PoolLedger) CreateCrowdFund(id, flightID string, required int64, deadline, createdAt time.Time) (*Pool, error) {
	if err := domain.ValidatePoolID(id); err != nil {
		return nil, err
	}
	if required <= 0 {
		return nil, fmt.Errorf("%w: required coverage %d", domain.ErrInvalidAmount, required)
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if _, exists := pl.pools[id]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrPoolExists, id)
	}
	p := newPool(id, PoolKindCrowdFund, createdAt)
	p.Status = PoolStatusPending
	p.FlightID = flightID
	p.RequiredCoverage = required
	p.FundingDeadline = deadline
	pl.pools[id] = p
	return p, nil
}

// Discard removes a pool whose creating event was rejected.
func (pl *PoolLedger) Discard(id string) {
	pl.mu.Lock()
	delete(pl.pools, id)
	pl.mu.Unlock()
}

// Exists reports whether id is a registered pool.
func (pl *PoolLedger) Exists(id string) bool {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	_, ok := pl.pools[id]
	return ok
}

// Get returns the pool without locking it.
func (pl *PoolLedger) Get(id string) (*Pool, error) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	p, ok := pl.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPoolNotFound, id)
	}
	return p, nil
}

// List returns all pools ordered by id.
func (pl *PoolLedger) List() []*Pool {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	pools := make([]*Pool, 0, len(pl.pools))
	for _, p := range pl.pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools
}

// WithPool runs fn with the pool locked.
func (pl *PoolLedger) WithPool(id string, fn func(p *Pool) error) error {
	p, err := pl.Get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p)
}

// Infos copies every pool, locking each in turn.
func (pl *PoolLedger) Infos() []PoolInfo {
	pools := pl.List()
	infos := make([]PoolInfo, 0, len(pools))
	for _, p := range pools {
		p.mu.Lock()
		infos = append(infos, p.Info())
		p.mu.Unlock()
	}
	return infos
}

// Snapshot copies every pool. Callers must ensure no mutation is in flight.
func (pl *PoolLedger) Snapshot() []PoolSnapshot {
	pools := pl.List()
	snaps := make([]PoolSnapshot, 0, len(pools))
	for _, p := range pools {
		p.mu.Lock()
		snaps = append(snaps, p.Snapshot())
		p.mu.Unlock()
	}
	return snaps
}

// Restore replaces every pool with the snapshot contents.
func (pl *PoolLedger) Restore(snaps []PoolSnapshot) error {
	pools := make(map[string]*Pool, len(snaps))
	for _, snap := range snaps {
		p, err := restorePool(snap)
		if err != nil {
			return err
		}
		pools[p.ID] = p
	}

	pl.mu.Lock()
	pl.pools = pools
	pl.mu.Unlock()
	return nil
}
