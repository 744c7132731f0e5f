package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"WingLedger/internal/domain"
	"WingLedger/internal/event"
)

// MaxFlightIDLength bounds the flight identifier on a policy.
const MaxFlightIDLength = 32

type PolicyStatus int32

const (
	PolicyStatusActive PolicyStatus = iota
	PolicyStatusClaimed
	PolicyStatusExpired
)

func (s PolicyStatus) String() string {
	switch s {
	case PolicyStatusActive:
		return "active"
	case PolicyStatusClaimed:
		return "claimed"
	case PolicyStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Policy is an owned insurance record. Status is never stored; see StatusAt.
type Policy struct {
	ID          uint64    `json:"policy_id"`
	Owner       string    `json:"owner"`
	FlightID    string    `json:"flight_id"`
	PNR         string    `json:"pnr"`
	PoolID      string    `json:"pool_id"`
	Coverage    int64     `json:"coverage"`
	Premium     int64     `json:"premium"`
	Expiry      time.Time `json:"expiry"`
	PurchasedAt time.Time `json:"purchased_at"`

	PayoutExecuted bool               `json:"payout_executed"`
	PayoutAmount   int64              `json:"payout_amount"`
	SettledAt      time.Time          `json:"settled_at"`
	SettledStatus  event.FlightStatus `json:"settled_status"`
	ExpiryReleased bool               `json:"expiry_released"`
}

// StatusAt derives the policy status at now.
func (p *Policy) StatusAt(now time.Time) PolicyStatus {
	if p.PayoutExecuted {
		return PolicyStatusClaimed
	}
	if now.After(p.Expiry) {
		return PolicyStatusExpired
	}
	return PolicyStatusActive
}

// ValidatePolicy checks the fields a buyer supplies.
func ValidatePolicy(p *Policy) error {
	if p.Coverage <= 0 {
		return fmt.Errorf("%w: coverage %d", domain.ErrInvalidAmount, p.Coverage)
	}
	if p.Premium <= 0 {
		return fmt.Errorf("%w: premium %d", domain.ErrInvalidAmount, p.Premium)
	}
	if p.FlightID == "" || len(p.FlightID) > MaxFlightIDLength {
		return fmt.Errorf("%w: flight id %q", domain.ErrInvalidPolicy, p.FlightID)
	}
	if p.Owner == "" {
		return fmt.Errorf("%w: empty owner", domain.ErrInvalidPolicy)
	}
	if p.PoolID == "" {
		return fmt.Errorf("%w: empty pool", domain.ErrPoolNotFound)
	}
	if !p.Expiry.After(p.PurchasedAt) {
		return fmt.Errorf("%w: expiry %s not after purchase", domain.ErrInvalidPolicy, p.Expiry.Format(time.RFC3339))
	}
	return nil
}

// PolicyRegistry stores every policy ever minted, indexed by flight and owner.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[uint64]*Policy
	byFlight map[string][]uint64
	byOwner  map[string][]uint64
	nextID   uint64
}

func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{
		policies: make(map[uint64]*Policy),
		byFlight: make(map[string][]uint64),
		byOwner:  make(map[string][]uint64),
		nextID:   1,
	}
}

// ReserveID hands out the next sequential policy id.
func (r *PolicyRegistry) ReserveID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// Mint registers a policy under the id it carries. Ids coming from the log
// advance the counter so later reservations never collide.
func (r *PolicyRegistry) Mint(p Policy) (Policy, error) {
	if p.ID == 0 {
		return Policy{}, fmt.Errorf("%w: policy id not assigned", domain.ErrInvalidPolicy)
	}
	if err := ValidatePolicy(&p); err != nil {
		return Policy{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[p.ID]; exists {
		return Policy{}, fmt.Errorf("%w: policy %d already minted", domain.ErrInvalidPolicy, p.ID)
	}
	stored := p
	r.policies[p.ID] = &stored
	r.byFlight[p.FlightID] = append(r.byFlight[p.FlightID], p.ID)
	r.byOwner[p.Owner] = append(r.byOwner[p.Owner], p.ID)
	if p.ID >= r.nextID {
		r.nextID = p.ID + 1
	}
	return stored, nil
}

// Get returns a copy of the policy.
func (r *PolicyRegistry) Get(id uint64) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %d", domain.ErrPolicyNotFound, id)
	}
	return *p, nil
}

// ListByFlight returns every policy for flightID in insertion order.
func (r *PolicyRegistry) ListByFlight(flightID string) []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byFlight[flightID])
}

// ListByOwner returns every policy held by owner in insertion order.
func (r *PolicyRegistry) ListByOwner(owner string) []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byOwner[owner])
}

func (r *PolicyRegistry) collect(ids []uint64) []Policy {
	out := make([]Policy, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.policies[id])
	}
	return out
}

// MarkSettled sets payoutExecuted. It reports false, without error, when the
// policy was already claimed.
func (r *PolicyRegistry) MarkSettled(id uint64, payout int64, status event.FlightStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[id]
	if !ok {
		return false, fmt.Errorf("%w: %d", domain.ErrPolicyNotFound, id)
	}
	if p.PayoutExecuted {
		return false, nil
	}
	p.PayoutExecuted = true
	p.PayoutAmount = payout
	p.SettledStatus = status
	p.SettledAt = at
	return true, nil
}

// MarkExpiryReleased flags an expired policy whose exposure was released.
// It reports false if the flag was already set or the policy was claimed.
func (r *PolicyRegistry) MarkExpiryReleased(id uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[id]
	if !ok {
		return false, fmt.Errorf("%w: %d", domain.ErrPolicyNotFound, id)
	}
	if p.ExpiryReleased || p.PayoutExecuted {
		return false, nil
	}
	p.ExpiryReleased = true
	return true, nil
}

// ExpiredUnreleased lists unclaimed policies past expiry at now whose
// exposure is still held by their pool, ordered by id.
func (r *PolicyRegistry) ExpiredUnreleased(now time.Time) []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Policy
	for _, p := range r.policies {
		if !p.ExpiryReleased && p.StatusAt(now) == PolicyStatusExpired {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByStatus tallies policies by derived status at now.
func (r *PolicyRegistry) CountByStatus(now time.Time) map[PolicyStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[PolicyStatus]int, 3)
	for _, p := range r.policies {
		counts[p.StatusAt(now)]++
	}
	return counts
}

// RegistrySnapshot is the serializable form of the registry.
type RegistrySnapshot struct {
	NextID   uint64   `json:"next_id"`
	Policies []Policy `json:"policies"`
}

func (r *PolicyRegistry) Snapshot() RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	policies := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		policies = append(policies, *p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return RegistrySnapshot{NextID: r.nextID, Policies: policies}
}

// Restore replaces the registry contents. Policies are re-indexed in id
// order, which is their insertion order.
func (r *PolicyRegistry) Restore(snap RegistrySnapshot) {
	policies := append([]Policy(nil), snap.Policies...)
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })

	r.mu.Lock()
	defer r.mu.Unlock()

	r.policies = make(map[uint64]*Policy, len(policies))
	r.byFlight = make(map[string][]uint64)
	r.byOwner = make(map[string][]uint64)
	r.nextID = snap.NextID
	if r.nextID == 0 {
		r.nextID = 1
	}
	for i := range policies {
		p := policies[i]
		r.policies[p.ID] = &p
		r.byFlight[p.FlightID] = append(r.byFlight[p.FlightID], p.ID)
		r.byOwner[p.Owner] = append(r.byOwner[p.Owner], p.ID)
		if p.ID >= r.nextID {
			r.nextID = p.ID + 1
		}
	}
}
