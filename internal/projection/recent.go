package projection

import (
	"sync"
	"time"

	"WingLedger/internal/event"
)

// Settlement is one paid or zero-payout settlement as seen by readers.
type Settlement struct {
	Sequence     int64     `json:"sequence"`
	PolicyID     uint64    `json:"policy_id"`
	PoolID       string    `json:"pool_id"`
	FlightID     string    `json:"flight_id"`
	FlightStatus string    `json:"flight_status"`
	Payout       int64     `json:"payout"`
	ReportID     string    `json:"report_id"`
	SettledAt    time.Time `json:"settled_at"`
}

func SettlementFromEvent(seq int64, ev *event.PolicySettled) Settlement {
	return Settlement{
		Sequence:     seq,
		PolicyID:     ev.PolicyID,
		PoolID:       ev.Pool,
		FlightID:     ev.FlightID,
		FlightStatus: ev.Status.String(),
		Payout:       ev.Payout,
		ReportID:     ev.ReportID,
		SettledAt:    ev.Timestamp,
	}
}

// RecentSettlements keeps the last N settlements in memory for the live
// feed. It is not durable; the settlements table is the record.
type RecentSettlements struct {
	mu    sync.RWMutex
	buf   []Settlement
	next  int
	count int
}

func NewRecentSettlements(capacity int) *RecentSettlements {
	if capacity <= 0 {
		capacity = 100
	}
	return &RecentSettlements{buf: make([]Settlement, capacity)}
}

func (r *RecentSettlements) Add(s Settlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Latest returns up to limit settlements, newest first.
func (r *RecentSettlements) Latest(limit int) []Settlement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]Settlement, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns how many settlements are held.
func (r *RecentSettlements) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
