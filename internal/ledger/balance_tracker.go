package ledger

import (
	"fmt"
	"sort"
)

// BalanceTracker maintains in-memory account balances for one pool.
// Not thread-safe: callers hold the owning pool's lock.
type BalanceTracker struct {
	poolID   string
	balances map[AccountKey]int64
}

func NewBalanceTracker(poolID string) *BalanceTracker {
	return &BalanceTracker{
		poolID:   poolID,
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	if batch.PoolID != bt.poolID {
		return fmt.Errorf("batch for pool %s applied to pool %s", batch.PoolID, bt.poolID)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === Pool views ===

// TVL is the capital currently held by the pool.
func (bt *BalanceTracker) TVL() int64 {
	return bt.balances[NewReserveKey(bt.poolID)]
}

// LPBalance returns the deposited share of one LP.
func (bt *BalanceTracker) LPBalance(lp string) int64 {
	return -bt.balances[NewLPShareKey(bt.poolID, lp)]
}

func (bt *BalanceTracker) TotalPremiums() int64 {
	return -bt.balances[NewPremiumIncomeKey(bt.poolID)]
}

func (bt *BalanceTracker) TotalFees() int64 {
	return -bt.balances[NewFeeIncomeKey(bt.poolID)]
}

func (bt *BalanceTracker) TotalPayouts() int64 {
	return bt.balances[NewPayoutsKey(bt.poolID)]
}

// TotalLPShares sums every LP's deposited share.
func (bt *BalanceTracker) TotalLPShares() int64 {
	var total int64
	for key, balance := range bt.balances {
		if key.SubType == SubTypeLPShare {
			total -= balance
		}
	}
	return total
}

// LPBalances returns LP -> share for every LP with a non-zero share,
// sorted by address.
func (bt *BalanceTracker) LPBalances() []LPShare {
	shares := make([]LPShare, 0)
	for key, balance := range bt.balances {
		if key.SubType == SubTypeLPShare && balance != 0 {
			shares = append(shares, LPShare{LP: key.Holder, Amount: -balance})
		}
	}
	sort.Slice(shares, func(i, j int) bool {
		return shares[i].LP < shares[j].LP
	})
	return shares
}

// ActiveLPCount counts LPs holding a positive share.
func (bt *BalanceTracker) ActiveLPCount() int {
	count := 0
	for key, balance := range bt.balances {
		if key.SubType == SubTypeLPShare && balance < 0 {
			count++
		}
	}
	return count
}

// LPShare is one LP's deposited share.
type LPShare struct {
	LP     string `json:"lp"`
	Amount int64  `json:"amount"`
}

// === Invariant Checks ===

// ComputeGlobalBalance sums all account balances (0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a debit-normal account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SetBalance overwrites a balance; used on snapshot restore only.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	if balance == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = balance
}
