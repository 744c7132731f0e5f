package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeWithdrawalFee
	JournalTypePremium
	JournalTypePayout
	JournalTypeCrowdFundContribution
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeWithdrawalFee:
		return "withdrawal_fee"
	case JournalTypePremium:
		return "premium"
	case JournalTypePayout:
		return "payout"
	case JournalTypeCrowdFundContribution:
		return "crowdfund_contribution"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string     // Idempotency key of source event
	Sequence      int64      // Global event sequence, set at emission
	DebitAccount  AccountKey // balance increases
	CreditAccount AccountKey // balance decreases
	Amount        int64      // Minor units, ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // Event timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries for one pool
type Batch struct {
	BatchID   uuid.UUID
	PoolID    string
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves a single
// positive amount from the credit to the debit account, so every entry is
// balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.PoolID != b.PoolID || j.CreditAccount.PoolID != b.PoolID {
			return fmt.Errorf("journal %s crosses pool boundary of batch %s", j.JournalID, b.PoolID)
		}
	}

	return nil
}

// SetSequence stamps the global sequence on the batch and all its journals.
func (b *Batch) SetSequence(seq int64) {
	b.Sequence = seq
	for i := range b.Journals {
		b.Journals[i].Sequence = seq
	}
}

// IsEmpty reports whether the batch moves no capital.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}
