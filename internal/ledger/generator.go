package ledger

import (
	"fmt"

	"WingLedger/internal/domain"
	fpmath "WingLedger/internal/math"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for one pool. It never
// mutates balances; pre-checks read the tracker so a rejected operation
// leaves no trace.
type JournalGenerator struct {
	poolID         string
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		poolID:         tracker.poolID,
		balanceTracker: tracker,
	}
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		PoolID:    jg.poolID,
		EventRef:  eventRef,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) appendJournal(batch *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	})
}

// fits rejects amount when adding it to any of balances would leave int64
// range. Balances are given in their positive view.
func fits(what string, amount int64, balances ...int64) error {
	for _, b := range balances {
		if _, err := fpmath.AddChecked(b, amount); err != nil {
			return fmt.Errorf("%w: %s %d overflows balance %d", domain.ErrInvalidAmount, what, amount, b)
		}
	}
	return nil
}

// GenerateDeposit moves an LP deposit into the reserve.
// Debit reserve, credit lp share.
func (jg *JournalGenerator) GenerateDeposit(lp string, amount int64, eventRef string, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: deposit amount %d", domain.ErrInvalidAmount, amount)
	}
	if lp == "" {
		return nil, fmt.Errorf("%w: empty lp address", domain.ErrInvalidAmount)
	}
	bt := jg.balanceTracker
	if err := fits("deposit", amount, bt.TVL(), bt.LPBalance(lp), bt.TotalLPShares()); err != nil {
		return nil, err
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.appendJournal(batch, NewReserveKey(jg.poolID), NewLPShareKey(jg.poolID, lp), amount, JournalTypeDeposit)
	return batch, nil
}

// GenerateContributions books every crowd-fund backer as an LP deposit in
// a single batch.
func (jg *JournalGenerator) GenerateContributions(backers []Contribution, eventRef string, timestamp int64) (*Batch, error) {
	bt := jg.balanceTracker
	reserve, shares := bt.TVL(), bt.TotalLPShares()
	held := make(map[string]int64, len(backers))

	batch := jg.newBatch(eventRef, timestamp, len(backers))
	for _, b := range backers {
		if b.Amount <= 0 {
			return nil, fmt.Errorf("%w: contribution from %s is %d", domain.ErrInvalidAmount, b.Backer, b.Amount)
		}
		if b.Backer == "" {
			return nil, fmt.Errorf("%w: contribution without backer", domain.ErrInvalidAmount)
		}
		if _, ok := held[b.Backer]; !ok {
			held[b.Backer] = bt.LPBalance(b.Backer)
		}
		if err := fits("contribution", b.Amount, reserve, shares, held[b.Backer]); err != nil {
			return nil, err
		}
		reserve += b.Amount
		shares += b.Amount
		held[b.Backer] += b.Amount
		jg.appendJournal(batch, NewReserveKey(jg.poolID), NewLPShareKey(jg.poolID, b.Backer), b.Amount, JournalTypeCrowdFundContribution)
	}
	return batch, nil
}

// Contribution mirrors event.Contribution without importing the event package.
type Contribution struct {
	Backer string
	Amount int64
}

// GenerateWithdrawal burns amount of the LP share. amount-fee leaves the
// reserve; fee stays in the pool as fee income.
func (jg *JournalGenerator) GenerateWithdrawal(lp string, amount, fee int64, eventRef string, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: withdrawal amount %d", domain.ErrInvalidAmount, amount)
	}
	if fee < 0 || fee > amount {
		return nil, fmt.Errorf("%w: withdrawal fee %d for amount %d", domain.ErrInvalidAmount, fee, amount)
	}

	if have := jg.balanceTracker.LPBalance(lp); have < amount {
		return nil, fmt.Errorf("%w: lp %s has %d, requested %d", domain.ErrInsufficientBalance, lp, have, amount)
	}

	if err := fits("withdrawal fee", fee, jg.balanceTracker.TotalFees()); err != nil {
		return nil, err
	}

	net := amount - fee
	if tvl := jg.balanceTracker.TVL(); tvl < net {
		return nil, fmt.Errorf("%w: pool %s holds %d, withdrawal needs %d", domain.ErrInsufficientPoolCapital, jg.poolID, tvl, net)
	}

	batch := jg.newBatch(eventRef, timestamp, 2)
	share := NewLPShareKey(jg.poolID, lp)
	if net > 0 {
		jg.appendJournal(batch, share, NewReserveKey(jg.poolID), net, JournalTypeWithdrawal)
	}
	if fee > 0 {
		jg.appendJournal(batch, share, NewFeeIncomeKey(jg.poolID), fee, JournalTypeWithdrawalFee)
	}
	return batch, nil
}

// GeneratePremium credits premium income into the reserve.
func (jg *JournalGenerator) GeneratePremium(amount int64, eventRef string, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: premium %d", domain.ErrInvalidAmount, amount)
	}
	if err := fits("premium", amount, jg.balanceTracker.TVL(), jg.balanceTracker.TotalPremiums()); err != nil {
		return nil, err
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.appendJournal(batch, NewReserveKey(jg.poolID), NewPremiumIncomeKey(jg.poolID), amount, JournalTypePremium)
	return batch, nil
}

// GeneratePayout pays a claim out of the reserve. Fails whole: a pool that
// cannot cover the full amount pays nothing.
func (jg *JournalGenerator) GeneratePayout(amount int64, eventRef string, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: payout %d", domain.ErrInvalidAmount, amount)
	}
	if tvl := jg.balanceTracker.TVL(); amount > tvl {
		return nil, fmt.Errorf("%w: pool %s holds %d, payout needs %d", domain.ErrInsufficientPoolCapital, jg.poolID, tvl, amount)
	}
	if err := fits("payout", amount, jg.balanceTracker.TotalPayouts()); err != nil {
		return nil, err
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.appendJournal(batch, NewPayoutsKey(jg.poolID), NewReserveKey(jg.poolID), amount, JournalTypePayout)
	return batch, nil
}
