package ledger

import (
	"fmt"
	"strings"

	"WingLedger/internal/domain"
)

// AccountSubType represents the account purpose inside a pool
type AccountSubType uint8

const (
	// Pool capital actually held (tvl). Debit-normal.
	SubTypeReserve AccountSubType = iota
	// LP deposited share. Credit-normal: balance is -lpBalance.
	SubTypeLPShare
	// Cumulative premium income. Credit-normal.
	SubTypePremiumIncome
	// Withdrawal fees retained by the pool. Credit-normal.
	SubTypeFeeIncome
	// Cumulative claims paid. Debit-normal.
	SubTypePayouts
)

// AccountKey is the in-memory key for balance tracking. Holder is only set
// for LP share accounts.
type AccountKey struct {
	PoolID  string
	SubType AccountSubType
	Holder  string
}

func NewReserveKey(poolID string) AccountKey {
	return AccountKey{PoolID: poolID, SubType: SubTypeReserve}
}

func NewLPShareKey(poolID, lp string) AccountKey {
	return AccountKey{PoolID: poolID, SubType: SubTypeLPShare, Holder: lp}
}

func NewPremiumIncomeKey(poolID string) AccountKey {
	return AccountKey{PoolID: poolID, SubType: SubTypePremiumIncome}
}

func NewFeeIncomeKey(poolID string) AccountKey {
	return AccountKey{PoolID: poolID, SubType: SubTypeFeeIncome}
}

func NewPayoutsKey(poolID string) AccountKey {
	return AccountKey{PoolID: poolID, SubType: SubTypePayouts}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	if k.SubType == SubTypeLPShare {
		return fmt.Sprintf("pool:%s:lp:%s", k.PoolID, k.Holder)
	}
	return fmt.Sprintf("pool:%s:%s", k.PoolID, k.SubType.String())
}

func (s AccountSubType) String() string {
	switch s {
	case SubTypeReserve:
		return "reserve"
	case SubTypeLPShare:
		return "lp"
	case SubTypePremiumIncome:
		return "premiums"
	case SubTypeFeeIncome:
		return "fees"
	case SubTypePayouts:
		return "payouts"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath. Pool ids never contain
// ':', so only an LP holder may carry extra separators.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.SplitN(path, ":", 4)
	if len(parts) < 3 || parts[0] != "pool" {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	poolID := parts[1]
	if err := domain.ValidatePoolID(poolID); err != nil {
		return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
	}

	if parts[2] == "lp" {
		if len(parts) != 4 || parts[3] == "" {
			return AccountKey{}, fmt.Errorf("lp account path %q has no holder", path)
		}
		return NewLPShareKey(poolID, parts[3]), nil
	}
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	switch parts[2] {
	case "reserve":
		return NewReserveKey(poolID), nil
	case "premiums":
		return NewPremiumIncomeKey(poolID), nil
	case "fees":
		return NewFeeIncomeKey(poolID), nil
	case "payouts":
		return NewPayoutsKey(poolID), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account type in path %q", path)
}
