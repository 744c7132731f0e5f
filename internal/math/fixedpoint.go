package math

import (
	"errors"
	stdmath "math"
	"math/big"
	"sync"
)

// BpsScale is the denominator for ratios expressed in basis points.
const BpsScale int64 = 10_000

// ErrOverflow reports an int64 sum that does not fit.
var ErrOverflow = errors.New("int64 overflow")

// AddChecked returns a + b, or ErrOverflow when the sum leaves int64 range.
func AddChecked(a, b int64) (int64, error) {
	if (b > 0 && a > stdmath.MaxInt64-b) || (b < 0 && a < stdmath.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// SumChecked adds every value, failing on the first overflow.
func SumChecked(values ...int64) (int64, error) {
	var total int64
	for _, v := range values {
		var err error
		if total, err = AddChecked(total, v); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // toward zero, the default for payouts and fees
	RoundHalfEven                     // banker's rounding
	RoundUp
)

// MultiplyInt128 performs a * b without overflowing int64.
// The caller returns the result with putInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// Only non-negative numerators are expected.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.DivMod(numerator, denom, remainder)
	result := quotient.Int64()

	switch roundingMode {
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 && result%2 != 0 {
			result++
		}
	}

	return result
}

// MulBps computes amount * bps / 10000 rounded down.
// A payout or fee is never larger than its exact value.
func MulBps(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	product := MultiplyInt128(amount, bps)
	defer putInt128(product)
	return DivideInt128(product, BpsScale, RoundDown)
}

// RatioBps computes part * 10000 / whole rounded down. A non-positive whole
// yields full scale when part is positive and zero otherwise.
func RatioBps(part, whole int64) int64 {
	if part <= 0 {
		return 0
	}
	if whole <= 0 {
		return BpsScale
	}
	product := MultiplyInt128(part, BpsScale)
	defer putInt128(product)
	return DivideInt128(product, whole, RoundDown)
}

// Percent computes part * 100 / whole rounded half-even, used for on-time
// rates. A zero whole yields zero.
func Percent(part, whole int64) int64 {
	if whole <= 0 || part <= 0 {
		return 0
	}
	product := MultiplyInt128(part, 100)
	defer putInt128(product)
	return DivideInt128(product, whole, RoundHalfEven)
}

// SecondsPerYear is the 365-day year used to annualise returns.
const SecondsPerYear int64 = 365 * 24 * 60 * 60

// AnnualizedBps scales gain earned on capital over elapsed seconds to a
// yearly rate in basis points, truncated toward zero. Losses give a negative
// rate. Non-positive capital or elapsed yields zero and the result saturates
// at the int64 bounds.
func AnnualizedBps(gain, capital, elapsed int64) int64 {
	if gain == 0 || capital <= 0 || elapsed <= 0 {
		return 0
	}
	num := MultiplyInt128(gain, BpsScale)
	defer putInt128(num)
	num.Mul(num, big.NewInt(SecondsPerYear))

	den := MultiplyInt128(capital, elapsed)
	defer putInt128(den)

	q := getInt128()
	defer putInt128(q)
	q.Quo(num, den)

	switch {
	case q.IsInt64():
		return q.Int64()
	case q.Sign() > 0:
		return stdmath.MaxInt64
	default:
		return stdmath.MinInt64
	}
}
