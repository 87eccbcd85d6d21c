package model

import (
	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits kept for every yield and
// settlement amount (1e-9 is the network's smallest unit).
const AmountScale int32 = 9

// divisionScale is the intermediate precision used before truncation.
const divisionScale int32 = 18

// Epsilon is the tolerance used when comparing attributed sums to reported yield.
var Epsilon = decimal.New(1, -AmountScale)

// Quantize truncates d to AmountScale fractional digits.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(AmountScale)
}

// ShareOf returns total*part/whole truncated to AmountScale digits.
// It returns zero when whole is not positive.
func ShareOf(total, part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return total.Mul(part).DivRound(whole, divisionScale).Truncate(AmountScale)
}

// Ratio returns part/whole at the intermediate division precision.
func Ratio(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.DivRound(whole, divisionScale)
}

// WithinEpsilon reports whether a and b differ by no more than Epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// SumAmounts adds all values.
func SumAmounts(values ...decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum
}
