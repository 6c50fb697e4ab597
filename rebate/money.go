/*
money.go - Decimal arithmetic and rounding for all monetary values

PURPOSE:
  Every monetary computation in this package routes through RoundMoney at
  its output boundary, and every monetary/rate comparison routes through
  MoneyEqual/RateEqual rather than decimal.Equal. Binary floating point
  never appears.

SEE ALSO:
  - classify.go, verify.go, engine.go, emac.go: callers
*/
package rebate

import "github.com/shopspring/decimal"

// Tolerances for money and rate comparisons.
var (
	MoneyTolerance = decimal.NewFromFloat(0.01)
	RateTolerance  = decimal.NewFromFloat(0.005)
)

// TVAEligible and TrancheAMaxRemise are the two tunable constants the
// line classifier exports.
var (
	TVAEligible       = decimal.NewFromFloat(2.10)
	TrancheAMaxRemise = decimal.NewFromFloat(2.5)
)

// VATTolerance is the +/-0.01 band around TVAEligible used to decide
// reimbursable eligibility.
var VATTolerance = decimal.NewFromFloat(0.01)

// RoundMoney rounds to 2 decimal places, half away from zero. Every
// monetary value in this package is non-negative, so half-away-from-zero
// and half-up coincide.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MoneyEqual reports whether two amounts are equal within tolerance.
func MoneyEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(MoneyTolerance)
}

// RateEqual reports whether two percentage-point rates are equal within
// tolerance.
func RateEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(RateTolerance)
}

// PctOf returns part/whole * 100, or zero if whole is zero.
func PctOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100))
}
