// Package money holds the rounding rules for derived amounts. Balances are
// whole currency units (int64); anything computed from a rate is rounded to
// the nearest unit, halves away from zero, before it is stored or compared.
package money

import (
	"math"

	"github.com/shopspring/decimal"
)

// ApplyRate returns round(amount × rate).
func ApplyRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// Discounted returns round(price × (100 − percent) / 100).
func Discounted(price, percent int64) int64 {
	if percent <= 0 {
		return price
	}
	keep := decimal.NewFromInt(100 - percent).Div(decimal.NewFromInt(100))
	return ApplyRate(price, keep)
}

// Rate converts a float configuration value to a decimal rate.
func Rate(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Withdrawal fee tiers.
var (
	smallTierLimit  int64 = 10_000
	mediumTierLimit int64 = 100_000

	smallTierRate  = decimal.RequireFromString("0.02")
	mediumTierRate = decimal.RequireFromString("0.015")
	largeTierRate  = decimal.RequireFromString("0.01")
)

// MinWithdrawalFee is the floor applied after the tier rate.
const MinWithdrawalFee int64 = 50

// WithdrawalFee returns the fee charged on top of a withdrawal of amount:
// 2% below 10,000, 1.5% below 100,000, 1% otherwise, never less than
// MinWithdrawalFee.
func WithdrawalFee(amount int64) int64 {
	rate := largeTierRate
	switch {
	case amount < smallTierLimit:
		rate = smallTierRate
	case amount < mediumTierLimit:
		rate = mediumTierRate
	}
	fee := ApplyRate(amount, rate)
	if fee < MinWithdrawalFee {
		return MinWithdrawalFee
	}
	return fee
}

// MinorPerUnit is the number of minor units (kobo, cents) in one unit.
const MinorPerUnit int64 = 100

// FromMinor converts a gateway amount in minor units to whole units,
// dropping any fraction of a unit. The remainder is returned separately.
func FromMinor(minor int64) (units, remainder int64) {
	q := decimal.NewFromInt(minor).Div(decimal.NewFromInt(MinorPerUnit)).Floor().IntPart()
	return q, minor - q*MinorPerUnit
}

// Add returns a+b for non-negative amounts. ok is false on overflow.
func Add(a, b int64) (sum int64, ok bool) {
	if a < 0 || b < 0 || a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// Mul returns a×b for non-negative amounts. ok is false on overflow.
func Mul(a, b int64) (product int64, ok bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a != 0 && b > math.MaxInt64/a {
		return 0, false
	}
	return a * b, true
}
