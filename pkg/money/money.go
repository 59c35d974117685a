// Package money holds the rounding rules shared by every amount in the
// settlement flow. All amounts are decimals with two fractional digits.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const Scale = 2

var hundred = decimal.NewFromInt(100)

// Round rounds half-up (away from zero) to two decimals.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Percent returns amount × pct / 100, rounded.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(hundred))
}

// ValidatePositive rejects zero, negative and sub-cent amounts.
func ValidatePositive(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("amount must be greater than zero")
	}
	if !d.Equal(Round(d)) {
		return fmt.Errorf("amount must have at most %d decimal places", Scale)
	}
	return nil
}

// ValidateNonNegative is ValidatePositive that also admits zero.
func ValidateNonNegative(d decimal.Decimal) error {
	if d.IsZero() {
		return nil
	}
	return ValidatePositive(d)
}
