// Package money holds the decimal arithmetic used for revenue splits and
// payout conversions.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of decimal places of the settlement
// currency (cents).
const MinorUnitExponent = 2

var hundred = decimal.NewFromInt(100)

// Split is the breakdown of a single redemption.
type Split struct {
	Original        decimal.Decimal
	DiscountRate    decimal.Decimal
	Discount        decimal.Decimal
	Final           decimal.Decimal
	CommissionRate  decimal.Decimal
	ReferrerRevenue decimal.Decimal
	PlatformRevenue decimal.Decimal
}

// ComputeSplit applies the discount and commission rates to amount.
// No rounding happens here; amounts are only rounded when converted to
// minor units for a transfer.
func ComputeSplit(amount, discountRate, commissionRate decimal.Decimal) Split {
	discount := amount.Mul(discountRate)
	final := amount.Sub(discount)
	referrer := final.Mul(commissionRate)
	return Split{
		Original:        amount,
		DiscountRate:    discountRate,
		Discount:        discount,
		Final:           final,
		CommissionRate:  commissionRate,
		ReferrerRevenue: referrer,
		PlatformRevenue: final.Sub(referrer),
	}
}

// ToMinorUnits converts a major-unit amount to an integer count of minor
// units, rounding half away from zero (150.456 -> 15046).
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	scaled := amount.Mul(hundred)
	// decimal.Round rounds half away from zero.
	rounded := scaled.Round(0)
	if !rounded.IsInteger() {
		return 0, fmt.Errorf("money: cannot represent %s in minor units", amount)
	}
	return rounded.IntPart(), nil
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExponent)
}

// ValidRate reports whether r lies in [0, 1].
func ValidRate(r decimal.Decimal) bool {
	return !r.IsNegative() && r.LessThanOrEqual(decimal.NewFromInt(1))
}
