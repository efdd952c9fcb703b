package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/triproam/settlement-engine/pkg/enums"
)

// Discount is the closed variant of discount sources. The zero value means
// no discount.
type Discount struct {
	Source  enums.DiscountSource
	Code    string
	Percent int
}

// None reports whether no discount is active.
func (d Discount) None() bool {
	return d.Source == "" || d.Source == enums.DiscountSourceNone
}

// NoDiscount is the inactive variant.
func NoDiscount() Discount {
	return Discount{Source: enums.DiscountSourceNone}
}

// PromoDiscount tags a promo-code discount.
func PromoDiscount(code string, percent int) Discount {
	return Discount{Source: enums.DiscountSourcePromo, Code: code, Percent: percent}
}

// ReferralDiscount tags an automatic referral discount.
func ReferralDiscount(percent int) Discount {
	return Discount{Source: enums.DiscountSourceReferral, Percent: percent}
}

// ResolveDiscount is the single precedence rule: an explicit promo always
// beats referral eligibility, and referral eligibility only becomes an
// active discount when no promo is present.
func ResolveDiscount(promo, referral Discount) Discount {
	if !promo.None() {
		return promo
	}
	if !referral.None() {
		return referral
	}
	return NoDiscount()
}

// DiscountedAmount applies the percent to the original amount, rounding
// half-up at the cent boundary. The original amount is never recomputed
// from a discounted value.
func DiscountedAmount(originalCents int64, percent int) int64 {
	if percent <= 0 {
		return originalCents
	}
	if percent >= 100 {
		return 0
	}
	factor := decimal.NewFromInt(int64(100 - percent)).Div(decimal.NewFromInt(100))
	return decimal.NewFromInt(originalCents).Mul(factor).Round(0).IntPart()
}
