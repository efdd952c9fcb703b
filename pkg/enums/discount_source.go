package enums

// DiscountSource tags which discount path produced an order's active
// discount. At most one source is ever active per order.
type DiscountSource string

const (
	DiscountSourceNone     DiscountSource = "none"
	DiscountSourcePromo    DiscountSource = "promo"
	DiscountSourceReferral DiscountSource = "referral"
)

// IsValid reports whether the source is recognized.
func (s DiscountSource) IsValid() bool {
	switch s {
	case DiscountSourceNone, DiscountSourcePromo, DiscountSourceReferral:
		return true
	}
	return false
}
