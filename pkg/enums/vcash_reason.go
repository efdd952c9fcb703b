package enums

import "fmt"

// VCashReason maps to the vcash_reason enum in Postgres. Every ledger row
// carries the business reason it was written.
type VCashReason string

const (
	VCashReasonRefund              VCashReason = "refund"
	VCashReasonAffiliateConversion VCashReason = "affiliate_conversion"
	VCashReasonManualAdjustment    VCashReason = "manual_adjustment"
	VCashReasonPurchase            VCashReason = "purchase"
)

var validVCashReasons = []VCashReason{
	VCashReasonRefund,
	VCashReasonAffiliateConversion,
	VCashReasonManualAdjustment,
	VCashReasonPurchase,
}

// IsValid reports whether the reason matches the canonical enum.
func (r VCashReason) IsValid() bool {
	for _, candidate := range validVCashReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseVCashReason converts raw input into VCashReason.
func ParseVCashReason(value string) (VCashReason, error) {
	for _, candidate := range validVCashReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid vcash reason %q", value)
}
