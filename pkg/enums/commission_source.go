package enums

import "fmt"

// CommissionSource maps to the commission_source enum in Postgres and is
// half of the (source_order_id, source_type) dedupe key.
type CommissionSource string

const (
	CommissionSourceOrder CommissionSource = "order"
	CommissionSourceTopup CommissionSource = "topup"
)

var validCommissionSources = []CommissionSource{
	CommissionSourceOrder,
	CommissionSourceTopup,
}

// IsValid reports whether the source matches the canonical enum.
func (s CommissionSource) IsValid() bool {
	for _, candidate := range validCommissionSources {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseCommissionSource converts raw input into CommissionSource.
func ParseCommissionSource(value string) (CommissionSource, error) {
	for _, candidate := range validCommissionSources {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid commission source %q", value)
}
