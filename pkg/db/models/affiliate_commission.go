package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/triproam/settlement-engine/pkg/enums"
)

// AffiliateCommission records one commission payout obligation. The unique
// (source_order_id, source_type) pair is the idempotency key that keeps
// replayed settlement notifications from double-paying.
type AffiliateCommission struct {
	ID              uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AffiliateID     uuid.UUID              `gorm:"column:affiliate_id;type:uuid;not null;index"`
	SourceOrderID   uuid.UUID              `gorm:"column:source_order_id;type:uuid;not null;uniqueIndex:idx_commission_source"`
	SourceType      enums.CommissionSource `gorm:"column:source_type;not null;uniqueIndex:idx_commission_source"`
	AmountCents     int64                  `gorm:"column:amount_cents;not null"`
	SettledCurrency enums.Currency         `gorm:"column:settled_currency;not null;default:'USD'"`
	CreatedAt       time.Time              `gorm:"column:created_at;autoCreateTime"`
}
