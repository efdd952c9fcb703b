package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/triproam/settlement-engine/pkg/enums"
)

// Order is the settlement-side view of a plan purchase. AmountCents is the
// current chargeable amount in the settlement currency; OriginalAmountCents
// is captured at creation and never recomputed, so removing a discount can
// restore it exactly.
type Order struct {
	ID                  uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID              uuid.UUID            `gorm:"column:user_id;type:uuid;not null;index"`
	PlanID              uuid.UUID            `gorm:"column:plan_id;type:uuid;not null"`
	SettlementCurrency  enums.Currency       `gorm:"column:settlement_currency;not null;default:'USD'"`
	AmountCents         int64                `gorm:"column:amount_cents;not null"`
	OriginalAmountCents int64                `gorm:"column:original_amount_cents;not null"`
	DiscountSource      enums.DiscountSource `gorm:"column:discount_source;not null;default:'none'"`
	PromoCode           *string              `gorm:"column:promo_code"`
	DiscountPercent     *int                 `gorm:"column:discount_percent"`
	DisplayCurrency     enums.Currency       `gorm:"column:display_currency;not null;default:'USD'"`
	DisplayAmountCents  *int64               `gorm:"column:display_amount_cents"`
	DisplayRate         *decimal.Decimal     `gorm:"column:display_rate;type:numeric(20,10)"`
	Status              enums.OrderStatus    `gorm:"column:status;not null;default:'pending'"`
	PaidAt              *time.Time           `gorm:"column:paid_at"`
	CreatedAt           time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
