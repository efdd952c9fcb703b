package models

import (
	"time"

	"github.com/google/uuid"
)

// PromoCode is read-only to the settlement engine; its lifecycle is owned
// by the admin surface. Code is stored lowercase so lookups stay
// case-insensitive.
type PromoCode struct {
	ID              uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Code            string     `gorm:"column:code;not null;unique"`
	DiscountPercent int        `gorm:"column:discount_percent;not null"`
	ExpiresAt       *time.Time `gorm:"column:expires_at"`
	UsageCap        *int       `gorm:"column:usage_cap"`
	UsageCount      int        `gorm:"column:usage_count;not null;default:0"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// IsExpired reports whether the promo has lapsed at the given instant.
func (p PromoCode) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// IsExhausted reports whether the usage cap has been reached.
func (p PromoCode) IsExhausted() bool {
	return p.UsageCap != nil && p.UsageCount >= *p.UsageCap
}
