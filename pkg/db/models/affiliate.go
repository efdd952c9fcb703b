package models

import (
	"time"

	"github.com/google/uuid"
)

// Affiliate links a user to their referral code. The code is issued once
// and never rotated; commission totals are derived from the commission
// ledger, never stored here.
type Affiliate struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID       uuid.UUID `gorm:"column:user_id;type:uuid;not null;unique"`
	ReferralCode string    `gorm:"column:referral_code;not null;unique"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
