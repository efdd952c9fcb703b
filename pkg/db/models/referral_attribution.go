package models

import (
	"time"

	"github.com/google/uuid"
)

// ReferralAttribution binds a referred user to an affiliate. First touch
// wins: the unique constraint on referred_user_id makes later attribution
// attempts no-ops. SourceIP feeds the velocity review surface.
type ReferralAttribution struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ReferredUserID uuid.UUID `gorm:"column:referred_user_id;type:uuid;not null;unique"`
	AffiliateID    uuid.UUID `gorm:"column:affiliate_id;type:uuid;not null;index"`
	SourceIP       string    `gorm:"column:source_ip"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}
