package models

import (
	"time"

	"github.com/google/uuid"
)

// VCashAccount holds the denormalized wallet balance for one user. The
// balance is reconciled against SUM(vcash_transactions.amount_cents) on
// every mutation; the transaction log is the source of truth.
type VCashAccount struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID       uuid.UUID `gorm:"column:user_id;type:uuid;not null;unique"`
	BalanceCents int64     `gorm:"column:balance_cents;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table to the migration's name; the default pluralizer
// would split the acronym into v_cash_accounts.
func (VCashAccount) TableName() string {
	return "vcash_accounts"
}
