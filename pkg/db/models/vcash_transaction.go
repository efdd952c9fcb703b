package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/triproam/settlement-engine/pkg/enums"
)

// VCashTransaction is one append-only wallet ledger row. AmountCents is
// signed: positive credits, negative debits. Rows are never updated or
// deleted.
type VCashTransaction struct {
	ID          uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AccountID   uuid.UUID         `gorm:"column:account_id;type:uuid;not null;index:idx_vcash_tx_account_created"`
	AmountCents int64             `gorm:"column:amount_cents;not null"`
	Reason      enums.VCashReason `gorm:"column:reason;not null"`
	Metadata    json.RawMessage   `gorm:"column:metadata;type:jsonb"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime;index:idx_vcash_tx_account_created"`
}

// TableName pins the table to the migration's name; the default pluralizer
// would split the acronym into v_cash_transactions.
func (VCashTransaction) TableName() string {
	return "vcash_transactions"
}
