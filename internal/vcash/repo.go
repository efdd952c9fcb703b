package vcash

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/pagination"
)

// Repository manages persistence for wallet accounts and their ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	GetAccountByUserID(ctx context.Context, userID uuid.UUID) (*models.VCashAccount, error)
	GetAccountByUserIDForUpdate(ctx context.Context, userID uuid.UUID) (*models.VCashAccount, error)
	CreateAccount(ctx context.Context, account *models.VCashAccount) (bool, error)
	SaveAccount(ctx context.Context, account *models.VCashAccount) error
	AppendTransaction(ctx context.Context, tx *models.VCashTransaction) error
	SumTransactions(ctx context.Context, accountID uuid.UUID) (int64, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, params pagination.Params) ([]models.VCashTransaction, int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a wallet repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) GetAccountByUserID(ctx context.Context, userID uuid.UUID) (*models.VCashAccount, error) {
	var account models.VCashAccount
	if err := r.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccountByUserIDForUpdate locks the account row so all mutations on one
// account are serialized for the duration of the surrounding transaction.
// SQLite has no FOR UPDATE; it serializes writers itself.
func (r *repository) GetAccountByUserIDForUpdate(ctx context.Context, userID uuid.UUID) (*models.VCashAccount, error) {
	query := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account models.VCashAccount
	if err := query.First(&account, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccount inserts the account unless the user already has one. The
// conflict is absorbed instead of raised so a transaction this runs inside
// stays usable; the return reports whether the row was written.
func (r *repository) CreateAccount(ctx context.Context, account *models.VCashAccount) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) SaveAccount(ctx context.Context, account *models.VCashAccount) error {
	return r.db.WithContext(ctx).Save(account).Error
}

func (r *repository) AppendTransaction(ctx context.Context, tx *models.VCashTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *repository) SumTransactions(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var sum int64
	if err := r.db.WithContext(ctx).
		Model(&models.VCashTransaction{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&sum).Error; err != nil {
		return 0, err
	}
	return sum, nil
}

// ListTransactions orders by (created_at, id) so pages stay stable under
// concurrent inserts even when timestamps tie.
func (r *repository) ListTransactions(ctx context.Context, accountID uuid.UUID, params pagination.Params) ([]models.VCashTransaction, int64, error) {
	params = pagination.Normalize(params)

	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.VCashTransaction{}).
		Where("account_id = ?", accountID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.VCashTransaction
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Offset(params.Offset()).
		Limit(params.Limit()).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}
