package affiliate

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/enums"
	"github.com/triproam/settlement-engine/pkg/pagination"
)

// VelocityRow is one aggregation bucket from the attribution table.
type VelocityRow struct {
	Key   string
	Count int64
}

// Repository manages persistence for affiliates, attributions, and the
// commission ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateAffiliate(ctx context.Context, affiliate *models.Affiliate) error
	GetAffiliateByUserID(ctx context.Context, userID uuid.UUID) (*models.Affiliate, error)
	GetAffiliateByID(ctx context.Context, id uuid.UUID) (*models.Affiliate, error)
	GetAffiliateByCode(ctx context.Context, code string) (*models.Affiliate, error)
	CreateAttribution(ctx context.Context, attribution *models.ReferralAttribution) error
	GetAttributionByReferredUser(ctx context.Context, referredUserID uuid.UUID) (*models.ReferralAttribution, error)
	CreateCommission(ctx context.Context, commission *models.AffiliateCommission) (bool, error)
	GetCommissionBySource(ctx context.Context, sourceOrderID uuid.UUID, sourceType enums.CommissionSource) (*models.AffiliateCommission, error)
	SumCommissions(ctx context.Context, affiliateID uuid.UUID) (int64, error)
	CountCommissions(ctx context.Context, affiliateID uuid.UUID) (int64, error)
	CountAttributions(ctx context.Context, affiliateID uuid.UUID) (int64, error)
	ListCommissions(ctx context.Context, affiliateID uuid.UUID, params pagination.Params) ([]models.AffiliateCommission, int64, error)
	AttributionVelocityByAffiliate(ctx context.Context, since time.Time, threshold int) ([]VelocityRow, error)
	AttributionVelocityByIP(ctx context.Context, since time.Time, threshold int) ([]VelocityRow, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an affiliate repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateAffiliate(ctx context.Context, affiliate *models.Affiliate) error {
	return r.db.WithContext(ctx).Create(affiliate).Error
}

func (r *repository) GetAffiliateByUserID(ctx context.Context, userID uuid.UUID) (*models.Affiliate, error) {
	var affiliate models.Affiliate
	if err := r.db.WithContext(ctx).First(&affiliate, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &affiliate, nil
}

func (r *repository) GetAffiliateByID(ctx context.Context, id uuid.UUID) (*models.Affiliate, error) {
	var affiliate models.Affiliate
	if err := r.db.WithContext(ctx).First(&affiliate, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &affiliate, nil
}

func (r *repository) GetAffiliateByCode(ctx context.Context, code string) (*models.Affiliate, error) {
	var affiliate models.Affiliate
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if err := r.db.WithContext(ctx).First(&affiliate, "referral_code = ?", normalized).Error; err != nil {
		return nil, err
	}
	return &affiliate, nil
}

func (r *repository) CreateAttribution(ctx context.Context, attribution *models.ReferralAttribution) error {
	return r.db.WithContext(ctx).Create(attribution).Error
}

func (r *repository) GetAttributionByReferredUser(ctx context.Context, referredUserID uuid.UUID) (*models.ReferralAttribution, error) {
	var attribution models.ReferralAttribution
	if err := r.db.WithContext(ctx).First(&attribution, "referred_user_id = ?", referredUserID).Error; err != nil {
		return nil, err
	}
	return &attribution, nil
}

// CreateCommission writes the commission unless one already exists for the
// (source order, source type) pair. The conflict is absorbed instead of
// raised so the settlement transaction this runs inside stays usable; the
// return reports whether the row was written.
func (r *repository) CreateCommission(ctx context.Context, commission *models.AffiliateCommission) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_order_id"}, {Name: "source_type"}},
			DoNothing: true,
		}).
		Create(commission)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) GetCommissionBySource(ctx context.Context, sourceOrderID uuid.UUID, sourceType enums.CommissionSource) (*models.AffiliateCommission, error) {
	var commission models.AffiliateCommission
	if err := r.db.WithContext(ctx).
		First(&commission, "source_order_id = ? AND source_type = ?", sourceOrderID, sourceType).Error; err != nil {
		return nil, err
	}
	return &commission, nil
}

func (r *repository) SumCommissions(ctx context.Context, affiliateID uuid.UUID) (int64, error) {
	var sum int64
	if err := r.db.WithContext(ctx).
		Model(&models.AffiliateCommission{}).
		Where("affiliate_id = ?", affiliateID).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&sum).Error; err != nil {
		return 0, err
	}
	return sum, nil
}

func (r *repository) CountCommissions(ctx context.Context, affiliateID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.AffiliateCommission{}).
		Where("affiliate_id = ?", affiliateID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) CountAttributions(ctx context.Context, affiliateID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.ReferralAttribution{}).
		Where("affiliate_id = ?", affiliateID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) ListCommissions(ctx context.Context, affiliateID uuid.UUID, params pagination.Params) ([]models.AffiliateCommission, int64, error) {
	params = pagination.Normalize(params)

	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.AffiliateCommission{}).
		Where("affiliate_id = ?", affiliateID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.AffiliateCommission
	if err := r.db.WithContext(ctx).
		Where("affiliate_id = ?", affiliateID).
		Order("created_at DESC, id DESC").
		Offset(params.Offset()).
		Limit(params.Limit()).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *repository) AttributionVelocityByAffiliate(ctx context.Context, since time.Time, threshold int) ([]VelocityRow, error) {
	var rows []VelocityRow
	if err := r.db.WithContext(ctx).
		Model(&models.ReferralAttribution{}).
		Select("affiliate_id AS key, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("affiliate_id").
		Having("COUNT(*) >= ?", threshold).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) AttributionVelocityByIP(ctx context.Context, since time.Time, threshold int) ([]VelocityRow, error) {
	var rows []VelocityRow
	if err := r.db.WithContext(ctx).
		Model(&models.ReferralAttribution{}).
		Select("source_ip AS key, COUNT(*) AS count").
		Where("created_at >= ? AND source_ip <> ''", since).
		Group("source_ip").
		Having("COUNT(*) >= ?", threshold).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
