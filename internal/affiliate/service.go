package affiliate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/triproam/settlement-engine/pkg/db"
	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/enums"
	pkgerrors "github.com/triproam/settlement-engine/pkg/errors"
	"github.com/triproam/settlement-engine/pkg/logger"
	"github.com/triproam/settlement-engine/pkg/metrics"
	"github.com/triproam/settlement-engine/pkg/pagination"
)

const codeIssueAttempts = 5

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// CommissionInput carries one settled purchase into the commission ledger.
type CommissionInput struct {
	SourceOrderID      uuid.UUID
	SourceType         enums.CommissionSource
	BuyerUserID        uuid.UUID
	SettledAmountCents int64
	SettledCurrency    enums.Currency
}

// Dashboard aggregates are always computed from the ledger, never read from
// a stored counter.
type Dashboard struct {
	ReferralCode         string                       `json:"referral_code"`
	TotalCommissionCents int64                        `json:"total_commission_cents"`
	TotalReferrals       int64                        `json:"total_referrals"`
	TotalPurchases       int64                        `json:"total_purchases"`
	RecentCommissions    []models.AffiliateCommission `json:"recent_commissions"`
	Page                 pagination.Page              `json:"page"`
}

// VelocityFlag surfaces one abnormal-velocity candidate for manual review.
// Nothing is auto-voided; a false positive must cost nothing.
type VelocityFlag struct {
	Kind  string `json:"kind"` // "affiliate" or "ip"
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Service owns referral attribution and the commission ledger.
type Service interface {
	IssueReferralCode(ctx context.Context, userID uuid.UUID) (*models.Affiliate, error)
	Attribute(ctx context.Context, referredUserID uuid.UUID, code string, sourceIP string) (*models.ReferralAttribution, error)
	RecordCommission(ctx context.Context, input CommissionInput) (*models.AffiliateCommission, error)
	RecordCommissionTx(ctx context.Context, tx *gorm.DB, input CommissionInput) (*models.AffiliateCommission, error)
	Dashboard(ctx context.Context, userID uuid.UUID, params pagination.Params) (*Dashboard, error)
	IsReferralEligible(ctx context.Context, userID uuid.UUID) (bool, error)
	VelocityFlags(ctx context.Context) ([]VelocityFlag, error)
}

type service struct {
	repo              Repository
	tx                txRunner
	logg              *logger.Logger
	metrics           *metrics.SettlementMetrics
	commissionPercent int
	velocityWindow    time.Duration
	velocityThreshold int
	now               func() time.Time
}

// ServiceParams wire the affiliate service.
type ServiceParams struct {
	Repo              Repository
	Tx                txRunner
	Logger            *logger.Logger
	Metrics           *metrics.SettlementMetrics
	CommissionPercent int
	VelocityWindow    time.Duration
	VelocityThreshold int
	Now               func() time.Time
}

// NewService builds the affiliate service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("affiliate repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.CommissionPercent <= 0 || params.CommissionPercent > 100 {
		return nil, fmt.Errorf("commission percent out of range")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	velocityWindow := params.VelocityWindow
	if velocityWindow <= 0 {
		velocityWindow = time.Hour
	}
	velocityThreshold := params.VelocityThreshold
	if velocityThreshold <= 0 {
		velocityThreshold = 20
	}
	return &service{
		repo:              params.Repo,
		tx:                params.Tx,
		logg:              params.Logger,
		metrics:           params.Metrics,
		commissionPercent: params.CommissionPercent,
		velocityWindow:    velocityWindow,
		velocityThreshold: velocityThreshold,
		now:               now,
	}, nil
}

// IssueReferralCode returns the user's affiliate record, creating it with a
// fresh collision-checked code on first call. Codes are immutable once
// issued; calling again returns the same record.
func (s *service) IssueReferralCode(ctx context.Context, userID uuid.UUID) (*models.Affiliate, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	existing, err := s.repo.GetAffiliateByUserID(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading affiliate")
	}

	for attempt := 0; attempt < codeIssueAttempts; attempt++ {
		code, err := generateReferralCode()
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generating referral code")
		}

		affiliate := &models.Affiliate{ID: uuid.New(), UserID: userID, ReferralCode: code}
		createErr := s.repo.CreateAffiliate(ctx, affiliate)
		if createErr == nil {
			logCtx := s.logg.WithUserID(ctx, userID.String())
			s.logg.Info(logCtx, "referral code issued")
			return affiliate, nil
		}
		if !db.IsUniqueViolation(createErr, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, createErr, "creating affiliate")
		}

		// either the code collided or a concurrent call won the user_id race
		if won, err := s.repo.GetAffiliateByUserID(ctx, userID); err == nil {
			return won, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "could not issue a unique referral code")
}

// Attribute binds the referred user to the code's affiliate. First touch
// wins: if the user already has an attribution it is returned unchanged,
// never overwritten.
func (s *service) Attribute(ctx context.Context, referredUserID uuid.UUID, code string, sourceIP string) (*models.ReferralAttribution, error) {
	if referredUserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "referred user id is required")
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "referral code is required")
	}

	if existing, err := s.repo.GetAttributionByReferredUser(ctx, referredUserID); err == nil {
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading attribution")
	}

	affiliate, err := s.repo.GetAffiliateByCode(ctx, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "referral code not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading affiliate")
	}
	if affiliate.UserID == referredUserID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "self-referral is not allowed")
	}

	attribution := &models.ReferralAttribution{
		ID:             uuid.New(),
		ReferredUserID: referredUserID,
		AffiliateID:    affiliate.ID,
		SourceIP:       strings.TrimSpace(sourceIP),
	}
	if err := s.repo.CreateAttribution(ctx, attribution); err != nil {
		if db.IsUniqueViolation(err, "") {
			// a concurrent first touch won; honor it
			existing, loadErr := s.repo.GetAttributionByReferredUser(ctx, referredUserID)
			if loadErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, loadErr, "loading attribution after race")
			}
			return existing, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating attribution")
	}

	logCtx := s.logg.WithUserID(ctx, referredUserID.String())
	logCtx = s.logg.WithField(logCtx, "affiliate_id", affiliate.ID.String())
	s.logg.Info(logCtx, "referral attributed")
	return attribution, nil
}

// RecordCommission writes exactly one commission row per (sourceOrderId,
// sourceType). A replayed settlement notification gets the existing row
// back unchanged. Returns nil when the buyer has no attribution.
func (s *service) RecordCommission(ctx context.Context, input CommissionInput) (*models.AffiliateCommission, error) {
	var commission *models.AffiliateCommission
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		commission, err = s.RecordCommissionTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return commission, nil
}

// RecordCommissionTx is RecordCommission inside the caller's transaction,
// so settlement can write the commission atomically with the order
// transition.
func (s *service) RecordCommissionTx(ctx context.Context, tx *gorm.DB, input CommissionInput) (*models.AffiliateCommission, error) {
	if input.SourceOrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "source order id is required")
	}
	if !input.SourceType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid commission source %q", input.SourceType))
	}
	if input.SettledAmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "settled amount must be positive cents")
	}
	if !input.SettledCurrency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid settled currency")
	}

	repo := s.repo.WithTx(tx)

	attribution, err := repo.GetAttributionByReferredUser(ctx, input.BuyerUserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading attribution")
	}

	commission := &models.AffiliateCommission{
		ID:              uuid.New(),
		AffiliateID:     attribution.AffiliateID,
		SourceOrderID:   input.SourceOrderID,
		SourceType:      input.SourceType,
		AmountCents:     CommissionAmount(input.SettledAmountCents, s.commissionPercent),
		SettledCurrency: input.SettledCurrency,
	}
	created, err := repo.CreateCommission(ctx, commission)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating commission")
	}
	if !created {
		existing, loadErr := repo.GetCommissionBySource(ctx, input.SourceOrderID, input.SourceType)
		if loadErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, loadErr, "loading commission after replay")
		}
		s.metrics.IncCommissionReplay()
		logCtx := s.logg.WithOrderID(ctx, input.SourceOrderID.String())
		s.logg.Info(logCtx, "duplicate commission attempt resolved from existing row")
		return existing, nil
	}

	s.metrics.IncCommissionWrite()
	logCtx := s.logg.WithOrderID(ctx, input.SourceOrderID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"affiliate_id": commission.AffiliateID.String(),
		"amount_cents": commission.AmountCents,
	})
	s.logg.Info(logCtx, "commission recorded")
	return commission, nil
}

// Dashboard sums and counts the ledger for the affiliate owned by userID.
func (s *service) Dashboard(ctx context.Context, userID uuid.UUID, params pagination.Params) (*Dashboard, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	affiliate, err := s.repo.GetAffiliateByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "affiliate not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading affiliate")
	}

	totalCommission, err := s.repo.SumCommissions(ctx, affiliate.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "summing commissions")
	}
	totalReferrals, err := s.repo.CountAttributions(ctx, affiliate.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "counting attributions")
	}
	totalPurchases, err := s.repo.CountCommissions(ctx, affiliate.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "counting commissions")
	}

	params = pagination.Normalize(params)
	recent, total, err := s.repo.ListCommissions(ctx, affiliate.ID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing commissions")
	}

	return &Dashboard{
		ReferralCode:         affiliate.ReferralCode,
		TotalCommissionCents: totalCommission,
		TotalReferrals:       totalReferrals,
		TotalPurchases:       totalPurchases,
		RecentCommissions:    recent,
		Page:                 pagination.Page{Page: params.Page, PageSize: params.PageSize, Total: total},
	}, nil
}

// IsReferralEligible reports whether the user was referred, which makes
// them a candidate for the automatic referral discount at checkout.
func (s *service) IsReferralEligible(ctx context.Context, userID uuid.UUID) (bool, error) {
	if userID == uuid.Nil {
		return false, nil
	}
	_, err := s.repo.GetAttributionByReferredUser(ctx, userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading attribution")
}

// VelocityFlags lists affiliates and IPs with abnormal attribution volume
// inside the configured window, for manual review only.
func (s *service) VelocityFlags(ctx context.Context) ([]VelocityFlag, error) {
	since := s.now().Add(-s.velocityWindow)

	byAffiliate, err := s.repo.AttributionVelocityByAffiliate(ctx, since, s.velocityThreshold)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "aggregating affiliate velocity")
	}
	byIP, err := s.repo.AttributionVelocityByIP(ctx, since, s.velocityThreshold)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "aggregating ip velocity")
	}

	flags := make([]VelocityFlag, 0, len(byAffiliate)+len(byIP))
	for _, row := range byAffiliate {
		flags = append(flags, VelocityFlag{Kind: "affiliate", Key: row.Key, Count: row.Count})
	}
	for _, row := range byIP {
		flags = append(flags, VelocityFlag{Kind: "ip", Key: row.Key, Count: row.Count})
	}
	return flags, nil
}

// CommissionAmount applies the commission percent to the settled amount,
// rounding half-up at the cent boundary. The result is frozen at write
// time; later refunds never claw it back.
func CommissionAmount(settledAmountCents int64, percent int) int64 {
	factor := decimal.NewFromInt(int64(percent)).Div(decimal.NewFromInt(100))
	return decimal.NewFromInt(settledAmountCents).Mul(factor).Round(0).IntPart()
}
