package affiliate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/enums"
	pkgerrors "github.com/triproam/settlement-engine/pkg/errors"
	"github.com/triproam/settlement-engine/pkg/logger"
	"github.com/triproam/settlement-engine/pkg/pagination"
)

func setupAffiliateTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	affiliates := `
CREATE TABLE IF NOT EXISTS affiliates (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL UNIQUE,
  referral_code TEXT NOT NULL UNIQUE,
  created_at DATETIME,
  updated_at DATETIME
);`
	attributions := `
CREATE TABLE IF NOT EXISTS referral_attributions (
  id TEXT PRIMARY KEY,
  referred_user_id TEXT NOT NULL UNIQUE,
  affiliate_id TEXT NOT NULL,
  source_ip TEXT,
  created_at DATETIME
);`
	commissions := `
CREATE TABLE IF NOT EXISTS affiliate_commissions (
  id TEXT PRIMARY KEY,
  affiliate_id TEXT NOT NULL,
  source_order_id TEXT NOT NULL,
  source_type TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  settled_currency TEXT NOT NULL DEFAULT 'USD',
  created_at DATETIME
);`
	commissionIndex := `
CREATE UNIQUE INDEX IF NOT EXISTS idx_commission_source ON affiliate_commissions (source_order_id, source_type);`
	require.NoError(t, db.Exec(affiliates).Error)
	require.NoError(t, db.Exec(attributions).Error)
	require.NoError(t, db.Exec(commissions).Error)
	require.NoError(t, db.Exec(commissionIndex).Error)
	return db
}

type gormTxRunner struct {
	db *gorm.DB
}

func (g gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return g.db.WithContext(ctx).Transaction(fn)
}

func newAffiliateService(t *testing.T, db *gorm.DB) Service {
	t.Helper()

	svc, err := NewService(ServiceParams{
		Repo:              NewRepository(db),
		Tx:                gormTxRunner{db: db},
		Logger:            logger.New(logger.Options{ServiceName: "test"}),
		CommissionPercent: 10,
		VelocityWindow:    time.Hour,
		VelocityThreshold: 3,
	})
	require.NoError(t, err)
	return svc
}

func TestIssueReferralCodeOncePerAffiliate(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)
	ctx := context.Background()
	userID := uuid.New()

	first, err := svc.IssueReferralCode(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, first.ReferralCode, referralCodeLength)

	second, err := svc.IssueReferralCode(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ReferralCode, second.ReferralCode)

	var count int64
	require.NoError(t, db.Model(&models.Affiliate{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAttributeFirstTouchWins(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)
	ctx := context.Background()

	affA, err := svc.IssueReferralCode(ctx, uuid.New())
	require.NoError(t, err)
	affB, err := svc.IssueReferralCode(ctx, uuid.New())
	require.NoError(t, err)

	referred := uuid.New()
	first, err := svc.Attribute(ctx, referred, affA.ReferralCode, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, affA.ID, first.AffiliateID)

	// a later touch through another code must not overwrite
	second, err := svc.Attribute(ctx, referred, affB.ReferralCode, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, affA.ID, second.AffiliateID)
}

func TestAttributeRejectsUnknownCodeAndSelfReferral(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)
	ctx := context.Background()

	ownerID := uuid.New()
	aff, err := svc.IssueReferralCode(ctx, ownerID)
	require.NoError(t, err)

	_, err = svc.Attribute(ctx, uuid.New(), "NOSUCHCD", "")
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())

	_, err = svc.Attribute(ctx, ownerID, aff.ReferralCode, "")
	typed = pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
}

func TestAttributeNormalizesCode(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)
	ctx := context.Background()

	aff, err := svc.IssueReferralCode(ctx, uuid.New())
	require.NoError(t, err)

	lowered := "  " + stringsToLower(aff.ReferralCode) + " "
	attribution, err := svc.Attribute(ctx, uuid.New(), lowered, "")
	require.NoError(t, err)
	assert.Equal(t, aff.ID, attribution.AffiliateID)
}

func stringsToLower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + ('a' - 'A')
		}
	}
	return string(out)
}

func TestRecordCommissionComputesTenPercent(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)
	ctx := context.Background()

	aff, err := svc.IssueReferralCode(ctx, uuid.New())
	require.NoError(t, err)
	buyer := uuid.New()
	_, err = svc.Attribute(ctx, buyer, aff.ReferralCode, "")
	require.NoError(t, err)

	commission, err := svc.RecordCommission(ctx, CommissionInput{
		SourceOrderID:      uuid.New(),
		SourceType:         enums.CommissionSourceOrder,
		BuyerUserID:        buyer,
		SettledAmountCents: 4000,
		SettledCurrency:    enums.CurrencyUSD,
	})
	require.NoError(t, err)
	require.NotNil(t, commission)
	assert.Equal(t, int64(400), commission.AmountCents)
	assert.Equal(t, aff.ID, commission.AffiliateID)
}

func TestRecordCommissionReplayReturnsExistingRow(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)
	ctx := context.Background()

	aff, err := svc.IssueReferralCode(ctx, uuid.New())
	require.NoError(t, err)
	buyer := uuid.New()
	_, err = svc.Attribute(ctx, buyer, aff.ReferralCode, "")
	require.NoError(t, err)

	input := CommissionInput{
		SourceOrderID:      uuid.New(),
		SourceType:         enums.CommissionSourceOrder,
		BuyerUserID:        buyer,
		SettledAmountCents: 4000,
		SettledCurrency:    enums.CurrencyUSD,
	}

	first, err := svc.RecordCommission(ctx, input)
	require.NoError(t, err)

	// replayed settlement notification: identical arguments
	second, err := svc.RecordCommission(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.AmountCents, second.AmountCents)

	var count int64
	require.NoError(t, db.Model(&models.AffiliateCommission{}).
		Where("source_order_id = ?", input.SourceOrderID).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// serialTxRunner serializes commits the way postgres row locks do; sqlite
// aborts concurrent writers instead of blocking them.
type serialTxRunner struct {
	mu sync.Mutex
	db *gorm.DB
}

func (s *serialTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(fn)
}

func TestRecordCommissionConcurrentReplaysWriteOneRow(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc, err := NewService(ServiceParams{
		Repo:              NewRepository(db),
		Tx:                &serialTxRunner{db: db},
		Logger:            logger.New(logger.Options{ServiceName: "test"}),
		CommissionPercent: 10,
	})
	require.NoError(t, err)
	ctx := context.Background()

	aff, err := svc.IssueReferralCode(ctx, uuid.New())
	require.NoError(t, err)
	buyer := uuid.New()
	_, err = svc.Attribute(ctx, buyer, aff.ReferralCode, "")
	require.NoError(t, err)

	input := CommissionInput{
		SourceOrderID:      uuid.New(),
		SourceType:         enums.CommissionSourceOrder,
		BuyerUserID:        buyer,
		SettledAmountCents: 4000,
		SettledCurrency:    enums.CurrencyUSD,
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan *models.AffiliateCommission, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			commission, err := svc.RecordCommission(ctx, input)
			if err != nil {
				errs <- err
				return
			}
			results <- commission
		}()
	}
	wg.Wait()
	close(errs)
	close(results)
	for err := range errs {
		require.NoError(t, err)
	}

	// every caller lands on the same row, whichever one inserted it
	var firstID uuid.UUID
	for commission := range results {
		require.NotNil(t, commission)
		if firstID == uuid.Nil {
			firstID = commission.ID
		}
		assert.Equal(t, firstID, commission.ID)
		assert.Equal(t, int64(400), commission.AmountCents)
	}

	var count int64
	require.NoError(t, db.Model(&models.AffiliateCommission{}).
		Where("source_order_id = ?", input.SourceOrderID).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordCommissionWithoutAttributionIsNil(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)

	commission, err := svc.RecordCommission(context.Background(), CommissionInput{
		SourceOrderID:      uuid.New(),
		SourceType:         enums.CommissionSourceOrder,
		BuyerUserID:        uuid.New(),
		SettledAmountCents: 4000,
		SettledCurrency:    enums.CurrencyUSD,
	})
	require.NoError(t, err)
	assert.Nil(t, commission)
}

func TestDashboardAggregatesFromLedger(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)
	ctx := context.Background()

	ownerID := uuid.New()
	aff, err := svc.IssueReferralCode(ctx, ownerID)
	require.NoError(t, err)

	buyers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, buyer := range buyers {
		_, err = svc.Attribute(ctx, buyer, aff.ReferralCode, "")
		require.NoError(t, err)
	}
	for _, buyer := range buyers[:2] {
		_, err = svc.RecordCommission(ctx, CommissionInput{
			SourceOrderID:      uuid.New(),
			SourceType:         enums.CommissionSourceOrder,
			BuyerUserID:        buyer,
			SettledAmountCents: 2000,
			SettledCurrency:    enums.CurrencyUSD,
		})
		require.NoError(t, err)
	}

	dashboard, err := svc.Dashboard(ctx, ownerID, pagination.Params{})
	require.NoError(t, err)
	assert.Equal(t, aff.ReferralCode, dashboard.ReferralCode)
	assert.Equal(t, int64(400), dashboard.TotalCommissionCents)
	assert.Equal(t, int64(3), dashboard.TotalReferrals)
	assert.Equal(t, int64(2), dashboard.TotalPurchases)
	assert.Len(t, dashboard.RecentCommissions, 2)
}

func TestDashboardForUnknownAffiliate(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)

	_, err := svc.Dashboard(context.Background(), uuid.New(), pagination.Params{})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestIsReferralEligible(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)
	ctx := context.Background()

	aff, err := svc.IssueReferralCode(ctx, uuid.New())
	require.NoError(t, err)
	referred := uuid.New()

	eligible, err := svc.IsReferralEligible(ctx, referred)
	require.NoError(t, err)
	assert.False(t, eligible)

	_, err = svc.Attribute(ctx, referred, aff.ReferralCode, "")
	require.NoError(t, err)

	eligible, err = svc.IsReferralEligible(ctx, referred)
	require.NoError(t, err)
	assert.True(t, eligible)
}

func TestVelocityFlagsSurfaceCandidatesOnly(t *testing.T) {
	db := setupAffiliateTestDB(t)
	svc := newAffiliateService(t, db)
	ctx := context.Background()

	hot, err := svc.IssueReferralCode(ctx, uuid.New())
	require.NoError(t, err)
	quiet, err := svc.IssueReferralCode(ctx, uuid.New())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = svc.Attribute(ctx, uuid.New(), hot.ReferralCode, "203.0.113.7")
		require.NoError(t, err)
	}
	_, err = svc.Attribute(ctx, uuid.New(), quiet.ReferralCode, "198.51.100.2")
	require.NoError(t, err)

	flags, err := svc.VelocityFlags(ctx)
	require.NoError(t, err)

	var affiliateKeys, ipKeys []string
	for _, flag := range flags {
		switch flag.Kind {
		case "affiliate":
			affiliateKeys = append(affiliateKeys, flag.Key)
		case "ip":
			ipKeys = append(ipKeys, flag.Key)
		}
	}
	assert.Contains(t, affiliateKeys, hot.ID.String())
	assert.NotContains(t, affiliateKeys, quiet.ID.String())
	assert.Contains(t, ipKeys, "203.0.113.7")
	assert.NotContains(t, ipKeys, "198.51.100.2")

	// nothing is voided: the commission ledger is untouched by flagging
	var count int64
	require.NoError(t, db.Model(&models.AffiliateCommission{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestCommissionAmountRoundsHalfUp(t *testing.T) {
	tests := []struct {
		settled int64
		percent int
		want    int64
	}{
		{4000, 10, 400},
		{4999, 10, 500}, // 499.9 rounds up
		{45, 10, 5},     // 4.5 rounds up
		{44, 10, 4},     // 4.4 rounds down
		{1, 10, 0},      // 0.1 rounds down
	}
	for _, tc := range tests {
		if got := CommissionAmount(tc.settled, tc.percent); got != tc.want {
			t.Errorf("CommissionAmount(%d, %d) = %d, want %d", tc.settled, tc.percent, got, tc.want)
		}
	}
}

func TestGenerateReferralCodeCharset(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := generateReferralCode()
		require.NoError(t, err)
		assert.Len(t, code, referralCodeLength)
		for _, r := range code {
			assert.Contains(t, referralCodeCharset, string(r))
		}
	}
}
