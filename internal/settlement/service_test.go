package settlement

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/triproam/settlement-engine/internal/affiliate"
	"github.com/triproam/settlement-engine/internal/pricing"
	"github.com/triproam/settlement-engine/internal/vcash"
	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/enums"
	pkgerrors "github.com/triproam/settlement-engine/pkg/errors"
	"github.com/triproam/settlement-engine/pkg/logger"
)

func setupSettlementTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  plan_id TEXT NOT NULL,
  settlement_currency TEXT NOT NULL DEFAULT 'USD',
  amount_cents INTEGER NOT NULL,
  original_amount_cents INTEGER NOT NULL,
  discount_source TEXT NOT NULL DEFAULT 'none',
  promo_code TEXT,
  discount_percent INTEGER,
  display_currency TEXT NOT NULL DEFAULT 'USD',
  display_amount_cents INTEGER,
  display_rate TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  paid_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS promo_codes (
  id TEXT PRIMARY KEY,
  code TEXT NOT NULL UNIQUE,
  discount_percent INTEGER NOT NULL,
  expires_at DATETIME,
  usage_cap INTEGER,
  usage_count INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS vcash_accounts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL UNIQUE,
  balance_cents INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS vcash_transactions (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  reason TEXT NOT NULL,
  metadata TEXT,
  created_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS affiliates (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL UNIQUE,
  referral_code TEXT NOT NULL UNIQUE,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS referral_attributions (
  id TEXT PRIMARY KEY,
  referred_user_id TEXT NOT NULL UNIQUE,
  affiliate_id TEXT NOT NULL,
  source_ip TEXT,
  created_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS affiliate_commissions (
  id TEXT PRIMARY KEY,
  affiliate_id TEXT NOT NULL,
  source_order_id TEXT NOT NULL,
  source_type TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  settled_currency TEXT NOT NULL DEFAULT 'USD',
  created_at DATETIME
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_commission_source ON affiliate_commissions (source_order_id, source_type);`,
	}
	for _, stmt := range statements {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type gormTxRunner struct {
	db *gorm.DB
}

func (g gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return g.db.WithContext(ctx).Transaction(fn)
}

type fixedRates struct {
	rate decimal.Decimal
}

func (f fixedRates) Convert(amountCents int64, from, to enums.Currency) (int64, decimal.Decimal, error) {
	if from == to {
		return amountCents, decimal.NewFromInt(1), nil
	}
	return decimal.NewFromInt(amountCents).Mul(f.rate).Round(0).IntPart(), f.rate, nil
}

type settlementFixture struct {
	db        *gorm.DB
	orders    pricing.Repository
	pricing   pricing.Service
	affiliate affiliate.Service
	wallet    vcash.Service
	svc       Service
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()

	db := setupSettlementTestDB(t)
	logg := logger.New(logger.Options{ServiceName: "test"})
	runner := gormTxRunner{db: db}

	ordersRepo := pricing.NewRepository(db)
	affiliateSvc, err := affiliate.NewService(affiliate.ServiceParams{
		Repo:              affiliate.NewRepository(db),
		Tx:                runner,
		Logger:            logg,
		CommissionPercent: 10,
	})
	require.NoError(t, err)

	walletSvc, err := vcash.NewService(vcash.ServiceParams{
		Repo:   vcash.NewRepository(db),
		Tx:     runner,
		Logger: logg,
	})
	require.NoError(t, err)

	pricingSvc, err := pricing.NewService(pricing.ServiceParams{
		Repo:            ordersRepo,
		Tx:              runner,
		Rates:           fixedRates{rate: decimal.RequireFromString("0.9")},
		Referrals:       affiliateSvc,
		Logger:          logg,
		ReferralPercent: 10,
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Tx:        runner,
		Orders:    ordersRepo,
		Pricing:   pricingSvc,
		Affiliate: affiliateSvc,
		Wallet:    walletSvc,
		Logger:    logg,
	})
	require.NoError(t, err)

	return &settlementFixture{
		db:        db,
		orders:    ordersRepo,
		pricing:   pricingSvc,
		affiliate: affiliateSvc,
		wallet:    walletSvc,
		svc:       svc,
	}
}

func (f *settlementFixture) seedOrder(t *testing.T, userID uuid.UUID, amountCents int64) *models.Order {
	t.Helper()

	order := &models.Order{
		ID:                  uuid.New(),
		UserID:              userID,
		PlanID:              uuid.New(),
		SettlementCurrency:  enums.CurrencyUSD,
		AmountCents:         amountCents,
		OriginalAmountCents: amountCents,
		DiscountSource:      enums.DiscountSourceNone,
		DisplayCurrency:     enums.CurrencyEUR,
		Status:              enums.OrderStatusPending,
	}
	require.NoError(t, f.db.Create(order).Error)
	return order
}

func (f *settlementFixture) attributeBuyer(t *testing.T, buyer uuid.UUID) *models.Affiliate {
	t.Helper()

	aff, err := f.affiliate.IssueReferralCode(context.Background(), uuid.New())
	require.NoError(t, err)
	_, err = f.affiliate.Attribute(context.Background(), buyer, aff.ReferralCode, "")
	require.NoError(t, err)
	return aff
}

func TestHandlePaidSettlesOrderAndRecordsCommission(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	buyer := uuid.New()
	f.attributeBuyer(t, buyer)
	order := f.seedOrder(t, buyer, 4000)

	err := f.svc.HandleEvent(ctx, &Event{EventID: "evt-1", Type: EventOrderPaid, OrderID: order.ID})
	require.NoError(t, err)

	settled, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, settled.Status)
	require.NotNil(t, settled.PaidAt)

	// the attributed buyer's referral discount lands on the order
	assert.Equal(t, enums.DiscountSourceReferral, settled.DiscountSource)
	assert.Equal(t, int64(3600), settled.AmountCents)

	require.NotNil(t, settled.DisplayRate)
	assert.True(t, settled.DisplayRate.Equal(decimal.RequireFromString("0.9")))
	require.NotNil(t, settled.DisplayAmountCents)
	assert.Equal(t, int64(3240), *settled.DisplayAmountCents)

	var commissions []models.AffiliateCommission
	require.NoError(t, f.db.Where("source_order_id = ?", order.ID).Find(&commissions).Error)
	require.Len(t, commissions, 1)
	assert.Equal(t, int64(360), commissions[0].AmountCents)
}

func TestHandlePaidReplayIsNoOp(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	buyer := uuid.New()
	f.attributeBuyer(t, buyer)
	order := f.seedOrder(t, buyer, 4000)

	event := &Event{EventID: "evt-1", Type: EventOrderPaid, OrderID: order.ID}
	require.NoError(t, f.svc.HandleEvent(ctx, event))
	require.NoError(t, f.svc.HandleEvent(ctx, event))

	var count int64
	require.NoError(t, f.db.Model(&models.AffiliateCommission{}).
		Where("source_order_id = ?", order.ID).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestHandlePaidWithoutAttributionSkipsCommission(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	order := f.seedOrder(t, uuid.New(), 2500)
	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderPaid, OrderID: order.ID}))

	var count int64
	require.NoError(t, f.db.Model(&models.AffiliateCommission{}).
		Where("source_order_id = ?", order.ID).
		Count(&count).Error)
	assert.Equal(t, int64(0), count)

	settled, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, settled.Status)
}

func TestHandleFailedTransitionsPendingOnly(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	order := f.seedOrder(t, uuid.New(), 1000)
	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderFailed, OrderID: order.ID}))

	failed, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusFailed, failed.Status)

	// replay is harmless
	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderFailed, OrderID: order.ID}))

	// but failing a paid order is a state conflict
	paid := f.seedOrder(t, uuid.New(), 1000)
	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderPaid, OrderID: paid.ID}))
	err = f.svc.HandleEvent(ctx, &Event{Type: EventOrderFailed, OrderID: paid.ID})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeStateConflict, typed.Code())
}

func TestHandleRefundedCreditsWalletOnce(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	buyer := uuid.New()
	order := f.seedOrder(t, buyer, 3000)
	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderPaid, OrderID: order.ID}))
	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderRefunded, OrderID: order.ID}))

	balance, err := f.wallet.Balance(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)

	// replayed refund must not double-credit
	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderRefunded, OrderID: order.ID}))
	balance, err = f.wallet.Balance(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)
}

func TestRefundKeepsCommissionFrozen(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	buyer := uuid.New()
	f.attributeBuyer(t, buyer)
	order := f.seedOrder(t, buyer, 4000)

	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderPaid, OrderID: order.ID}))
	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderRefunded, OrderID: order.ID}))

	var commissions []models.AffiliateCommission
	require.NoError(t, f.db.Where("source_order_id = ?", order.ID).Find(&commissions).Error)
	require.Len(t, commissions, 1)
	assert.Equal(t, int64(360), commissions[0].AmountCents)
}

func TestReferralDiscountPersistsThroughSettlement(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	buyer := uuid.New()
	f.attributeBuyer(t, buyer)
	order := f.seedOrder(t, buyer, 2000)

	// the quote previews the referral discount before payment
	quote, err := f.pricing.ComputeCharge(ctx, order.ID, enums.CurrencyUSD)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), quote.AmountCents)

	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderPaid, OrderID: order.ID}))

	// settlement records the quoted amount, not the undiscounted one
	settled, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), settled.AmountCents)
	assert.Equal(t, int64(2000), settled.OriginalAmountCents)
	assert.Equal(t, enums.DiscountSourceReferral, settled.DiscountSource)
	require.NotNil(t, settled.DiscountPercent)
	assert.Equal(t, 10, *settled.DiscountPercent)

	var commissions []models.AffiliateCommission
	require.NoError(t, f.db.Where("source_order_id = ?", order.ID).Find(&commissions).Error)
	require.Len(t, commissions, 1)
	assert.Equal(t, int64(180), commissions[0].AmountCents)

	// the refund credit follows the recorded amount too
	require.NoError(t, f.svc.HandleEvent(ctx, &Event{Type: EventOrderRefunded, OrderID: order.ID}))
	balance, err := f.wallet.Balance(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), balance)
}

func TestHandleEventValidation(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	err := f.svc.HandleEvent(ctx, nil)
	require.NotNil(t, pkgerrors.As(err))

	err = f.svc.HandleEvent(ctx, &Event{Type: EventOrderPaid})
	require.NotNil(t, pkgerrors.As(err))

	err = f.svc.HandleEvent(ctx, &Event{Type: "order.telepathy", OrderID: uuid.New()})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())

	err = f.svc.HandleEvent(ctx, &Event{Type: EventOrderPaid, OrderID: uuid.New()})
	typed = pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}
