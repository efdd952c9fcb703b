package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/enums"
	pkgerrors "github.com/triproam/settlement-engine/pkg/errors"
	"github.com/triproam/settlement-engine/pkg/logger"
)

// Stable reason strings callers branch on.
const (
	ReasonPromoNotFound       = "PROMO_NOT_FOUND"
	ReasonPromoExpired        = "PROMO_EXPIRED"
	ReasonPromoExhausted      = "PROMO_EXHAUSTED"
	ReasonPromoAlreadyApplied = "PROMO_ALREADY_APPLIED"
	ReasonOrderNotPending     = "ORDER_NOT_PENDING"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// rateSource converts settlement cents into a display currency, returning
// the rate so it can be frozen onto the order.
type rateSource interface {
	Convert(amountCents int64, from, to enums.Currency) (int64, decimal.Decimal, error)
}

// referralChecker reports whether a user carries a referral attribution.
type referralChecker interface {
	IsReferralEligible(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Charge is the resolved chargeable amount for an order.
type Charge struct {
	AmountCents        int64           `json:"amount_cents"`
	SettlementCurrency enums.Currency  `json:"settlement_currency"`
	DisplayAmountCents int64           `json:"display_amount_cents"`
	DisplayCurrency    enums.Currency  `json:"display_currency"`
	DisplayRate        decimal.Decimal `json:"display_rate"`
	Discount           Discount        `json:"discount"`
}

// Service resolves final chargeable amounts and manages the at-most-one
// discount per order rule.
type Service interface {
	ApplyPromo(ctx context.Context, orderID uuid.UUID, code string) (*models.Order, error)
	RemovePromo(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	ComputeCharge(ctx context.Context, orderID uuid.UUID, displayCurrency enums.Currency) (*Charge, error)
	FreezeReferralDiscount(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
	FreezeDisplayRate(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
}

type service struct {
	repo            Repository
	tx              txRunner
	rates           rateSource
	referrals       referralChecker
	logg            *logger.Logger
	referralPercent int
	now             func() time.Time
}

// ServiceParams wire the pricing service.
type ServiceParams struct {
	Repo            Repository
	Tx              txRunner
	Rates           rateSource
	Referrals       referralChecker
	Logger          *logger.Logger
	ReferralPercent int
	Now             func() time.Time
}

// NewService builds the pricing service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("pricing repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Rates == nil {
		return nil, fmt.Errorf("rate source required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.ReferralPercent < 0 || params.ReferralPercent > 100 {
		return nil, fmt.Errorf("referral percent out of range")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:            params.Repo,
		tx:              params.Tx,
		rates:           params.Rates,
		referrals:       params.Referrals,
		logg:            params.Logger,
		referralPercent: params.ReferralPercent,
		now:             now,
	}, nil
}

// ApplyPromo validates the code and makes it the order's active discount.
// Repeated applies without an intervening remove are rejected, never
// silently overwritten.
func (s *service) ApplyPromo(ctx context.Context, orderID uuid.UUID, code string) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "promo code is required")
	}

	var updated *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		order, err := repo.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
		}
		if order.Status.IsTerminalForDiscounts() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "discounts are immutable once an order leaves pending").
				WithReason(ReasonOrderNotPending)
		}
		if order.DiscountSource != enums.DiscountSourceNone {
			return pkgerrors.New(pkgerrors.CodeConflict, "order already has an active discount").
				WithReason(ReasonPromoAlreadyApplied)
		}

		promo, err := repo.GetPromoByCode(ctx, code)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "promo code not found").
					WithReason(ReasonPromoNotFound)
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading promo code")
		}
		if promo.IsExpired(s.now()) {
			return pkgerrors.New(pkgerrors.CodeValidation, "promo code has expired").
				WithReason(ReasonPromoExpired)
		}
		if promo.IsExhausted() {
			return pkgerrors.New(pkgerrors.CodeValidation, "promo code usage cap reached").
				WithReason(ReasonPromoExhausted)
		}

		order.AmountCents = DiscountedAmount(order.OriginalAmountCents, promo.DiscountPercent)
		order.DiscountSource = enums.DiscountSourcePromo
		order.PromoCode = &promo.Code
		percent := promo.DiscountPercent
		order.DiscountPercent = &percent

		if err := repo.SaveOrder(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "saving order")
		}
		if err := repo.IncrementPromoUsage(ctx, promo.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "counting promo usage")
		}

		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOrderID(ctx, orderID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"promo_code":   code,
		"amount_cents": updated.AmountCents,
	})
	s.logg.Info(logCtx, "promo applied")
	return updated, nil
}

// RemovePromo restores the pre-discount amount exactly from the captured
// original, never via inverse percentage math. Removing when no discount is
// active is a no-op.
func (s *service) RemovePromo(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}

	var updated *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		order, err := repo.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
		}
		if order.Status.IsTerminalForDiscounts() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "discounts are immutable once an order leaves pending").
				WithReason(ReasonOrderNotPending)
		}
		if order.DiscountSource == enums.DiscountSourceNone {
			updated = order
			return nil
		}

		var promoID *uuid.UUID
		if order.DiscountSource == enums.DiscountSourcePromo && order.PromoCode != nil {
			if promo, err := repo.GetPromoByCode(ctx, *order.PromoCode); err == nil {
				promoID = &promo.ID
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading promo code")
			}
		}

		order.AmountCents = order.OriginalAmountCents
		order.DiscountSource = enums.DiscountSourceNone
		order.PromoCode = nil
		order.DiscountPercent = nil

		if err := repo.SaveOrder(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "saving order")
		}
		if promoID != nil {
			if err := repo.DecrementPromoUsage(ctx, *promoID); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "releasing promo usage")
			}
		}

		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOrderID(ctx, orderID.String())
	s.logg.Info(logCtx, "promo removed")
	return updated, nil
}

// ComputeCharge resolves the order's final chargeable amount. Referral
// eligibility becomes the active discount only when no promo is present;
// the conversion rate is returned so checkout can freeze it on payment.
func (s *service) ComputeCharge(ctx context.Context, orderID uuid.UUID, displayCurrency enums.Currency) (*Charge, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
	}

	if displayCurrency == "" {
		displayCurrency = order.DisplayCurrency
	}
	if !displayCurrency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported display currency")
	}

	promo := NoDiscount()
	if order.DiscountSource == enums.DiscountSourcePromo && order.PromoCode != nil && order.DiscountPercent != nil {
		promo = PromoDiscount(*order.PromoCode, *order.DiscountPercent)
	}

	referral := NoDiscount()
	if s.referrals != nil && s.referralPercent > 0 {
		eligible, err := s.referrals.IsReferralEligible(ctx, order.UserID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "checking referral eligibility")
		}
		if eligible {
			referral = ReferralDiscount(s.referralPercent)
		}
	}

	active := ResolveDiscount(promo, referral)
	amount := order.AmountCents
	if active.Source == enums.DiscountSourceReferral {
		amount = DiscountedAmount(order.OriginalAmountCents, active.Percent)
	}

	displayAmount, rate, err := s.rates.Convert(amount, order.SettlementCurrency, displayCurrency)
	if err != nil {
		// display conversion is decorative; a dead FX table never blocks
		// settlement-currency checkout
		s.logg.Warn(s.logg.WithOrderID(ctx, orderID.String()), "fx unavailable; serving settlement currency only")
		displayAmount = amount
		displayCurrency = order.SettlementCurrency
		rate = decimal.NewFromInt(1)
	}

	return &Charge{
		AmountCents:        amount,
		SettlementCurrency: order.SettlementCurrency,
		DisplayAmountCents: displayAmount,
		DisplayCurrency:    displayCurrency,
		DisplayRate:        rate,
		Discount:           active,
	}, nil
}

// FreezeReferralDiscount makes the buyer's referral eligibility durable on
// the order inside the caller's settlement transaction. ComputeCharge only
// previews the referral discount; this is where it becomes the recorded
// amount that commissions and refunds are derived from. An order already
// carrying a discount is returned unchanged.
func (s *service) FreezeReferralDiscount(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	repo := s.repo.WithTx(tx)

	order, err := repo.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
	}
	if order.DiscountSource != enums.DiscountSourceNone {
		return order, nil
	}
	if s.referrals == nil || s.referralPercent <= 0 {
		return order, nil
	}

	eligible, err := s.referrals.IsReferralEligible(ctx, order.UserID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "checking referral eligibility")
	}
	if !eligible {
		return order, nil
	}

	order.AmountCents = DiscountedAmount(order.OriginalAmountCents, s.referralPercent)
	order.DiscountSource = enums.DiscountSourceReferral
	percent := s.referralPercent
	order.DiscountPercent = &percent

	if err := repo.SaveOrder(ctx, order); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "saving order")
	}

	logCtx := s.logg.WithOrderID(ctx, orderID.String())
	logCtx = s.logg.WithField(logCtx, "amount_cents", order.AmountCents)
	s.logg.Info(logCtx, "referral discount frozen")
	return order, nil
}

// FreezeDisplayRate stamps the current conversion rate and display amount
// onto the order inside the caller's settlement transaction, so later rate
// changes never alter a paid order's recorded amounts.
func (s *service) FreezeDisplayRate(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	repo := s.repo.WithTx(tx)

	order, err := repo.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
	}

	displayAmount, rate, err := s.rates.Convert(order.AmountCents, order.SettlementCurrency, order.DisplayCurrency)
	if err != nil {
		displayAmount = order.AmountCents
		rate = decimal.NewFromInt(1)
		order.DisplayCurrency = order.SettlementCurrency
	}
	order.DisplayAmountCents = &displayAmount
	order.DisplayRate = &rate

	if err := repo.SaveOrder(ctx, order); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "saving order")
	}
	return order, nil
}
