package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/triproam/settlement-engine/api/middleware"
	"github.com/triproam/settlement-engine/api/responses"
	"github.com/triproam/settlement-engine/api/validators"
	"github.com/triproam/settlement-engine/internal/pricing"
	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/enums"
	pkgerrors "github.com/triproam/settlement-engine/pkg/errors"
	"github.com/triproam/settlement-engine/pkg/logger"
)

// orderLoader is the read surface the controllers use for ownership checks.
type orderLoader interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type orderView struct {
	ID                  uuid.UUID            `json:"id"`
	PlanID              uuid.UUID            `json:"plan_id"`
	SettlementCurrency  enums.Currency       `json:"settlement_currency"`
	AmountCents         int64                `json:"amount_cents"`
	OriginalAmountCents int64                `json:"original_amount_cents"`
	DiscountSource      enums.DiscountSource `json:"discount_source"`
	PromoCode           *string              `json:"promo_code,omitempty"`
	DiscountPercent     *int                 `json:"discount_percent,omitempty"`
	DisplayCurrency     enums.Currency       `json:"display_currency"`
	DisplayAmountCents  *int64               `json:"display_amount_cents,omitempty"`
	DisplayRate         *decimal.Decimal     `json:"display_rate,omitempty"`
	Status              enums.OrderStatus    `json:"status"`
	PaidAt              *time.Time           `json:"paid_at,omitempty"`
}

func newOrderView(order *models.Order) orderView {
	return orderView{
		ID:                  order.ID,
		PlanID:              order.PlanID,
		SettlementCurrency:  order.SettlementCurrency,
		AmountCents:         order.AmountCents,
		OriginalAmountCents: order.OriginalAmountCents,
		DiscountSource:      order.DiscountSource,
		PromoCode:           order.PromoCode,
		DiscountPercent:     order.DiscountPercent,
		DisplayCurrency:     order.DisplayCurrency,
		DisplayAmountCents:  order.DisplayAmountCents,
		DisplayRate:         order.DisplayRate,
		Status:              order.Status,
		PaidAt:              order.PaidAt,
	}
}

// requireOwnedOrder loads the order and hides it from anyone but its buyer.
func requireOwnedOrder(ctx context.Context, orders orderLoader, orderID uuid.UUID) (*models.Order, error) {
	order, err := orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
	}
	userID := middleware.UserIDFromContext(ctx)
	if userID == "" || order.UserID.String() != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

type applyPromoRequest struct {
	Code string `json:"code" validate:"required,min=1,max=64"`
}

// ApplyPromo attaches a promo code discount to a pending order.
func ApplyPromo(svc pricing.Service, orders orderLoader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathUUID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req applyPromoRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if _, err := requireOwnedOrder(r.Context(), orders, orderID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.ApplyPromo(r.Context(), orderID, req.Code)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newOrderView(order))
	}
}

// RemovePromo clears the order's discount and restores the original amount.
func RemovePromo(svc pricing.Service, orders orderLoader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathUUID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if _, err := requireOwnedOrder(r.Context(), orders, orderID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.RemovePromo(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newOrderView(order))
	}
}

// OrderCharge resolves the final chargeable amount, including the display
// conversion for the requested currency.
func OrderCharge(svc pricing.Service, orders orderLoader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathUUID(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := requireOwnedOrder(r.Context(), orders, orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		displayCurrency := order.DisplayCurrency
		if raw := strings.TrimSpace(r.URL.Query().Get("currency")); raw != "" {
			parsed, err := enums.ParseCurrency(strings.ToUpper(raw))
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency").WithDetails(map[string]any{"currency": raw}))
				return
			}
			displayCurrency = parsed
		}

		charge, err := svc.ComputeCharge(r.Context(), orderID, displayCurrency)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, charge)
	}
}
