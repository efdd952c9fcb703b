package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/triproam/settlement-engine/api/middleware"
	"github.com/triproam/settlement-engine/internal/pricing"
	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/enums"
	"github.com/triproam/settlement-engine/pkg/types"
)

type stubPricingService struct {
	applyPromoFn func(ctx context.Context, orderID uuid.UUID, code string) (*models.Order, error)
	removeFn     func(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	chargeFn     func(ctx context.Context, orderID uuid.UUID, displayCurrency enums.Currency) (*pricing.Charge, error)
}

func (s *stubPricingService) ApplyPromo(ctx context.Context, orderID uuid.UUID, code string) (*models.Order, error) {
	return s.applyPromoFn(ctx, orderID, code)
}

func (s *stubPricingService) RemovePromo(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.removeFn(ctx, orderID)
}

func (s *stubPricingService) ComputeCharge(ctx context.Context, orderID uuid.UUID, displayCurrency enums.Currency) (*pricing.Charge, error) {
	return s.chargeFn(ctx, orderID, displayCurrency)
}

func (s *stubPricingService) FreezeReferralDiscount(_ context.Context, _ *gorm.DB, _ uuid.UUID) (*models.Order, error) {
	panic("not used by controllers")
}

func (s *stubPricingService) FreezeDisplayRate(_ context.Context, _ *gorm.DB, _ uuid.UUID) (*models.Order, error) {
	panic("not used by controllers")
}

type stubOrderLoader struct {
	orders map[uuid.UUID]*models.Order
}

func (s *stubOrderLoader) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	order, ok := s.orders[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return order, nil
}

func pendingOrder(userID uuid.UUID) *models.Order {
	return &models.Order{
		ID:                  uuid.New(),
		UserID:              userID,
		PlanID:              uuid.New(),
		SettlementCurrency:  enums.CurrencyUSD,
		AmountCents:         2000,
		OriginalAmountCents: 2000,
		DiscountSource:      enums.DiscountSourceNone,
		DisplayCurrency:     enums.CurrencyUSD,
		Status:              enums.OrderStatusPending,
	}
}

func serveOrderRoute(method, pattern string, handler http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	router.Method(method, pattern, handler)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestApplyPromoReturnsDiscountedOrder(t *testing.T) {
	userID := uuid.New()
	order := pendingOrder(userID)
	loader := &stubOrderLoader{orders: map[uuid.UUID]*models.Order{order.ID: order}}

	svc := &stubPricingService{
		applyPromoFn: func(_ context.Context, orderID uuid.UUID, code string) (*models.Order, error) {
			assert.Equal(t, order.ID, orderID)
			assert.Equal(t, "SAVE10", code)
			discounted := *order
			discounted.AmountCents = 1800
			discounted.DiscountSource = enums.DiscountSourcePromo
			return &discounted, nil
		},
	}

	body, _ := json.Marshal(map[string]string{"code": "SAVE10"})
	req := httptest.NewRequest(http.MethodPost, "/v1/orders/"+order.ID.String()+"/validate-promo", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), userID.String()))

	rec := serveOrderRoute(http.MethodPost, "/v1/orders/{orderId}/validate-promo", ApplyPromo(svc, loader, nil), req)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data orderView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, int64(1800), envelope.Data.AmountCents)
	assert.Equal(t, int64(2000), envelope.Data.OriginalAmountCents)
	assert.Equal(t, enums.DiscountSourcePromo, envelope.Data.DiscountSource)
}

func TestApplyPromoHidesForeignOrders(t *testing.T) {
	owner := uuid.New()
	order := pendingOrder(owner)
	loader := &stubOrderLoader{orders: map[uuid.UUID]*models.Order{order.ID: order}}

	svc := &stubPricingService{
		applyPromoFn: func(_ context.Context, _ uuid.UUID, _ string) (*models.Order, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}

	body, _ := json.Marshal(map[string]string{"code": "SAVE10"})
	req := httptest.NewRequest(http.MethodPost, "/v1/orders/"+order.ID.String()+"/validate-promo", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), uuid.NewString()))

	rec := serveOrderRoute(http.MethodPost, "/v1/orders/{orderId}/validate-promo", ApplyPromo(svc, loader, nil), req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApplyPromoValidation(t *testing.T) {
	userID := uuid.New()
	order := pendingOrder(userID)
	loader := &stubOrderLoader{orders: map[uuid.UUID]*models.Order{order.ID: order}}
	svc := &stubPricingService{}

	// bad order id
	body, _ := json.Marshal(map[string]string{"code": "SAVE10"})
	req := httptest.NewRequest(http.MethodPost, "/v1/orders/not-a-uuid/validate-promo", bytes.NewReader(body))
	rec := serveOrderRoute(http.MethodPost, "/v1/orders/{orderId}/validate-promo", ApplyPromo(svc, loader, nil), req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// missing code
	req = httptest.NewRequest(http.MethodPost, "/v1/orders/"+order.ID.String()+"/validate-promo", bytes.NewReader([]byte(`{}`)))
	req = req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
	rec = serveOrderRoute(http.MethodPost, "/v1/orders/{orderId}/validate-promo", ApplyPromo(svc, loader, nil), req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemovePromoRestoresOriginal(t *testing.T) {
	userID := uuid.New()
	order := pendingOrder(userID)
	order.AmountCents = 1800
	loader := &stubOrderLoader{orders: map[uuid.UUID]*models.Order{order.ID: order}}

	svc := &stubPricingService{
		removeFn: func(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
			restored := *order
			restored.AmountCents = restored.OriginalAmountCents
			restored.DiscountSource = enums.DiscountSourceNone
			return &restored, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/orders/"+order.ID.String()+"/remove-promo", nil)
	req = req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
	rec := serveOrderRoute(http.MethodPost, "/v1/orders/{orderId}/remove-promo", RemovePromo(svc, loader, nil), req)

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data orderView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, int64(2000), envelope.Data.AmountCents)
	assert.Equal(t, enums.DiscountSourceNone, envelope.Data.DiscountSource)
}

func TestOrderChargePassesRequestedCurrency(t *testing.T) {
	userID := uuid.New()
	order := pendingOrder(userID)
	loader := &stubOrderLoader{orders: map[uuid.UUID]*models.Order{order.ID: order}}

	svc := &stubPricingService{
		chargeFn: func(_ context.Context, orderID uuid.UUID, displayCurrency enums.Currency) (*pricing.Charge, error) {
			assert.Equal(t, enums.CurrencyEUR, displayCurrency)
			return &pricing.Charge{
				AmountCents:        2000,
				SettlementCurrency: enums.CurrencyUSD,
				DisplayAmountCents: 1800,
				DisplayCurrency:    enums.CurrencyEUR,
				DisplayRate:        decimal.RequireFromString("0.9"),
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/"+order.ID.String()+"/charge?currency=eur", nil)
	req = req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
	rec := serveOrderRoute(http.MethodGet, "/v1/orders/{orderId}/charge", OrderCharge(svc, loader, nil), req)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope types.SuccessEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	data, ok := envelope.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1800), data["display_amount_cents"])
}

func TestOrderChargeRejectsUnknownCurrency(t *testing.T) {
	userID := uuid.New()
	order := pendingOrder(userID)
	loader := &stubOrderLoader{orders: map[uuid.UUID]*models.Order{order.ID: order}}
	svc := &stubPricingService{}

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/"+order.ID.String()+"/charge?currency=XYZ", nil)
	req = req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
	rec := serveOrderRoute(http.MethodGet, "/v1/orders/{orderId}/charge", OrderCharge(svc, loader, nil), req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
