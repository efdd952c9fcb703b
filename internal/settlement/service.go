package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/triproam/settlement-engine/internal/affiliate"
	"github.com/triproam/settlement-engine/internal/pricing"
	"github.com/triproam/settlement-engine/internal/vcash"
	"github.com/triproam/settlement-engine/pkg/enums"
	pkgerrors "github.com/triproam/settlement-engine/pkg/errors"
	"github.com/triproam/settlement-engine/pkg/logger"
)

// Event types the payment processor delivers.
const (
	EventOrderPaid     = "order.paid"
	EventOrderFailed   = "order.failed"
	EventOrderRefunded = "order.refunded"
)

// Event is one settlement notification. Deliveries may repeat; every
// handler path below is a no-op on replay.
type Event struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	OrderID    uuid.UUID `json:"order_id"`
	SourceType string    `json:"source_type,omitempty"`
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service applies a settlement notification to the order and the
// downstream ledgers in one transaction.
type Service interface {
	HandleEvent(ctx context.Context, event *Event) error
}

type service struct {
	tx        txRunner
	orders    pricing.Repository
	pricing   pricing.Service
	affiliate affiliate.Service
	wallet    vcash.Service
	logg      *logger.Logger
	now       func() time.Time
}

// ServiceParams wire the settlement service.
type ServiceParams struct {
	Tx        txRunner
	Orders    pricing.Repository
	Pricing   pricing.Service
	Affiliate affiliate.Service
	Wallet    vcash.Service
	Logger    *logger.Logger
	Now       func() time.Time
}

// NewService builds the settlement service.
func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Pricing == nil {
		return nil, fmt.Errorf("pricing service required")
	}
	if params.Affiliate == nil {
		return nil, fmt.Errorf("affiliate service required")
	}
	if params.Wallet == nil {
		return nil, fmt.Errorf("wallet service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		tx:        params.Tx,
		orders:    params.Orders,
		pricing:   params.Pricing,
		affiliate: params.Affiliate,
		wallet:    params.Wallet,
		logg:      params.Logger,
		now:       now,
	}, nil
}

func (s *service) HandleEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "event is required")
	}
	if event.OrderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}

	ctx = s.logg.WithOrderID(ctx, event.OrderID.String())
	ctx = s.logg.WithField(ctx, "event_type", event.Type)

	switch event.Type {
	case EventOrderPaid:
		return s.handlePaid(ctx, event)
	case EventOrderFailed:
		return s.handleFailed(ctx, event)
	case EventOrderRefunded:
		return s.handleRefunded(ctx, event)
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown event type %q", event.Type))
	}
}

// handlePaid freezes the referral discount and the display rate,
// transitions the order, and records the affiliate commission, all in one
// transaction.
func (s *service) handlePaid(ctx context.Context, event *Event) error {
	sourceType := enums.CommissionSourceOrder
	if event.SourceType != "" {
		parsed, err := enums.ParseCommissionSource(event.SourceType)
		if err != nil {
			return pkgerrors.New(pkgerrors.CodeValidation, err.Error())
		}
		sourceType = parsed
	}

	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)

		order, err := repo.GetOrderForUpdate(ctx, event.OrderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
		}

		switch order.Status {
		case enums.OrderStatusPaid:
			s.logg.Info(ctx, "order already paid; replay ignored")
			return nil
		case enums.OrderStatusPending:
		default:
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("cannot settle order in status %q", order.Status))
		}

		// the quoted referral discount becomes the recorded amount before
		// anything downstream reads it
		if _, err := s.pricing.FreezeReferralDiscount(ctx, tx, order.ID); err != nil {
			return err
		}

		order, err = s.pricing.FreezeDisplayRate(ctx, tx, order.ID)
		if err != nil {
			return err
		}

		paidAt := s.now()
		order.Status = enums.OrderStatusPaid
		order.PaidAt = &paidAt
		if err := repo.SaveOrder(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "saving order")
		}

		if _, err := s.affiliate.RecordCommissionTx(ctx, tx, affiliate.CommissionInput{
			SourceOrderID:      order.ID,
			SourceType:         sourceType,
			BuyerUserID:        order.UserID,
			SettledAmountCents: order.AmountCents,
			SettledCurrency:    order.SettlementCurrency,
		}); err != nil {
			return err
		}

		s.logg.Info(ctx, "order settled")
		return nil
	})
}

func (s *service) handleFailed(ctx context.Context, event *Event) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)

		order, err := repo.GetOrderForUpdate(ctx, event.OrderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
		}

		switch order.Status {
		case enums.OrderStatusFailed:
			return nil
		case enums.OrderStatusPending:
		default:
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("cannot fail order in status %q", order.Status))
		}

		order.Status = enums.OrderStatusFailed
		if err := repo.SaveOrder(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "saving order")
		}

		s.logg.Info(ctx, "order marked failed")
		return nil
	})
}

// handleRefunded moves a paid order to refunded and posts the refund as a
// V-Cash credit. The commission stays frozen; refunds never claw it back.
func (s *service) handleRefunded(ctx context.Context, event *Event) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)

		order, err := repo.GetOrderForUpdate(ctx, event.OrderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading order")
		}

		switch order.Status {
		case enums.OrderStatusRefunded:
			return nil
		case enums.OrderStatusPaid:
		default:
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("cannot refund order in status %q", order.Status))
		}

		order.Status = enums.OrderStatusRefunded
		if err := repo.SaveOrder(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "saving order")
		}

		metadata, _ := json.Marshal(map[string]string{"order_id": order.ID.String()})
		if _, err := s.wallet.CreditTx(ctx, tx, vcash.Mutation{
			UserID:      order.UserID,
			AmountCents: order.AmountCents,
			Reason:      enums.VCashReasonRefund,
			Metadata:    metadata,
		}); err != nil {
			return err
		}

		s.logg.Info(ctx, "order refunded to wallet")
		return nil
	})
}
