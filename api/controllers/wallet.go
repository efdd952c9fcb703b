package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/triproam/settlement-engine/api/middleware"
	"github.com/triproam/settlement-engine/api/responses"
	"github.com/triproam/settlement-engine/api/validators"
	"github.com/triproam/settlement-engine/internal/vcash"
	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/enums"
	pkgerrors "github.com/triproam/settlement-engine/pkg/errors"
	"github.com/triproam/settlement-engine/pkg/logger"
	"github.com/triproam/settlement-engine/pkg/pagination"
)

type walletTransactionView struct {
	ID          uuid.UUID         `json:"id"`
	AmountCents int64             `json:"amount_cents"`
	Reason      enums.VCashReason `json:"reason"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type walletHistoryView struct {
	Transactions []walletTransactionView `json:"transactions"`
	Page         pagination.Page         `json:"page"`
}

func newWalletTransactionViews(rows []models.VCashTransaction) []walletTransactionView {
	views := make([]walletTransactionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, walletTransactionView{
			ID:          row.ID,
			AmountCents: row.AmountCents,
			Reason:      row.Reason,
			Metadata:    row.Metadata,
			CreatedAt:   row.CreatedAt,
		})
	}
	return views
}

func callerUserID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	return userID, nil
}

// WalletBalance returns the caller's ledger-derived balance.
func WalletBalance(svc vcash.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		balance, err := svc.Balance(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]int64{"balance_cents": balance})
	}
}

// WalletHistory returns the caller's wallet ledger, newest first.
func WalletHistory(svc vcash.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params, err := validators.ParsePagination(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, page, err := svc.History(r.Context(), userID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, walletHistoryView{
			Transactions: newWalletTransactionViews(rows),
			Page:         page,
		})
	}
}
