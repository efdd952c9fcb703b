package controllers

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/triproam/settlement-engine/api/responses"
	"github.com/triproam/settlement-engine/api/validators"
	"github.com/triproam/settlement-engine/internal/affiliate"
	"github.com/triproam/settlement-engine/pkg/db/models"
	"github.com/triproam/settlement-engine/pkg/enums"
	"github.com/triproam/settlement-engine/pkg/logger"
	"github.com/triproam/settlement-engine/pkg/pagination"
)

type commissionView struct {
	ID              uuid.UUID              `json:"id"`
	SourceOrderID   uuid.UUID              `json:"source_order_id"`
	SourceType      enums.CommissionSource `json:"source_type"`
	AmountCents     int64                  `json:"amount_cents"`
	SettledCurrency enums.Currency         `json:"settled_currency"`
	CreatedAt       time.Time              `json:"created_at"`
}

type dashboardView struct {
	ReferralCode         string           `json:"referral_code"`
	TotalCommissionCents int64            `json:"total_commission_cents"`
	TotalReferrals       int64            `json:"total_referrals"`
	TotalPurchases       int64            `json:"total_purchases"`
	RecentCommissions    []commissionView `json:"recent_commissions"`
	Page                 pagination.Page  `json:"page"`
}

func newCommissionViews(rows []models.AffiliateCommission) []commissionView {
	views := make([]commissionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, commissionView{
			ID:              row.ID,
			SourceOrderID:   row.SourceOrderID,
			SourceType:      row.SourceType,
			AmountCents:     row.AmountCents,
			SettledCurrency: row.SettledCurrency,
			CreatedAt:       row.CreatedAt,
		})
	}
	return views
}

// AffiliateCode issues (or returns) the caller's referral code.
func AffiliateCode(svc affiliate.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		aff, err := svc.IssueReferralCode(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"referral_code": aff.ReferralCode})
	}
}

type attributeRequest struct {
	Code string `json:"code" validate:"required,min=1,max=16"`
}

// AffiliateAttribute binds the caller to the referring affiliate. First
// touch wins; replays return the original binding.
func AffiliateAttribute(svc affiliate.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req attributeRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		attribution, err := svc.Attribute(r.Context(), userID, req.Code, clientIPForAudit(r))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"affiliate_id": attribution.AffiliateID,
			"attributed":   true,
		})
	}
}

// AffiliateDashboard returns ledger-derived aggregates for the caller.
func AffiliateDashboard(svc affiliate.Service, logg *logger.Logger) http.HandlerFunc {
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

		dashboard, err := svc.Dashboard(r.Context(), userID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, dashboardView{
			ReferralCode:         dashboard.ReferralCode,
			TotalCommissionCents: dashboard.TotalCommissionCents,
			TotalReferrals:       dashboard.TotalReferrals,
			TotalPurchases:       dashboard.TotalPurchases,
			RecentCommissions:    newCommissionViews(dashboard.RecentCommissions),
			Page:                 dashboard.Page,
		})
	}
}

func clientIPForAudit(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
