package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/triproam/settlement-engine/api/responses"
	"github.com/triproam/settlement-engine/internal/fx"
	"github.com/triproam/settlement-engine/pkg/enums"
	pkgerrors "github.com/triproam/settlement-engine/pkg/errors"
	"github.com/triproam/settlement-engine/pkg/logger"
)

type fxRateView struct {
	From        enums.Currency  `json:"from"`
	To          enums.Currency  `json:"to"`
	Rate        decimal.Decimal `json:"rate"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

// FXRate returns the current display conversion rate between two currencies.
// Rates here are indicative; the rate an order settles with is frozen at
// payment time.
func FXRate(store *fx.Store, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "fx store unavailable"))
			return
		}

		from := store.Base()
		if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
			parsed, err := enums.ParseCurrency(strings.ToUpper(raw))
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency").WithDetails(map[string]any{"from": raw}))
				return
			}
			from = parsed
		}

		raw := strings.TrimSpace(r.URL.Query().Get("to"))
		if raw == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "to currency is required"))
			return
		}
		to, err := enums.ParseCurrency(strings.ToUpper(raw))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency").WithDetails(map[string]any{"to": raw}))
			return
		}

		rate, err := store.Rate(from, to)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rates unavailable"))
			return
		}

		responses.WriteSuccess(w, fxRateView{
			From:        from,
			To:          to,
			Rate:        rate,
			RefreshedAt: store.RefreshedAt(),
		})
	}
}
