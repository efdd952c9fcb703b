package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triproam/settlement-engine/api/controllers"
	webhookcontrollers "github.com/triproam/settlement-engine/api/controllers/webhooks"
	"github.com/triproam/settlement-engine/api/middleware"
	"github.com/triproam/settlement-engine/internal/affiliate"
	"github.com/triproam/settlement-engine/internal/fx"
	"github.com/triproam/settlement-engine/internal/pricing"
	"github.com/triproam/settlement-engine/internal/ratelimit"
	"github.com/triproam/settlement-engine/internal/settlement"
	"github.com/triproam/settlement-engine/internal/vcash"
	"github.com/triproam/settlement-engine/pkg/config"
	"github.com/triproam/settlement-engine/pkg/db"
	"github.com/triproam/settlement-engine/pkg/logger"
	"github.com/triproam/settlement-engine/pkg/redis"
)

// RouterParams collects everything the HTTP surface depends on.
type RouterParams struct {
	Config  *config.Config
	Logger  *logger.Logger
	DB      db.Pinger
	Redis   redis.Pinger
	FXStore *fx.Store

	RateLimitGuard *ratelimit.Guard
	Policies       ratelimit.Policies

	PricingService   pricing.Service
	OrdersRepo       pricing.Repository
	WalletService    vcash.Service
	AffiliateService affiliate.Service

	SettlementService settlement.Service
	SettlementGuard   *settlement.IdempotencyGuard

	MetricsRegistry *prometheus.Registry
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, params.DB, params.Redis))
	})

	if params.MetricsRegistry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/public", func(r chi.Router) {
		r.With(middleware.RateLimit(params.RateLimitGuard, params.Policies.Read, logg)).
			Get("/fx", controllers.FXRate(params.FXStore, logg))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(params.RateLimitGuard, params.Policies.Payment, logg))
		r.Post("/settlement", webhookcontrollers.SettlementWebhook(
			params.SettlementService,
			cfg.Settlement.WebhookSecret,
			params.SettlementGuard,
			logg,
		))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identity(cfg.Identity, logg))

		r.Route("/orders/{orderId}", func(r chi.Router) {
			promoLimited := middleware.RateLimit(params.RateLimitGuard, params.Policies.Promo, logg)
			r.With(promoLimited).Post("/validate-promo", controllers.ApplyPromo(params.PricingService, params.OrdersRepo, logg))
			r.With(promoLimited).Post("/remove-promo", controllers.RemovePromo(params.PricingService, params.OrdersRepo, logg))
			r.With(middleware.RateLimit(params.RateLimitGuard, params.Policies.Payment, logg)).
				Get("/charge", controllers.OrderCharge(params.PricingService, params.OrdersRepo, logg))
		})

		r.Route("/vcash", func(r chi.Router) {
			r.Use(middleware.RateLimit(params.RateLimitGuard, params.Policies.Read, logg))
			r.Get("/", controllers.WalletBalance(params.WalletService, logg))
			r.Get("/transactions", controllers.WalletHistory(params.WalletService, logg))
		})

		r.Route("/affiliate", func(r chi.Router) {
			reviewLimited := middleware.RateLimit(params.RateLimitGuard, params.Policies.Review, logg)
			r.With(reviewLimited).Post("/code", controllers.AffiliateCode(params.AffiliateService, logg))
			r.With(reviewLimited).Post("/attribute", controllers.AffiliateAttribute(params.AffiliateService, logg))
			r.With(middleware.RateLimit(params.RateLimitGuard, params.Policies.Read, logg)).
				Get("/dashboard", controllers.AffiliateDashboard(params.AffiliateService, logg))
		})
	})

	return r
}
