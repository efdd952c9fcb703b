package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/triproam/settlement-engine/api/routes"
	"github.com/triproam/settlement-engine/internal/affiliate"
	"github.com/triproam/settlement-engine/internal/fx"
	"github.com/triproam/settlement-engine/internal/pricing"
	"github.com/triproam/settlement-engine/internal/ratelimit"
	"github.com/triproam/settlement-engine/internal/settlement"
	"github.com/triproam/settlement-engine/internal/vcash"
	"github.com/triproam/settlement-engine/pkg/config"
	"github.com/triproam/settlement-engine/pkg/db"
	"github.com/triproam/settlement-engine/pkg/logger"
	"github.com/triproam/settlement-engine/pkg/metrics"
	"github.com/triproam/settlement-engine/pkg/migrate"
	"github.com/triproam/settlement-engine/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry := prometheus.NewRegistry()
	settlementMetrics := metrics.NewSettlementMetrics(registry)

	fxProvider, err := fx.NewHTTPProvider(cfg.FX)
	if err != nil {
		logg.Error(context.Background(), "failed to create fx provider", err)
		os.Exit(1)
	}
	fxStore, err := fx.NewStore(fx.StoreParams{
		Provider: fxProvider,
		Logger:   logg,
		Metrics:  settlementMetrics,
		Config:   cfg.FX,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create fx store", err)
		os.Exit(1)
	}

	affiliateService, err := affiliate.NewService(affiliate.ServiceParams{
		Repo:              affiliate.NewRepository(dbClient.DB()),
		Tx:                dbClient,
		Logger:            logg,
		Metrics:           settlementMetrics,
		CommissionPercent: cfg.Affiliate.CommissionPercent,
		VelocityWindow:    cfg.Affiliate.VelocityWindow,
		VelocityThreshold: cfg.Affiliate.VelocityThreshold,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create affiliate service", err)
		os.Exit(1)
	}

	walletService, err := vcash.NewService(vcash.ServiceParams{
		Repo:    vcash.NewRepository(dbClient.DB()),
		Tx:      dbClient,
		Logger:  logg,
		Metrics: settlementMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create wallet service", err)
		os.Exit(1)
	}

	ordersRepo := pricing.NewRepository(dbClient.DB())
	pricingService, err := pricing.NewService(pricing.ServiceParams{
		Repo:            ordersRepo,
		Tx:              dbClient,
		Rates:           fxStore,
		Referrals:       affiliateService,
		Logger:          logg,
		ReferralPercent: cfg.Affiliate.ReferralDiscountPercent,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create pricing service", err)
		os.Exit(1)
	}

	settlementService, err := settlement.NewService(settlement.ServiceParams{
		Tx:        dbClient,
		Orders:    ordersRepo,
		Pricing:   pricingService,
		Affiliate: affiliateService,
		Wallet:    walletService,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create settlement service", err)
		os.Exit(1)
	}

	settlementGuard, err := settlement.NewIdempotencyGuard(redisClient, cfg.Settlement.IdempotencyTTL, "settlement")
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency guard", err)
		os.Exit(1)
	}

	rateLimitGuard, err := ratelimit.NewGuard(redisClient, logg, settlementMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to create rate limit guard", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := fxStore.Refresh(ctx); err != nil {
		logg.Warn(logg.WithField(ctx, "error", err.Error()), "initial fx refresh failed; display conversion degraded until the next cycle")
	}
	go func() {
		if err := fxStore.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "fx refresh loop stopped unexpectedly", err)
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	runCtx := logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(runCtx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:            cfg,
			Logger:            logg,
			DB:                dbClient,
			Redis:             redisClient,
			FXStore:           fxStore,
			RateLimitGuard:    rateLimitGuard,
			Policies:          ratelimit.PoliciesFromConfig(cfg.RateLimit),
			PricingService:    pricingService,
			OrdersRepo:        ordersRepo,
			WalletService:     walletService,
			AffiliateService:  affiliateService,
			SettlementService: settlementService,
			SettlementGuard:   settlementGuard,
			MetricsRegistry:   registry,
		}),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(runCtx, "error shutting down api server", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(runCtx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(runCtx, "api server shut down gracefully")
}
