package fx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/triproam/settlement-engine/pkg/config"
	"github.com/triproam/settlement-engine/pkg/enums"
	"github.com/triproam/settlement-engine/pkg/logger"
	"github.com/triproam/settlement-engine/pkg/metrics"
)

const defaultRefreshInterval = time.Hour

// StoreParams configure the FX rate store.
type StoreParams struct {
	Provider Provider
	Logger   *logger.Logger
	Metrics  *metrics.SettlementMetrics
	Config   config.FXConfig
}

// Store caches the provider's rate table in memory. Rates are display-only:
// settlement math never reads this table, it only decorates responses with a
// converted amount. A failed refresh keeps serving the previous table.
type Store struct {
	provider Provider
	logg     *logger.Logger
	metrics  *metrics.SettlementMetrics
	base     enums.Currency
	interval time.Duration

	mu          sync.RWMutex
	rates       Rates
	refreshedAt time.Time
}

// NewStore builds the store. Call Refresh or Run to populate it.
func NewStore(params StoreParams) (*Store, error) {
	if params.Provider == nil {
		return nil, fmt.Errorf("fx provider required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	base := enums.Currency(params.Config.BaseCurrency)
	if !base.IsValid() {
		return nil, fmt.Errorf("invalid fx base currency %q", params.Config.BaseCurrency)
	}
	interval := params.Config.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Store{
		provider: params.Provider,
		logg:     params.Logger,
		metrics:  params.Metrics,
		base:     base,
		interval: interval,
	}, nil
}

// Refresh fetches a fresh table. On failure the previous table stays live
// and the error is returned so callers can decide whether stale is fatal.
func (s *Store) Refresh(ctx context.Context) error {
	start := time.Now()
	rates, err := s.provider.FetchRates(ctx)
	s.metrics.ObserveFXRefresh(time.Since(start))
	if err != nil {
		s.metrics.IncFXRefreshFailure()
		return fmt.Errorf("fx refresh: %w", err)
	}

	s.mu.Lock()
	s.rates = rates
	s.refreshedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Run refreshes immediately and then on the configured cadence until the
// context is canceled.
func (s *Store) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Refresh(ctx); err != nil {
		s.logg.Error(ctx, "fx refresh failed; serving stale rates", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "fx store context canceled")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logg.Error(ctx, "fx refresh failed; serving stale rates", err)
			}
		}
	}
}

// Rate returns the multiplier that converts an amount in from-currency to
// to-currency, crossing through the base currency.
func (s *Store) Rate(from, to enums.Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.rates) == 0 {
		return decimal.Zero, fmt.Errorf("fx rates not loaded yet")
	}
	fromRate, ok := s.rates[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("no fx rate for %s", from)
	}
	toRate, ok := s.rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("no fx rate for %s", to)
	}
	return toRate.DivRound(fromRate, 10), nil
}

// Convert converts integer cents between currencies using the live table,
// rounding half-up. It returns the frozen rate alongside the amount so
// callers can persist the exact rate they displayed.
func (s *Store) Convert(amountCents int64, from, to enums.Currency) (int64, decimal.Decimal, error) {
	rate, err := s.Rate(from, to)
	if err != nil {
		return 0, decimal.Zero, err
	}
	return ConvertAtRate(amountCents, rate), rate, nil
}

// ConvertAtRate applies a previously frozen rate to integer cents,
// rounding half-up.
func ConvertAtRate(amountCents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amountCents).Mul(rate).Round(0).IntPart()
}

// RefreshedAt reports when the live table was last replaced.
func (s *Store) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}

// Base returns the table's base currency.
func (s *Store) Base() enums.Currency {
	return s.base
}
