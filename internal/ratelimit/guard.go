package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/triproam/settlement-engine/pkg/errors"
	"github.com/triproam/settlement-engine/pkg/logger"
	"github.com/triproam/settlement-engine/pkg/metrics"

	"github.com/triproam/settlement-engine/pkg/config"
)

// Store is the atomic counter surface the guard needs. The increment and
// the window TTL must land in one round trip; see redis.Client.IncrWithTTL.
type Store interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	RateLimitKey(scope string) string
}

// Policy names one throttled traffic surface.
type Policy struct {
	Name   string
	Window time.Duration
	Limit  int
}

// Enabled reports whether the policy throttles anything at all.
func (p Policy) Enabled() bool {
	return p.Window > 0 && p.Limit > 0
}

// Policies holds the per-surface limits the engine enforces.
type Policies struct {
	Payment Policy
	Promo   Policy
	Review  Policy
	Read    Policy
}

// PoliciesFromConfig maps configured windows and limits onto named policies.
func PoliciesFromConfig(cfg config.RateLimitConfig) Policies {
	return Policies{
		Payment: Policy{Name: "payment", Window: cfg.PaymentWindow, Limit: cfg.PaymentLimit},
		Promo:   Policy{Name: "promo", Window: cfg.PromoWindow, Limit: cfg.PromoLimit},
		Review:  Policy{Name: "review", Window: cfg.ReviewWindow, Limit: cfg.ReviewLimit},
		Read:    Policy{Name: "read", Window: cfg.ReadWindow, Limit: cfg.ReadLimit},
	}
}

// Guard applies fixed-window limits before any state-changing work begins.
// A trip produces no downstream side effect; the window resets only by TTL
// expiry, there is no manual reset path.
type Guard struct {
	store   Store
	logg    *logger.Logger
	metrics *metrics.SettlementMetrics
}

// NewGuard wires a guard over the provided counter store.
func NewGuard(store Store, logg *logger.Logger, m *metrics.SettlementMetrics) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limit store required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Guard{store: store, logg: logg, metrics: m}, nil
}

// Check increments the counter for (policy, subject) and returns a
// RATE_LIMIT_EXCEEDED error once the window's limit is passed. A counter
// store failure surfaces as a dependency error rather than an open gate.
func (g *Guard) Check(ctx context.Context, policy Policy, subject string) error {
	if !policy.Enabled() {
		return nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "rate limit subject required")
	}

	key := g.store.RateLimitKey(policy.Name + ":" + subject)
	count, err := g.store.IncrWithTTL(ctx, key, policy.Window)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting")
	}
	if count > int64(policy.Limit) {
		g.metrics.IncRateLimitTrip(policy.Name)
		logCtx := g.logg.WithFields(ctx, map[string]any{
			"policy":         policy.Name,
			"attempts":       count,
			"limit":          policy.Limit,
			"window_seconds": int(policy.Window.Seconds()),
		})
		g.logg.Warn(logCtx, "rate_limit.blocked")
		return pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded")
	}
	return nil
}
