package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics records the engine's money-movement counters.
type SettlementMetrics struct {
	ledgerWrites      *prometheus.CounterVec
	commissionWrites  prometheus.Counter
	commissionReplays prometheus.Counter
	rateLimitTrips    *prometheus.CounterVec
	fxRefreshDuration prometheus.Histogram
	fxRefreshFailures prometheus.Counter
}

// NewSettlementMetrics registers the settlement metrics on the provided registerer.
func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		return &SettlementMetrics{}
	}
	ledgerWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vcash_ledger_writes_total",
		Help: "V-Cash ledger rows appended, by reason.",
	}, []string{"reason"})
	commissionWrites := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "affiliate_commission_writes_total",
		Help: "Affiliate commission rows inserted.",
	})
	commissionReplays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "affiliate_commission_replays_total",
		Help: "Duplicate commission attempts resolved from the existing row.",
	})
	rateLimitTrips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_trips_total",
		Help: "Requests rejected by the rate limiter guard, by policy.",
	}, []string{"policy"})
	fxRefreshDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fx_refresh_duration_seconds",
		Help:    "Duration of FX rate table refreshes in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	fxRefreshFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fx_refresh_failures_total",
		Help: "FX refreshes that fell back to the cached table.",
	})
	reg.MustRegister(ledgerWrites, commissionWrites, commissionReplays, rateLimitTrips, fxRefreshDuration, fxRefreshFailures)
	return &SettlementMetrics{
		ledgerWrites:      ledgerWrites,
		commissionWrites:  commissionWrites,
		commissionReplays: commissionReplays,
		rateLimitTrips:    rateLimitTrips,
		fxRefreshDuration: fxRefreshDuration,
		fxRefreshFailures: fxRefreshFailures,
	}
}

// IncLedgerWrite counts one appended ledger row for the given reason.
func (m *SettlementMetrics) IncLedgerWrite(reason string) {
	if m == nil || m.ledgerWrites == nil {
		return
	}
	m.ledgerWrites.WithLabelValues(normalizeLabel(reason)).Inc()
}

// IncCommissionWrite counts one inserted commission row.
func (m *SettlementMetrics) IncCommissionWrite() {
	if m == nil || m.commissionWrites == nil {
		return
	}
	m.commissionWrites.Inc()
}

// IncCommissionReplay counts one deduplicated commission attempt.
func (m *SettlementMetrics) IncCommissionReplay() {
	if m == nil || m.commissionReplays == nil {
		return
	}
	m.commissionReplays.Inc()
}

// IncRateLimitTrip counts one rejected request for the named policy.
func (m *SettlementMetrics) IncRateLimitTrip(policy string) {
	if m == nil || m.rateLimitTrips == nil {
		return
	}
	m.rateLimitTrips.WithLabelValues(normalizeLabel(policy)).Inc()
}

// ObserveFXRefresh records the duration of one FX refresh cycle.
func (m *SettlementMetrics) ObserveFXRefresh(duration time.Duration) {
	if m == nil || m.fxRefreshDuration == nil {
		return
	}
	m.fxRefreshDuration.Observe(duration.Seconds())
}

// IncFXRefreshFailure counts one refresh that served stale rates instead.
func (m *SettlementMetrics) IncFXRefreshFailure() {
	if m == nil || m.fxRefreshFailures == nil {
		return
	}
	m.fxRefreshFailures.Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
