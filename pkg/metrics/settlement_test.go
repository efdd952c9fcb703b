package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSettlementMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSettlementMetrics(reg)

	m.IncLedgerWrite("refund")
	m.IncLedgerWrite("refund")
	m.IncLedgerWrite("purchase")
	m.IncCommissionWrite()
	m.IncCommissionReplay()
	m.IncRateLimitTrip("promo")
	m.ObserveFXRefresh(120 * time.Millisecond)
	m.IncFXRefreshFailure()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	byName := map[string]*dto.MetricFamily{}
	for _, fam := range families {
		byName[fam.GetName()] = fam
	}

	ledger, ok := byName["vcash_ledger_writes_total"]
	if !ok {
		t.Fatal("ledger counter not registered")
	}
	var refunds float64
	for _, metric := range ledger.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "reason" && label.GetValue() == "refund" {
				refunds = metric.GetCounter().GetValue()
			}
		}
	}
	if refunds != 2 {
		t.Fatalf("refund ledger writes = %v, want 2", refunds)
	}

	if fam, ok := byName["affiliate_commission_replays_total"]; !ok || fam.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("commission replay counter missing or wrong")
	}
	if _, ok := byName["fx_refresh_duration_seconds"]; !ok {
		t.Fatal("fx refresh histogram not registered")
	}
}

func TestSettlementMetricsNilSafe(t *testing.T) {
	var m *SettlementMetrics
	m.IncLedgerWrite("refund")
	m.IncCommissionWrite()
	m.IncRateLimitTrip("")
	m.ObserveFXRefresh(time.Second)

	empty := NewSettlementMetrics(nil)
	empty.IncCommissionReplay()
	empty.IncFXRefreshFailure()
}
