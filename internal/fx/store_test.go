package fx

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/triproam/settlement-engine/pkg/config"
	"github.com/triproam/settlement-engine/pkg/enums"
	"github.com/triproam/settlement-engine/pkg/logger"
)

type fakeProvider struct {
	rates Rates
	err   error
	calls int
}

func (f *fakeProvider) FetchRates(ctx context.Context) (Rates, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rates, nil
}

func testRates() Rates {
	return Rates{
		enums.CurrencyUSD: decimal.NewFromInt(1),
		enums.CurrencyEUR: decimal.RequireFromString("0.90"),
		enums.CurrencyGBP: decimal.RequireFromString("0.80"),
	}
}

func newTestStore(t *testing.T, provider Provider) *Store {
	t.Helper()
	store, err := NewStore(StoreParams{
		Provider: provider,
		Logger:   logger.New(logger.Options{ServiceName: "test"}),
		Config:   config.FXConfig{BaseCurrency: "USD"},
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestStoreRateBeforeRefresh(t *testing.T) {
	store := newTestStore(t, &fakeProvider{rates: testRates()})
	if _, err := store.Rate(enums.CurrencyUSD, enums.CurrencyEUR); err == nil {
		t.Fatal("expected error before first refresh")
	}
}

func TestStoreRefreshAndRate(t *testing.T) {
	store := newTestStore(t, &fakeProvider{rates: testRates()})
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	rate, err := store.Rate(enums.CurrencyUSD, enums.CurrencyEUR)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("0.9")) {
		t.Fatalf("usd->eur rate = %s, want 0.9", rate)
	}

	// cross through the base: EUR -> GBP = 0.80 / 0.90
	cross, err := store.Rate(enums.CurrencyEUR, enums.CurrencyGBP)
	if err != nil {
		t.Fatalf("cross rate: %v", err)
	}
	if !cross.Equal(decimal.RequireFromString("0.8888888889")) {
		t.Fatalf("eur->gbp rate = %s", cross)
	}

	same, err := store.Rate(enums.CurrencyJPY, enums.CurrencyJPY)
	if err != nil || !same.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("same-currency rate = %s, err %v", same, err)
	}
}

func TestStoreKeepsStaleTableOnFailedRefresh(t *testing.T) {
	provider := &fakeProvider{rates: testRates()}
	store := newTestStore(t, provider)
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	provider.err = errors.New("provider down")
	if err := store.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	rate, err := store.Rate(enums.CurrencyUSD, enums.CurrencyEUR)
	if err != nil {
		t.Fatalf("stale rate unavailable: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("0.9")) {
		t.Fatalf("stale rate = %s, want 0.9", rate)
	}
}

func TestConvertRoundsHalfUp(t *testing.T) {
	store := newTestStore(t, &fakeProvider{rates: testRates()})
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// 1999 * 0.90 = 1799.1 -> 1799
	cents, rate, err := store.Convert(1999, enums.CurrencyUSD, enums.CurrencyEUR)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if cents != 1799 {
		t.Fatalf("converted = %d, want 1799", cents)
	}
	if !rate.Equal(decimal.RequireFromString("0.9")) {
		t.Fatalf("frozen rate = %s", rate)
	}

	// exact half rounds up: 3 * 0.5 = 1.5 -> 2
	if got := ConvertAtRate(3, decimal.RequireFromString("0.5")); got != 2 {
		t.Fatalf("half-up = %d, want 2", got)
	}
}

func TestConvertAtRateReplaysFrozenRate(t *testing.T) {
	frozen := decimal.RequireFromString("0.9135")
	first := ConvertAtRate(2000, frozen)
	second := ConvertAtRate(2000, frozen)
	if first != second || first != 1827 {
		t.Fatalf("frozen conversion = %d/%d, want 1827", first, second)
	}
}

func TestUnknownCurrency(t *testing.T) {
	store := newTestStore(t, &fakeProvider{rates: testRates()})
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := store.Rate(enums.CurrencyUSD, enums.CurrencyAUD); err == nil {
		t.Fatal("expected missing-rate error")
	}
}
