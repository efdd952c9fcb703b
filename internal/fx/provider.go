package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/triproam/settlement-engine/pkg/config"
	"github.com/triproam/settlement-engine/pkg/enums"
)

// Rates maps a currency to its rate relative to the base currency.
type Rates map[enums.Currency]decimal.Decimal

// Provider fetches a fresh rate table.
type Provider interface {
	FetchRates(ctx context.Context) (Rates, error)
}

type httpProvider struct {
	url    string
	base   enums.Currency
	client *http.Client
}

// NewHTTPProvider builds a rate provider that polls a JSON endpoint of the
// shape {"base":"USD","rates":{"EUR":0.91,...}}.
func NewHTTPProvider(cfg config.FXConfig) (Provider, error) {
	if cfg.ProviderURL == "" {
		return nil, fmt.Errorf("fx provider url required")
	}
	base := enums.Currency(cfg.BaseCurrency)
	if !base.IsValid() {
		return nil, fmt.Errorf("invalid fx base currency %q", cfg.BaseCurrency)
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpProvider{
		url:    cfg.ProviderURL,
		base:   base,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type providerPayload struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (p *httpProvider) FetchRates(ctx context.Context) (Rates, error) {
	var payload providerPayload

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("fx provider returned %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fx provider returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("decoding fx payload: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if payload.Base != "" && enums.Currency(payload.Base) != p.base {
		return nil, fmt.Errorf("fx provider base %q does not match configured base %q", payload.Base, p.base)
	}

	rates := Rates{p.base: decimal.NewFromInt(1)}
	for code, rate := range payload.Rates {
		currency := enums.Currency(code)
		if !currency.IsValid() {
			continue
		}
		if rate.Sign() <= 0 {
			return nil, fmt.Errorf("fx provider returned non-positive rate for %s", code)
		}
		rates[currency] = rate
	}
	if len(rates) < 2 {
		return nil, fmt.Errorf("fx provider returned no usable rates")
	}
	return rates, nil
}
