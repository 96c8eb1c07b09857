package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mneelabs/paygate/types"
)

// StaticRateSource serves rates from a fixed table. Suitable for tests and
// for deployments that pin rates out of band.
type StaticRateSource struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
	now   func() time.Time
}

func NewStaticRateSource() *StaticRateSource {
	return &StaticRateSource{
		rates: make(map[string]decimal.Decimal),
		now:   time.Now,
	}
}

func rateKey(currency string, network types.Network) string {
	return currency + "/" + network.String()
}

// Set pins the rate for a (currency, network) pair.
func (s *StaticRateSource) Set(currency string, network types.Network, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[rateKey(currency, network)] = rate
}

func (s *StaticRateSource) Rate(_ context.Context, currency string, network types.Network) (decimal.Decimal, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rate, ok := s.rates[rateKey(currency, network)]
	if !ok {
		return decimal.Zero, time.Time{}, &types.GatewayError{
			Code:    types.ErrUnsupportedCurrency,
			Message: fmt.Sprintf("no rate configured for %s on %s", currency, network),
		}
	}
	return rate, s.now(), nil
}

// HTTPRateSource fetches rates from a JSON rate service and caches the last
// observation per pair. The cached observation keeps its original timestamp,
// so the converter's freshness window still applies to it.
type HTTPRateSource struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	cache map[string]observation
}

type observation struct {
	rate decimal.Decimal
	at   time.Time
}

type rateResponse struct {
	Rate string `json:"rate"`
}

func NewHTTPRateSource(baseURL string, timeout time.Duration) *HTTPRateSource {
	return &HTTPRateSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		cache:   make(map[string]observation),
	}
}

func (s *HTTPRateSource) Rate(ctx context.Context, currency string, network types.Network) (decimal.Decimal, time.Time, error) {
	url := fmt.Sprintf("%s/rates/mnee?currency=%s&network=%s", s.baseURL, currency, network)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Fall back to the last observation if we have one. The converter
		// decides whether it is still fresh enough to use.
		if obs, ok := s.cached(currency, network); ok {
			return obs.rate, obs.at, nil
		}
		return decimal.Zero, time.Time{}, &types.GatewayError{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("rate service unreachable: %v", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, time.Time{}, &types.GatewayError{
			Code:    types.ErrUnsupportedCurrency,
			Message: fmt.Sprintf("rate service has no rate for %s on %s", currency, network),
		}
	}

	if resp.StatusCode != http.StatusOK {
		if obs, ok := s.cached(currency, network); ok {
			return obs.rate, obs.at, nil
		}
		return decimal.Zero, time.Time{}, &types.GatewayError{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("rate service returned status %d", resp.StatusCode),
		}
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, time.Time{}, &types.GatewayError{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("rate service returned bad payload: %v", err),
		}
	}

	rate, err := decimal.NewFromString(body.Rate)
	if err != nil {
		return decimal.Zero, time.Time{}, &types.GatewayError{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("rate service returned bad rate %q: %v", body.Rate, err),
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.cache[rateKey(currency, network)] = observation{rate: rate, at: now}
	s.mu.Unlock()

	return rate, now, nil
}

func (s *HTTPRateSource) cached(currency string, network types.Network) (observation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.cache[rateKey(currency, network)]
	return obs, ok
}
