// Package fx converts invoice amounts into the MNEE settlement currency.
package fx

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mneelabs/paygate/types"
)

// RateSource supplies the MNEE exchange rate for a (currency, network) pair.
// The returned time is when the rate was observed.
type RateSource interface {
	Rate(ctx context.Context, currency string, network types.Network) (decimal.Decimal, time.Time, error)
}

// Converter turns an invoice amount into a settlement amount using a rate
// source. A rate older than the freshness window is treated as unavailable;
// the converter fails closed rather than settling on stale data.
type Converter struct {
	source    RateSource
	freshness time.Duration
	now       func() time.Time
}

// NewConverter creates a converter. A freshness of zero accepts only rates
// observed at or after the conversion instant.
func NewConverter(source RateSource, freshness time.Duration) *Converter {
	return &Converter{
		source:    source,
		freshness: freshness,
		now:       time.Now,
	}
}

// WithClock overrides the converter's clock. Used in tests.
func (c *Converter) WithClock(now func() time.Time) *Converter {
	c.now = now
	return c
}

// Convert maps amount in the source currency to a settlement amount.
// Guarantees settlementAmount = amount * fxRate rounded half-to-even at
// MNEE precision, so repeated small payments carry no systematic bias.
func (c *Converter) Convert(
	ctx context.Context,
	amount decimal.Decimal,
	currency string,
	network types.Network,
) (settlement decimal.Decimal, rate decimal.Decimal, err error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, &types.GatewayError{
			Code:    types.ErrInvalidInvoice,
			Message: fmt.Sprintf("amount must be positive, got %s", amount),
		}
	}

	rate, observedAt, err := c.source.Rate(ctx, currency, network)
	if err != nil {
		if gerr, ok := err.(*types.GatewayError); ok {
			return decimal.Zero, decimal.Zero, gerr
		}
		return decimal.Zero, decimal.Zero, &types.GatewayError{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("rate lookup for %s/%s failed: %v", currency, network, err),
		}
	}

	if !rate.IsPositive() {
		return decimal.Zero, decimal.Zero, &types.GatewayError{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("rate source returned non-positive rate %s for %s/%s", rate, currency, network),
		}
	}

	if age := c.now().Sub(observedAt); age > c.freshness {
		return decimal.Zero, decimal.Zero, &types.GatewayError{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("rate for %s/%s is %s old, freshness window is %s", currency, network, age, c.freshness),
		}
	}

	settlement = amount.Mul(rate).RoundBank(types.MNEEDecimals)
	return settlement, rate, nil
}
