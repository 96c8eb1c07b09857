// Package policy evaluates spending limits for quote decisions.
package policy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mneelabs/paygate/types"
)

// Store is the read-only policy access the evaluator needs. Policies are
// owned by external administration; a nil policy means none is configured.
type Store interface {
	AgentPolicy(ctx context.Context, apiKeyID string) (*types.AgentPolicy, error)
	ProviderPolicy(ctx context.Context, providerID string) (*types.ProviderPolicy, error)
}

// Aggregates supplies historical payment sums for limit windows. Only
// payments whose status counts toward limits are included.
type Aggregates interface {
	SumAgentSince(ctx context.Context, apiKeyID string, since time.Time) (decimal.Decimal, error)
	SumProviderSince(ctx context.Context, providerID string, since time.Time) (decimal.Decimal, error)
}

// Decision is the evaluator's verdict for one candidate payment.
type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Window sizes for aggregate checks. Monthly is a trailing 30 days so limit
// behavior does not depend on calendar boundaries or timezones.
const (
	DailyWindow   = 24 * time.Hour
	MonthlyWindow = 30 * 24 * time.Hour
)

// Evaluator checks a candidate settlement amount against agent and provider
// policies. Checks run in a fixed order so the denial reason for a given
// state is deterministic: allow-list, per-request max, agent daily, agent
// monthly, provider daily, provider monthly.
type Evaluator struct {
	policies   Store
	aggregates Aggregates
	now        func() time.Time
}

func NewEvaluator(policies Store, aggregates Aggregates) *Evaluator {
	return &Evaluator{
		policies:   policies,
		aggregates: aggregates,
		now:        time.Now,
	}
}

// WithClock overrides the evaluator's clock. Used in tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate decides allow/deny for a settlement amount. An absent or inactive
// policy leaves that tier unenforced: absence means the tenant opted out of
// limits, not that the request is denied.
func (e *Evaluator) Evaluate(
	ctx context.Context,
	apiKeyID string,
	providerID string,
	amount decimal.Decimal,
) (Decision, error) {
	agent, err := e.policies.AgentPolicy(ctx, apiKeyID)
	if err != nil {
		return Decision{}, err
	}

	var provider *types.ProviderPolicy
	if providerID != "" {
		provider, err = e.policies.ProviderPolicy(ctx, providerID)
		if err != nil {
			return Decision{}, err
		}
	}

	if agent != nil && !agent.IsActive {
		agent = nil
	}
	if provider != nil && !provider.IsActive {
		provider = nil
	}

	// (1) provider allow-list
	if agent != nil && len(agent.AllowedProviders) > 0 {
		if !containsString(agent.AllowedProviders, providerID) {
			return deny(types.DenyProviderNotAllowed), nil
		}
	}

	// (2) per-request maximum
	if agent != nil && agent.MaxPerRequest != nil {
		if amount.GreaterThan(*agent.MaxPerRequest) {
			return deny(types.DenyMaxPerRequest), nil
		}
	}

	now := e.now()

	// (3) + (4) agent aggregates
	if agent != nil && agent.DailyLimit != nil {
		sum, err := e.aggregates.SumAgentSince(ctx, apiKeyID, now.Add(-DailyWindow))
		if err != nil {
			return Decision{}, err
		}
		if sum.Add(amount).GreaterThan(*agent.DailyLimit) {
			return deny(types.DenyAgentDailyLimit), nil
		}
	}
	if agent != nil && agent.MonthlyLimit != nil {
		sum, err := e.aggregates.SumAgentSince(ctx, apiKeyID, now.Add(-MonthlyWindow))
		if err != nil {
			return Decision{}, err
		}
		if sum.Add(amount).GreaterThan(*agent.MonthlyLimit) {
			return deny(types.DenyAgentMonthlyLimit), nil
		}
	}

	// (5) provider aggregates
	if provider != nil && provider.DailyLimit != nil {
		sum, err := e.aggregates.SumProviderSince(ctx, providerID, now.Add(-DailyWindow))
		if err != nil {
			return Decision{}, err
		}
		if sum.Add(amount).GreaterThan(*provider.DailyLimit) {
			return deny(types.DenyProviderDailyLimit), nil
		}
	}
	if provider != nil && provider.MonthlyLimit != nil {
		sum, err := e.aggregates.SumProviderSince(ctx, providerID, now.Add(-MonthlyWindow))
		if err != nil {
			return Decision{}, err
		}
		if sum.Add(amount).GreaterThan(*provider.MonthlyLimit) {
			return deny(types.DenyProviderMonthlyLimit), nil
		}
	}

	return allow, nil
}

// Recheck re-runs the aggregate checks for a payment that was already
// written to the ledger. The candidate amount is zero because the payment's
// own row is now part of the aggregates; a failing recheck means concurrent
// reservations jointly exceeded a limit.
func (e *Evaluator) Recheck(ctx context.Context, apiKeyID, providerID string) (Decision, error) {
	return e.Evaluate(ctx, apiKeyID, providerID, decimal.Zero)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
