package policy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mneelabs/paygate/types"
)

type fakePolicies struct {
	agent    *types.AgentPolicy
	provider *types.ProviderPolicy
}

func (f fakePolicies) AgentPolicy(context.Context, string) (*types.AgentPolicy, error) {
	return f.agent, nil
}

func (f fakePolicies) ProviderPolicy(context.Context, string) (*types.ProviderPolicy, error) {
	return f.provider, nil
}

type fakeAggregates struct {
	agentDaily      decimal.Decimal
	agentMonthly    decimal.Decimal
	providerDaily   decimal.Decimal
	providerMonthly decimal.Decimal
}

func (f fakeAggregates) SumAgentSince(_ context.Context, _ string, since time.Time) (decimal.Decimal, error) {
	if time.Since(since) > DailyWindow+time.Hour {
		return f.agentMonthly, nil
	}
	return f.agentDaily, nil
}

func (f fakeAggregates) SumProviderSince(_ context.Context, _ string, since time.Time) (decimal.Decimal, error) {
	if time.Since(since) > DailyWindow+time.Hour {
		return f.providerMonthly, nil
	}
	return f.providerDaily, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestEvaluateNoPoliciesAllows(t *testing.T) {
	eval := NewEvaluator(fakePolicies{}, fakeAggregates{})

	decision, err := eval.Evaluate(context.Background(), "key-1", "api.example.com", dec("1000000"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestEvaluateInactivePolicyUnenforced(t *testing.T) {
	eval := NewEvaluator(fakePolicies{
		agent: &types.AgentPolicy{
			APIKeyID:      "key-1",
			MaxPerRequest: decPtr("1"),
			IsActive:      false,
		},
	}, fakeAggregates{})

	decision, err := eval.Evaluate(context.Background(), "key-1", "", dec("50"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestEvaluateDenialReasons(t *testing.T) {
	tests := []struct {
		name       string
		agent      *types.AgentPolicy
		provider   *types.ProviderPolicy
		aggregates fakeAggregates
		amount     string
		wantReason string
	}{
		{
			name: "provider not on allow list",
			agent: &types.AgentPolicy{
				AllowedProviders: []string{"trusted.example.com"},
				IsActive:         true,
			},
			amount:     "1",
			wantReason: types.DenyProviderNotAllowed,
		},
		{
			name: "per request maximum",
			agent: &types.AgentPolicy{
				MaxPerRequest: decPtr("10"),
				IsActive:      true,
			},
			amount:     "10.00001",
			wantReason: types.DenyMaxPerRequest,
		},
		{
			name: "agent daily limit",
			agent: &types.AgentPolicy{
				DailyLimit: decPtr("100"),
				IsActive:   true,
			},
			aggregates: fakeAggregates{agentDaily: dec("60"), agentMonthly: dec("60")},
			amount:     "60",
			wantReason: types.DenyAgentDailyLimit,
		},
		{
			name: "agent monthly limit",
			agent: &types.AgentPolicy{
				DailyLimit:   decPtr("1000"),
				MonthlyLimit: decPtr("500"),
				IsActive:     true,
			},
			aggregates: fakeAggregates{agentDaily: dec("10"), agentMonthly: dec("495")},
			amount:     "10",
			wantReason: types.DenyAgentMonthlyLimit,
		},
		{
			name: "provider daily limit",
			provider: &types.ProviderPolicy{
				DailyLimit: decPtr("20"),
				IsActive:   true,
			},
			aggregates: fakeAggregates{providerDaily: dec("15"), providerMonthly: dec("15")},
			amount:     "6",
			wantReason: types.DenyProviderDailyLimit,
		},
		{
			name: "provider monthly limit",
			provider: &types.ProviderPolicy{
				MonthlyLimit: decPtr("200"),
				IsActive:     true,
			},
			aggregates: fakeAggregates{providerMonthly: dec("199")},
			amount:     "2",
			wantReason: types.DenyProviderMonthlyLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := NewEvaluator(fakePolicies{agent: tt.agent, provider: tt.provider}, tt.aggregates)

			decision, err := eval.Evaluate(context.Background(), "key-1", "api.example.com", dec(tt.amount))
			require.NoError(t, err)
			assert.False(t, decision.Allowed)
			assert.Equal(t, tt.wantReason, decision.Reason)
		})
	}
}

func TestEvaluateFirstFailingCheckWins(t *testing.T) {
	// Both the allow-list and the daily limit would fail; the allow-list
	// check runs first and supplies the reason.
	eval := NewEvaluator(fakePolicies{
		agent: &types.AgentPolicy{
			AllowedProviders: []string{"trusted.example.com"},
			DailyLimit:       decPtr("1"),
			IsActive:         true,
		},
	}, fakeAggregates{agentDaily: dec("100")})

	decision, err := eval.Evaluate(context.Background(), "key-1", "other.example.com", dec("50"))
	require.NoError(t, err)
	assert.Equal(t, types.DenyProviderNotAllowed, decision.Reason)
}

func TestEvaluateExactLimitAllowed(t *testing.T) {
	eval := NewEvaluator(fakePolicies{
		agent: &types.AgentPolicy{DailyLimit: decPtr("100"), IsActive: true},
	}, fakeAggregates{agentDaily: dec("40")})

	decision, err := eval.Evaluate(context.Background(), "key-1", "", dec("60"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "sum equal to the limit is allowed")
}

func TestRecheckUsesCommittedAggregates(t *testing.T) {
	eval := NewEvaluator(fakePolicies{
		agent: &types.AgentPolicy{DailyLimit: decPtr("100"), IsActive: true},
	}, fakeAggregates{agentDaily: dec("120")})

	decision, err := eval.Recheck(context.Background(), "key-1", "")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, types.DenyAgentDailyLimit, decision.Reason)
}
