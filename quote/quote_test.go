package quote

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mneelabs/paygate/fx"
	"github.com/mneelabs/paygate/ledger"
	"github.com/mneelabs/paygate/logger"
	"github.com/mneelabs/paygate/metrics"
	"github.com/mneelabs/paygate/policy"
	"github.com/mneelabs/paygate/types"
)

type staticPolicies struct {
	agent    *types.AgentPolicy
	provider *types.ProviderPolicy
}

func (s staticPolicies) AgentPolicy(context.Context, string) (*types.AgentPolicy, error) {
	return s.agent, nil
}

func (s staticPolicies) ProviderPolicy(context.Context, string) (*types.ProviderPolicy, error) {
	return s.provider, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func newTestService(t *testing.T, agent *types.AgentPolicy) (*Service, *ledger.MemoryStore) {
	t.Helper()

	store := ledger.NewMemoryStore()
	rates := fx.NewStaticRateSource()
	rates.Set("USDC", types.NetworkBase, dec("1"))
	converter := fx.NewConverter(rates, 5*time.Minute)
	evaluator := policy.NewEvaluator(staticPolicies{agent: agent}, store)
	svc := NewService(store, converter, evaluator, logger.NoopLogger{}, metrics.NoopRecorder{})
	return svc, store
}

func invoice(id, amount string) *types.Invoice {
	return &types.Invoice{
		InvoiceID: id,
		Amount:    dec(amount),
		Currency:  "USDC",
		Network:   types.NetworkBase,
		PayTo:     "0x000000000000000000000000000000000000dEaD",
	}
}

func TestQuoteAllowed(t *testing.T) {
	svc, store := newTestService(t, nil)

	decision, err := svc.Quote(context.Background(), "ws-1", "key-1", "api.example.com", invoice("inv-1", "0.5"))
	require.NoError(t, err)

	assert.Equal(t, types.QuoteAllowed, decision.Status)
	assert.NotEmpty(t, decision.PaymentID)
	assert.True(t, dec("0.5").Equal(decision.MNEEAmount), "got %s", decision.MNEEAmount)
	assert.True(t, dec("1").Equal(decision.FxRate))

	p, err := store.Get(context.Background(), decision.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAllowed, p.Status)
	assert.Equal(t, "api.example.com", p.ProviderID)
}

func TestQuoteReplayReturnsStoredDecision(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	first, err := svc.Quote(ctx, "ws-1", "key-1", "api.example.com", invoice("inv-1", "0.5"))
	require.NoError(t, err)

	second, err := svc.Quote(ctx, "ws-1", "key-1", "api.example.com", invoice("inv-1", "0.5"))
	require.NoError(t, err)
	assert.Equal(t, first.PaymentID, second.PaymentID, "replay returns the original payment")
}

func TestQuoteReplayDoesNotDoubleCount(t *testing.T) {
	svc, _ := newTestService(t, &types.AgentPolicy{
		APIKeyID:   "key-1",
		DailyLimit: decPtr("100"),
		IsActive:   true,
	})
	ctx := context.Background()

	// Ten replays of a 60-unit invoice still reserve 60, so a second
	// distinct invoice of 40 fits exactly inside the limit.
	for i := 0; i < 10; i++ {
		decision, err := svc.Quote(ctx, "ws-1", "key-1", "", invoice("inv-1", "60"))
		require.NoError(t, err)
		assert.Equal(t, types.QuoteAllowed, decision.Status)
	}

	decision, err := svc.Quote(ctx, "ws-1", "key-1", "", invoice("inv-2", "40"))
	require.NoError(t, err)
	assert.Equal(t, types.QuoteAllowed, decision.Status)
}

func TestQuoteSequentialDailyLimit(t *testing.T) {
	svc, _ := newTestService(t, &types.AgentPolicy{
		APIKeyID:   "key-1",
		DailyLimit: decPtr("100"),
		IsActive:   true,
	})
	ctx := context.Background()

	first, err := svc.Quote(ctx, "ws-1", "key-1", "", invoice("inv-1", "60"))
	require.NoError(t, err)
	assert.Equal(t, types.QuoteAllowed, first.Status)

	// The first reservation is unsettled but committed; it still counts.
	second, err := svc.Quote(ctx, "ws-1", "key-1", "", invoice("inv-2", "60"))
	require.NoError(t, err)
	assert.Equal(t, types.QuoteDenied, second.Status)
	assert.Equal(t, types.DenyAgentDailyLimit, second.DenialReason)
}

func TestQuoteDeniedIsRecorded(t *testing.T) {
	svc, store := newTestService(t, &types.AgentPolicy{
		APIKeyID:      "key-1",
		MaxPerRequest: decPtr("1"),
		IsActive:      true,
	})
	ctx := context.Background()

	decision, err := svc.Quote(ctx, "ws-1", "key-1", "", invoice("inv-1", "5"))
	require.NoError(t, err)
	assert.Equal(t, types.QuoteDenied, decision.Status)
	assert.Equal(t, types.DenyMaxPerRequest, decision.DenialReason)

	p, err := store.GetByInvoice(ctx, "ws-1", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDenied, p.Status)
	assert.Equal(t, types.DenyMaxPerRequest, p.DenialReason)

	// A denial is terminal for the invoice; the replay repeats it.
	replay, err := svc.Quote(ctx, "ws-1", "key-1", "", invoice("inv-1", "5"))
	require.NoError(t, err)
	assert.Equal(t, types.QuoteDenied, replay.Status)
}

func TestQuoteConcurrentBurstRespectsLimit(t *testing.T) {
	svc, store := newTestService(t, &types.AgentPolicy{
		APIKeyID:   "key-1",
		DailyLimit: decPtr("100"),
		IsActive:   true,
	})
	ctx := context.Background()

	// Five concurrent 30-unit invoices against a 100 limit: at most three
	// can survive the recheck, whatever the interleaving.
	const workers = 5
	var wg sync.WaitGroup
	results := make([]*types.QuoteDecision, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Quote(ctx, "ws-1", "key-1", "",
				invoice(fmt.Sprintf("inv-%d", i), "30"))
		}(i)
	}
	wg.Wait()

	allowed := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i].Status == types.QuoteAllowed {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 3, "allowed reservations cannot exceed the limit")

	// Every surviving allowed row fits inside the limit.
	sum, err := store.SumAgentSince(ctx, "key-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.LessThanOrEqual(dec("100")), "reserved %s", sum)
}

func TestQuoteConversionFailureCreatesNoPayment(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	inv := invoice("inv-1", "0.5")
	inv.Currency = "EUR" // no rate configured

	_, err := svc.Quote(ctx, "ws-1", "key-1", "", inv)
	require.Error(t, err)

	gerr, ok := err.(*types.GatewayError)
	require.True(t, ok)
	assert.Equal(t, types.ErrUnsupportedCurrency, gerr.Code)

	_, err = store.GetByInvoice(ctx, "ws-1", "inv-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound, "failed quotes leave no record")
}

type recordingRecorder struct {
	mu        sync.Mutex
	counters  map[string]int
	latencies map[string]int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{
		counters:  make(map[string]int),
		latencies: make(map[string]int),
	}
}

func (r *recordingRecorder) IncCounter(name string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
}

func (r *recordingRecorder) ObserveLatency(name string, _ time.Duration, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies[name]++
}

func TestQuoteLatencyObservedForEveryOutcome(t *testing.T) {
	recorder := newRecordingRecorder()

	store := ledger.NewMemoryStore()
	rates := fx.NewStaticRateSource()
	rates.Set("USDC", types.NetworkBase, dec("1"))
	converter := fx.NewConverter(rates, 5*time.Minute)
	evaluator := policy.NewEvaluator(staticPolicies{agent: &types.AgentPolicy{
		APIKeyID:      "key-1",
		MaxPerRequest: decPtr("1"),
		IsActive:      true,
	}}, store)
	svc := NewService(store, converter, evaluator, logger.NoopLogger{}, recorder)
	ctx := context.Background()

	// Allowed, replayed, and denied quotes each record a latency sample.
	first, err := svc.Quote(ctx, "ws-1", "key-1", "", invoice("inv-1", "0.5"))
	require.NoError(t, err)
	require.Equal(t, types.QuoteAllowed, first.Status)

	_, err = svc.Quote(ctx, "ws-1", "key-1", "", invoice("inv-1", "0.5"))
	require.NoError(t, err)

	denied, err := svc.Quote(ctx, "ws-1", "key-1", "", invoice("inv-2", "5"))
	require.NoError(t, err)
	require.Equal(t, types.QuoteDenied, denied.Status)

	assert.Equal(t, 3, recorder.latencies["quote"])
	assert.Equal(t, 1, recorder.counters["quote_allowed"])
	assert.Equal(t, 1, recorder.counters["quote_replay"])
	assert.Equal(t, 1, recorder.counters["quote_denied"])
}

func TestQuoteInvalidInvoice(t *testing.T) {
	svc, _ := newTestService(t, nil)

	inv := invoice("inv-1", "0.5")
	inv.PayTo = "not-an-address"

	_, err := svc.Quote(context.Background(), "ws-1", "key-1", "", inv)
	require.Error(t, err)

	gerr, ok := err.(*types.GatewayError)
	require.True(t, ok)
	assert.Equal(t, types.ErrInvalidInvoice, gerr.Code)
}
