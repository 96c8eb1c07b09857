package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mneelabs/paygate/types"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	store := NewGormStore(db)
	require.NoError(t, store.Migrate())
	return store
}

func testPayment(workspaceID, invoiceID string) *types.Payment {
	return &types.Payment{
		ID:               "pay-" + workspaceID + "-" + invoiceID,
		WorkspaceID:      workspaceID,
		InvoiceID:        invoiceID,
		APIKeyID:         "key-1",
		ProviderID:       "api.example.com",
		Amount:           decimal.RequireFromString("0.5"),
		Currency:         "USDC",
		Network:          "base",
		PayTo:            "0x000000000000000000000000000000000000dEaD",
		SettlementAmount: decimal.RequireFromString("0.49903"),
		FxRate:           decimal.RequireFromString("0.99806"),
		Status:           types.StatusAllowed,
	}
}

func TestCreateIfAbsentDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.CreateIfAbsent(ctx, testPayment("ws-1", "inv-1"))
	require.NoError(t, err)
	assert.True(t, created)

	dup := testPayment("ws-1", "inv-1")
	dup.ID = "pay-other"
	second, created, err := store.CreateIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID, "the first creator's row is authoritative")

	// Same invoice id under a different workspace is a distinct payment.
	_, created, err = store.CreateIfAbsent(ctx, testPayment("ws-2", "inv-1"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateIfAbsentConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	createdCount := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := testPayment("ws-1", "inv-race")
			p.ID = fmt.Sprintf("pay-%d", i)
			_, created, err := store.CreateIfAbsent(ctx, p)
			assert.NoError(t, err)
			createdCount <- created
		}(i)
	}
	wg.Wait()
	close(createdCount)

	wins := 0
	for created := range createdCount {
		if created {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one caller creates the row")
}

func TestGetAndGetByInvoice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, _, err := store.CreateIfAbsent(ctx, testPayment("ws-1", "inv-1"))
	require.NoError(t, err)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.InvoiceID, got.InvoiceID)
	assert.True(t, p.SettlementAmount.Equal(got.SettlementAmount))

	got, err = store.GetByInvoice(ctx, "ws-1", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetByInvoice(ctx, "ws-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionGuarded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, _, err := store.CreateIfAbsent(ctx, testPayment("ws-1", "inv-1"))
	require.NoError(t, err)

	won, err := store.Transition(ctx, p.ID, types.StatusAllowed, types.StatusPending)
	require.NoError(t, err)
	assert.True(t, won)

	// Second caller observes the row already moved.
	won, err = store.Transition(ctx, p.ID, types.StatusAllowed, types.StatusPending)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestMarkCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, _, err := store.CreateIfAbsent(ctx, testPayment("ws-1", "inv-1"))
	require.NoError(t, err)

	// Not legal from allowed.
	err = store.MarkCompleted(ctx, p.ID, "0xabc")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = store.Transition(ctx, p.ID, types.StatusAllowed, types.StatusPending)
	require.NoError(t, err)

	require.NoError(t, store.MarkCompleted(ctx, p.ID, "0xabc"))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, "0xabc", got.TxHash)
	require.NotNil(t, got.CompletedAt)

	// Terminal rows stay put.
	err = store.MarkCompleted(ctx, p.ID, "0xdef")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestMarkCompletedFromReconciliation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, _, err := store.CreateIfAbsent(ctx, testPayment("ws-1", "inv-1"))
	require.NoError(t, err)
	_, err = store.Transition(ctx, p.ID, types.StatusAllowed, types.StatusPending)
	require.NoError(t, err)
	_, err = store.Transition(ctx, p.ID, types.StatusPending, types.StatusAwaitingReconciliation)
	require.NoError(t, err)

	require.NoError(t, store.MarkCompleted(ctx, p.ID, "0xabc"))
}

func TestMarkFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, _, err := store.CreateIfAbsent(ctx, testPayment("ws-1", "inv-1"))
	require.NoError(t, err)
	_, err = store.Transition(ctx, p.ID, types.StatusAllowed, types.StatusPending)
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, p.ID, "execution reverted"))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "execution reverted", got.DenialReason)

	err = store.MarkFailed(ctx, p.ID, "again")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestMarkDenied(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, _, err := store.CreateIfAbsent(ctx, testPayment("ws-1", "inv-1"))
	require.NoError(t, err)

	require.NoError(t, store.MarkDenied(ctx, p.ID, types.DenyAgentDailyLimit))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDenied, got.Status)
	assert.Equal(t, types.DenyAgentDailyLimit, got.DenialReason)

	// Only allowed rows can be denied.
	err = store.MarkDenied(ctx, p.ID, types.DenyAgentDailyLimit)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestSumSinceCountsReservationsAndExcludesFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	add := func(inv string, amount string, status types.PaymentStatus) {
		p := testPayment("ws-1", inv)
		p.ID = "pay-" + inv
		p.SettlementAmount = decimal.RequireFromString(amount)
		p.Status = status
		_, _, err := store.CreateIfAbsent(ctx, p)
		require.NoError(t, err)
	}

	add("inv-allowed", "10", types.StatusAllowed)
	add("inv-pending", "20", types.StatusPending)
	add("inv-awaiting", "5", types.StatusAwaitingReconciliation)
	add("inv-completed", "7", types.StatusCompleted)
	add("inv-failed", "100", types.StatusFailed)
	add("inv-denied", "100", types.StatusDenied)
	add("inv-refunded", "100", types.StatusRefunded)

	sum, err := store.SumAgentSince(ctx, "key-1", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("42").Equal(sum), "got %s", sum)

	sum, err = store.SumProviderSince(ctx, "api.example.com", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("42").Equal(sum), "got %s", sum)

	// Outside the window nothing counts.
	sum, err = store.SumAgentSince(ctx, "key-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.IsZero())

	sum, err = store.SumAgentSince(ctx, "other-key", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.IsZero(), "no rows sums to zero")
}

func TestSumSinceExactDecimalArithmetic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Ten 0.1 rows sum to exactly 1; a float intermediate would leave
	// 0.9999999999999999 and open a gap at the limit boundary.
	for i := 0; i < 10; i++ {
		p := testPayment("ws-1", fmt.Sprintf("inv-%d", i))
		p.ID = fmt.Sprintf("pay-%d", i)
		p.SettlementAmount = decimal.RequireFromString("0.1")
		_, _, err := store.CreateIfAbsent(ctx, p)
		require.NoError(t, err)
	}

	sum, err := store.SumAgentSince(ctx, "key-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1").Equal(sum), "got %s", sum)
}

func TestListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p := testPayment("ws-1", fmt.Sprintf("inv-%d", i))
		p.ID = fmt.Sprintf("pay-%d", i)
		if i%2 == 0 {
			p.Status = types.StatusAwaitingReconciliation
		}
		_, _, err := store.CreateIfAbsent(ctx, p)
		require.NoError(t, err)
	}

	out, err := store.ListByStatus(ctx, types.StatusAwaitingReconciliation, 0)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	out, err = store.ListByStatus(ctx, types.StatusAwaitingReconciliation, 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
