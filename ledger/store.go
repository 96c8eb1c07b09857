// Package ledger persists Payment records and enforces the one-payment-per
// (workspace, invoice) rule at the storage layer.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mneelabs/paygate/types"
)

var (
	ErrNotFound          = errors.New("payment not found")
	ErrIllegalTransition = errors.New("illegal payment state transition")
)

// Store is the ledger contract the quote service and orchestrator depend on.
type Store interface {
	// CreateIfAbsent inserts p unless a payment already exists for the same
	// (workspace, invoice) pair. It returns the authoritative record and
	// whether this call created it. The check is atomic: two concurrent
	// identical requests resolve to one row.
	CreateIfAbsent(ctx context.Context, p *types.Payment) (*types.Payment, bool, error)

	Get(ctx context.Context, paymentID string) (*types.Payment, error)
	GetByInvoice(ctx context.Context, workspaceID, invoiceID string) (*types.Payment, error)

	// Transition moves a payment from one status to another with a guarded
	// update. It reports whether this caller won the transition; a false
	// return with nil error means another caller moved the record first.
	Transition(ctx context.Context, paymentID string, from, to types.PaymentStatus) (bool, error)

	// MarkCompleted records the transaction hash and completion time for a
	// payment in pending or awaiting-reconciliation state.
	MarkCompleted(ctx context.Context, paymentID, txHash string) error

	// MarkFailed records the failure message for a payment in pending or
	// awaiting-reconciliation state. Once durable, the row stops counting
	// toward limit aggregates.
	MarkFailed(ctx context.Context, paymentID, errMsg string) error

	// MarkDenied flips an allowed payment to denied. Used by the optimistic
	// recheck when concurrent reservations jointly exceed a limit.
	MarkDenied(ctx context.Context, paymentID, reason string) error

	SumAgentSince(ctx context.Context, apiKeyID string, since time.Time) (decimal.Decimal, error)
	SumProviderSince(ctx context.Context, providerID string, since time.Time) (decimal.Decimal, error)

	ListByStatus(ctx context.Context, status types.PaymentStatus, limit int) ([]types.Payment, error)
}

// countedStatuses are the states included in aggregate sums, per
// PaymentStatus.CountsTowardLimits.
var countedStatuses = []types.PaymentStatus{
	types.StatusAllowed,
	types.StatusPending,
	types.StatusAwaitingReconciliation,
	types.StatusCompleted,
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

// Migrate creates the payments table and its composite unique index.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&types.Payment{})
}

func (s *GormStore) CreateIfAbsent(ctx context.Context, p *types.Payment) (*types.Payment, bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "invoice_id"}},
			DoNothing: true,
		}).
		Create(p)
	if res.Error != nil {
		return nil, false, res.Error
	}

	if res.RowsAffected == 0 {
		// Lost the race; the first creator wins.
		existing, err := s.GetByInvoice(ctx, p.WorkspaceID, p.InvoiceID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	return p, true, nil
}

func (s *GormStore) Get(ctx context.Context, paymentID string) (*types.Payment, error) {
	var p types.Payment
	err := s.db.WithContext(ctx).Where("id = ?", paymentID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) GetByInvoice(ctx context.Context, workspaceID, invoiceID string) (*types.Payment, error) {
	var p types.Payment
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND invoice_id = ?", workspaceID, invoiceID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) Transition(ctx context.Context, paymentID string, from, to types.PaymentStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&types.Payment{}).
		Where("id = ? AND status = ?", paymentID, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) MarkCompleted(ctx context.Context, paymentID, txHash string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&types.Payment{}).
		Where("id = ? AND status IN ?", paymentID, []types.PaymentStatus{
			types.StatusPending, types.StatusAwaitingReconciliation,
		}).
		Updates(map[string]any{
			"status":       types.StatusCompleted,
			"tx_hash":      txHash,
			"completed_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

func (s *GormStore) MarkFailed(ctx context.Context, paymentID, errMsg string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&types.Payment{}).
		Where("id = ? AND status IN ?", paymentID, []types.PaymentStatus{
			types.StatusPending, types.StatusAwaitingReconciliation,
		}).
		Updates(map[string]any{
			"status":        types.StatusFailed,
			"denial_reason": errMsg,
			"completed_at":  &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

func (s *GormStore) MarkDenied(ctx context.Context, paymentID, reason string) error {
	res := s.db.WithContext(ctx).
		Model(&types.Payment{}).
		Where("id = ? AND status = ?", paymentID, types.StatusAllowed).
		Updates(map[string]any{
			"status":        types.StatusDenied,
			"denial_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

func (s *GormStore) SumAgentSince(ctx context.Context, apiKeyID string, since time.Time) (decimal.Decimal, error) {
	return s.sumSince(ctx, "api_key_id", apiKeyID, since)
}

func (s *GormStore) SumProviderSince(ctx context.Context, providerID string, since time.Time) (decimal.Decimal, error) {
	return s.sumSince(ctx, "provider_id", providerID, since)
}

func (s *GormStore) sumSince(ctx context.Context, column, value string, since time.Time) (decimal.Decimal, error) {
	// Summed in Go: sqlite's SUM coerces the decimal text to float, and
	// limit math must stay exact on every driver.
	var amounts []string
	err := s.db.WithContext(ctx).
		Model(&types.Payment{}).
		Where(column+" = ? AND status IN ? AND created_at >= ?", value, countedStatuses, since).
		Pluck("settlement_amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	for _, raw := range amounts {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(d)
	}
	return sum, nil
}

func (s *GormStore) ListByStatus(ctx context.Context, status types.PaymentStatus, limit int) ([]types.Payment, error) {
	var out []types.Payment
	q := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
