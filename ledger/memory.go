package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mneelabs/paygate/types"
)

// MemoryStore is a mutex-guarded in-memory ledger. It honors the same
// atomicity rules as the database store and is intended for tests and
// single-process embedding.
type MemoryStore struct {
	mu        sync.Mutex
	byID      map[string]*types.Payment
	byInvoice map[string]string // workspace|invoice -> payment id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*types.Payment),
		byInvoice: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func invoiceKey(workspaceID, invoiceID string) string {
	return workspaceID + "|" + invoiceID
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, p *types.Payment) (*types.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := invoiceKey(p.WorkspaceID, p.InvoiceID)
	if existingID, ok := s.byInvoice[key]; ok {
		cp := *s.byID[existingID]
		return &cp, false, nil
	}

	stored := *p
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.byID[stored.ID] = &stored
	s.byInvoice[key] = stored.ID

	cp := stored
	return &cp, true, nil
}

func (s *MemoryStore) Get(_ context.Context, paymentID string) (*types.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetByInvoice(_ context.Context, workspaceID, invoiceID string) (*types.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byInvoice[invoiceKey(workspaceID, invoiceID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) Transition(_ context.Context, paymentID string, from, to types.PaymentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[paymentID]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, paymentID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[paymentID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != types.StatusPending && p.Status != types.StatusAwaitingReconciliation {
		return ErrIllegalTransition
	}
	now := time.Now()
	p.Status = types.StatusCompleted
	p.TxHash = txHash
	p.UpdatedAt = now
	p.CompletedAt = &now
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, paymentID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[paymentID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != types.StatusPending && p.Status != types.StatusAwaitingReconciliation {
		return ErrIllegalTransition
	}
	now := time.Now()
	p.Status = types.StatusFailed
	p.DenialReason = errMsg
	p.UpdatedAt = now
	p.CompletedAt = &now
	return nil
}

func (s *MemoryStore) MarkDenied(_ context.Context, paymentID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[paymentID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != types.StatusAllowed {
		return ErrIllegalTransition
	}
	p.Status = types.StatusDenied
	p.DenialReason = reason
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SumAgentSince(_ context.Context, apiKeyID string, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := decimal.Zero
	for _, p := range s.byID {
		if p.APIKeyID == apiKeyID && p.Status.CountsTowardLimits() && !p.CreatedAt.Before(since) {
			sum = sum.Add(p.SettlementAmount)
		}
	}
	return sum, nil
}

func (s *MemoryStore) SumProviderSince(_ context.Context, providerID string, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := decimal.Zero
	for _, p := range s.byID {
		if p.ProviderID == providerID && p.Status.CountsTowardLimits() && !p.CreatedAt.Before(since) {
			sum = sum.Add(p.SettlementAmount)
		}
	}
	return sum, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status types.PaymentStatus, limit int) ([]types.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Payment
	for _, p := range s.byID {
		if p.Status == status {
			out = append(out, *p)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
