// Package quote validates invoices, converts them to the settlement
// currency, and records the allow/deny decision in the ledger.
package quote

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mneelabs/paygate/fx"
	"github.com/mneelabs/paygate/ledger"
	"github.com/mneelabs/paygate/logger"
	"github.com/mneelabs/paygate/metrics"
	"github.com/mneelabs/paygate/policy"
	"github.com/mneelabs/paygate/types"
	"github.com/mneelabs/paygate/utils"
)

// Service produces quote decisions. A decision is idempotent per
// (workspace, invoice): replays return the stored record without
// re-evaluating, so client retries never double-count against limits.
type Service struct {
	ledger    ledger.Store
	converter *fx.Converter
	evaluator *policy.Evaluator
	log       logger.Logger
	metrics   metrics.Recorder
	newID     func() string
}

func NewService(
	store ledger.Store,
	converter *fx.Converter,
	evaluator *policy.Evaluator,
	log logger.Logger,
	recorder metrics.Recorder,
) *Service {
	return &Service{
		ledger:    store,
		converter: converter,
		evaluator: evaluator,
		log:       log,
		metrics:   recorder,
		newID:     func() string { return uuid.NewString() },
	}
}

// Quote evaluates an invoice for an agent. Conversion failures return an
// error (the quote could not be computed, safe to retry); policy denials
// return a Denied decision and are terminal for that invoice.
func (s *Service) Quote(
	ctx context.Context,
	workspaceID string,
	apiKeyID string,
	providerID string,
	inv *types.Invoice,
) (*types.QuoteDecision, error) {
	start := time.Now()

	if err := utils.ValidateInvoice(inv); err != nil {
		return nil, err
	}

	// Observed for every outcome, not just the allowed path, so the
	// histogram reflects denials and replays too.
	defer func() {
		s.metrics.ObserveLatency("quote", time.Since(start), map[string]string{"network": inv.Network.String()})
	}()

	// Replay: the first decision for this invoice is the only decision.
	existing, err := s.ledger.GetByInvoice(ctx, workspaceID, inv.InvoiceID)
	if err != nil && err != ledger.ErrNotFound {
		return nil, err
	}
	if existing != nil {
		s.metrics.IncCounter("quote_replay", map[string]string{"network": inv.Network.String()})
		return decisionFromPayment(existing), nil
	}

	mneeAmount, rate, err := s.converter.Convert(ctx, inv.Amount, inv.Currency, inv.Network)
	if err != nil {
		// No Payment is created: "could not evaluate" is distinct from
		// "policy said no".
		s.metrics.IncCounter("quote_failed", map[string]string{"network": inv.Network.String()})
		return nil, wrapQuoteFailure(err)
	}

	decision, err := s.evaluator.Evaluate(ctx, apiKeyID, providerID, mneeAmount)
	if err != nil {
		return nil, err
	}

	p := &types.Payment{
		ID:               s.newID(),
		WorkspaceID:      workspaceID,
		InvoiceID:        inv.InvoiceID,
		APIKeyID:         apiKeyID,
		ProviderID:       providerID,
		Amount:           inv.Amount,
		Currency:         inv.Currency,
		Network:          inv.Network.String(),
		PayTo:            inv.PayTo,
		SettlementAmount: mneeAmount,
		FxRate:           rate,
	}

	if !decision.Allowed {
		p.Status = types.StatusDenied
		p.DenialReason = decision.Reason
		record, _, err := s.ledger.CreateIfAbsent(ctx, p)
		if err != nil {
			return nil, err
		}
		s.log.Info("quote denied", map[string]any{
			"paymentId": record.ID,
			"invoiceId": inv.InvoiceID,
			"reason":    record.DenialReason,
		})
		s.metrics.IncCounter("quote_denied", map[string]string{"network": inv.Network.String()})
		return decisionFromPayment(record), nil
	}

	p.Status = types.StatusAllowed
	record, created, err := s.ledger.CreateIfAbsent(ctx, p)
	if err != nil {
		return nil, err
	}
	if !created {
		// Concurrent identical request won the insert.
		return decisionFromPayment(record), nil
	}

	// Optimistic recheck: our row is committed and counts toward the
	// aggregates now. If concurrent reservations jointly exceeded a limit,
	// flip this reservation to denied before anyone can settle it.
	recheck, err := s.evaluator.Recheck(ctx, apiKeyID, providerID)
	if err != nil {
		return nil, err
	}
	if !recheck.Allowed {
		if err := s.ledger.MarkDenied(ctx, record.ID, recheck.Reason); err != nil {
			return nil, err
		}
		record.Status = types.StatusDenied
		record.DenialReason = recheck.Reason
		s.log.Info("quote denied on recheck", map[string]any{
			"paymentId": record.ID,
			"invoiceId": inv.InvoiceID,
			"reason":    recheck.Reason,
		})
		s.metrics.IncCounter("quote_denied", map[string]string{"network": inv.Network.String()})
		return decisionFromPayment(record), nil
	}

	s.log.Info("quote allowed", map[string]any{
		"paymentId":  record.ID,
		"invoiceId":  inv.InvoiceID,
		"mneeAmount": mneeAmount.String(),
		"fxRate":     rate.String(),
	})
	s.metrics.IncCounter("quote_allowed", map[string]string{"network": inv.Network.String()})

	return decisionFromPayment(record), nil
}

func decisionFromPayment(p *types.Payment) *types.QuoteDecision {
	if p.Status == types.StatusDenied {
		return &types.QuoteDecision{
			Status:       types.QuoteDenied,
			InvoiceID:    p.InvoiceID,
			DenialReason: p.DenialReason,
		}
	}
	return &types.QuoteDecision{
		Status:     types.QuoteAllowed,
		PaymentID:  p.ID,
		InvoiceID:  p.InvoiceID,
		MNEEAmount: p.SettlementAmount,
		FxRate:     p.FxRate,
	}
}

func wrapQuoteFailure(err error) error {
	if gerr, ok := err.(*types.GatewayError); ok {
		// Keep the specific code (RATE_UNAVAILABLE, UNSUPPORTED_CURRENCY,
		// INVALID_INVOICE) for the caller.
		return gerr
	}
	return &types.GatewayError{
		Code:    types.ErrQuoteFailed,
		Message: err.Error(),
	}
}
