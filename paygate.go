// Package paygate implements a quote-and-settle gateway for the x402
// payment-required protocol: it converts provider invoices into MNEE
// settlement amounts, enforces spending policy, and drives on-chain
// transfers from tenant treasuries.
package paygate

import (
	"context"
	"time"

	"github.com/mneelabs/paygate/clients"
	"github.com/mneelabs/paygate/fx"
	"github.com/mneelabs/paygate/ledger"
	"github.com/mneelabs/paygate/logger"
	"github.com/mneelabs/paygate/metrics"
	"github.com/mneelabs/paygate/policy"
	"github.com/mneelabs/paygate/quote"
	"github.com/mneelabs/paygate/settlement"
	"github.com/mneelabs/paygate/types"
)

// Gateway is the main entry point bundling the quote service, the
// settlement orchestrator, and the ledger.
type Gateway struct {
	quotes       *quote.Service
	orchestrator *settlement.Orchestrator
	ledger       ledger.Store

	logger    logger.Logger
	metrics   metrics.Recorder
	freshness time.Duration
}

// New wires a gateway from its collaborators. The ledger store doubles as
// the aggregate source for limit evaluation so policy checks and payment
// records always read the same rows.
func New(
	store ledger.Store,
	policies policy.Store,
	treasuries settlement.TreasuryStore,
	rates fx.RateSource,
	treasury clients.TreasuryClient,
	opts ...Option,
) *Gateway {
	g := &Gateway{
		ledger:    store,
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		freshness: 5 * time.Minute,
	}

	for _, opt := range opts {
		opt(g)
	}

	converter := fx.NewConverter(rates, g.freshness)
	evaluator := policy.NewEvaluator(policies, store)

	g.quotes = quote.NewService(store, converter, evaluator, g.logger, g.metrics)
	g.orchestrator = settlement.NewOrchestrator(store, treasuries, treasury, g.logger, g.metrics)

	return g
}

// Quote evaluates an invoice and records the decision.
func (g *Gateway) Quote(
	ctx context.Context,
	workspaceID, apiKeyID, providerID string,
	inv *types.Invoice,
) (*types.QuoteDecision, error) {
	return g.quotes.Quote(ctx, workspaceID, apiKeyID, providerID, inv)
}

// Pay settles a previously allowed quote.
func (g *Gateway) Pay(ctx context.Context, paymentID string) (*types.SettleResult, error) {
	return g.orchestrator.Settle(ctx, paymentID)
}

// PayAll settles multiple allowed quotes concurrently.
func (g *Gateway) PayAll(ctx context.Context, paymentIDs []string) ([]*types.SettleResult, error) {
	return g.orchestrator.SettleAll(ctx, paymentIDs)
}

// Payment looks up a payment by id.
func (g *Gateway) Payment(ctx context.Context, paymentID string) (*types.Payment, error) {
	return g.ledger.Get(ctx, paymentID)
}

// PaymentByInvoice looks up a payment by its idempotency key.
func (g *Gateway) PaymentByInvoice(ctx context.Context, workspaceID, invoiceID string) (*types.Payment, error) {
	return g.ledger.GetByInvoice(ctx, workspaceID, invoiceID)
}

// VerifyProof reports whether an invoice id corresponds to a completed
// payment in the workspace. Resource servers call this before honoring a
// follow-up request presenting proof of payment.
func (g *Gateway) VerifyProof(ctx context.Context, workspaceID, invoiceID string) (bool, error) {
	p, err := g.ledger.GetByInvoice(ctx, workspaceID, invoiceID)
	if err != nil {
		if err == ledger.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return p.Status == types.StatusCompleted, nil
}

// Reconcile resolves one payment with an indeterminate on-chain outcome.
func (g *Gateway) Reconcile(ctx context.Context, paymentID string) (*types.SettleResult, error) {
	return g.orchestrator.Reconcile(ctx, paymentID)
}

// ReconcileSweep resolves all parked payments.
func (g *Gateway) ReconcileSweep(ctx context.Context, limit int) ([]*types.SettleResult, error) {
	return g.orchestrator.ReconcileSweep(ctx, limit)
}

// Orchestrator exposes the settlement driver for callers that need the
// internal mark-settled/mark-failed surface.
func (g *Gateway) Orchestrator() *settlement.Orchestrator {
	return g.orchestrator
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":     Version,
		"protocol_version":    ProtocolVersion,
		"settlement_currency": "MNEE",
		"supported_networks": []string{
			"ethereum", "sepolia",
			"polygon", "polygon-amoy",
			"base", "base-sepolia",
		},
	}
}
