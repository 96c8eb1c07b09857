// Package settlement drives allowed payments through the on-chain transfer
// and reconciles the outcome into the ledger.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/mneelabs/paygate/clients"
	"github.com/mneelabs/paygate/ledger"
	"github.com/mneelabs/paygate/logger"
	"github.com/mneelabs/paygate/metrics"
	"github.com/mneelabs/paygate/types"
	"github.com/mneelabs/paygate/utils"
)

// TreasuryStore resolves the treasury configuration for a workspace. Owned
// by the external wallet-management surface; nil means none is configured.
type TreasuryStore interface {
	Treasury(ctx context.Context, workspaceID string) (*types.TreasuryConfig, error)
}

// Orchestrator owns every Payment transition out of allowed. The state
// machine is allowed -> pending -> {completed | failed}, with an internal
// awaiting-reconciliation stop when the on-chain outcome is unknown.
type Orchestrator struct {
	ledger     ledger.Store
	treasuries TreasuryStore
	client     clients.TreasuryClient
	log        logger.Logger
	metrics    metrics.Recorder

	pollInterval time.Duration
	pollTimeout  time.Duration

	// stalePendingAge is how long a payment may sit in pending before the
	// sweep assumes its settlement winner died and adopts it for
	// reconciliation.
	stalePendingAge time.Duration
}

func NewOrchestrator(
	store ledger.Store,
	treasuries TreasuryStore,
	client clients.TreasuryClient,
	log logger.Logger,
	recorder metrics.Recorder,
) *Orchestrator {
	return &Orchestrator{
		ledger:       store,
		treasuries:   treasuries,
		client:       client,
		log:          log,
		metrics:      recorder,
		pollInterval:    250 * time.Millisecond,
		pollTimeout:     60 * time.Second,
		stalePendingAge: 10 * time.Minute,
	}
}

// Settle drives one payment to a terminal state. Calling it twice for the
// same pending payment issues exactly one on-chain call: the guarded
// allowed -> pending transition has a single winner, and every other caller
// polls the ledger for the winner's outcome.
func (o *Orchestrator) Settle(ctx context.Context, paymentID string) (*types.SettleResult, error) {
	p, err := o.ledger.Get(ctx, paymentID)
	if err != nil {
		if err == ledger.ErrNotFound {
			return nil, &types.GatewayError{
				Code:    types.ErrPaymentNotFound,
				Message: fmt.Sprintf("payment %s not found", paymentID),
			}
		}
		return nil, err
	}

	switch p.Status {
	case types.StatusCompleted, types.StatusFailed:
		return resultFromPayment(p), nil
	case types.StatusDenied, types.StatusRefunded:
		return nil, &types.GatewayError{
			Code:    types.ErrInvalidState,
			Message: fmt.Sprintf("payment %s is %s and cannot settle", paymentID, p.Status),
		}
	case types.StatusPending:
		// Another caller is mid-flight; wait for its terminal state.
		return o.waitForTerminal(ctx, paymentID)
	case types.StatusAwaitingReconciliation:
		return nil, &types.GatewayError{
			Code:    types.ErrReconcileRequired,
			Message: fmt.Sprintf("payment %s has an unresolved on-chain outcome", paymentID),
		}
	}

	treasury, err := o.treasuries.Treasury(ctx, p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if treasury == nil || !treasury.IsActive {
		return nil, &types.GatewayError{
			Code:    types.ErrNoTreasury,
			Message: fmt.Sprintf("workspace %s has no active treasury", p.WorkspaceID),
		}
	}

	// Persist pending before the on-chain call. A crash after this point
	// leaves a pending row, never a silently re-spendable allowed one.
	won, err := o.ledger.Transition(ctx, paymentID, types.StatusAllowed, types.StatusPending)
	if err != nil {
		return nil, err
	}
	if !won {
		return o.waitForTerminal(ctx, paymentID)
	}

	return o.execute(ctx, p, treasury)
}

func (o *Orchestrator) execute(ctx context.Context, p *types.Payment, treasury *types.TreasuryConfig) (*types.SettleResult, error) {
	start := time.Now()
	labels := map[string]string{"network": p.Network}

	txHash, err := o.client.Execute(
		ctx,
		treasury.TreasuryAddress,
		utils.HashAPIKey(p.APIKeyID),
		p.PayTo,
		p.SettlementAmount,
		utils.InvoiceRef(p.WorkspaceID, p.InvoiceID),
	)

	o.metrics.ObserveLatency("settle", time.Since(start), labels)

	switch {
	case err == nil:
		if merr := o.ledger.MarkCompleted(ctx, p.ID, txHash); merr != nil {
			return nil, merr
		}
		o.log.Info("payment settled", map[string]any{
			"paymentId": p.ID,
			"invoiceId": p.InvoiceID,
			"txHash":    txHash,
		})
		o.metrics.IncCounter("settle_completed", labels)
		return &types.SettleResult{
			PaymentID: p.ID,
			InvoiceID: p.InvoiceID,
			Completed: true,
			TxHash:    txHash,
		}, nil

	case clients.IsIndeterminate(err):
		// The transfer may have landed. Park the payment for the
		// reconciliation path; never guess a terminal state here.
		if _, terr := o.ledger.Transition(ctx, p.ID, types.StatusPending, types.StatusAwaitingReconciliation); terr != nil {
			return nil, terr
		}
		o.log.Warn("settlement outcome indeterminate", map[string]any{
			"paymentId": p.ID,
			"invoiceId": p.InvoiceID,
			"error":     err.Error(),
		})
		o.metrics.IncCounter("settle_indeterminate", labels)
		return nil, &types.GatewayError{
			Code:    types.ErrReconcileRequired,
			Message: fmt.Sprintf("settlement of %s requires reconciliation: %v", p.ID, err),
		}

	default:
		// Revert or pre-broadcast failure: the funds did not move.
		if merr := o.ledger.MarkFailed(ctx, p.ID, err.Error()); merr != nil {
			return nil, merr
		}
		o.log.Warn("payment failed", map[string]any{
			"paymentId": p.ID,
			"invoiceId": p.InvoiceID,
			"error":     err.Error(),
		})
		o.metrics.IncCounter("settle_failed", labels)
		return &types.SettleResult{
			PaymentID: p.ID,
			InvoiceID: p.InvoiceID,
			Completed: false,
			Error:     err.Error(),
		}, nil
	}
}

// waitForTerminal polls the ledger until the in-flight caller records an
// outcome. It never re-invokes the treasury client.
func (o *Orchestrator) waitForTerminal(ctx context.Context, paymentID string) (*types.SettleResult, error) {
	deadline := time.NewTimer(o.pollTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		p, err := o.ledger.Get(ctx, paymentID)
		if err != nil {
			return nil, err
		}

		switch p.Status {
		case types.StatusCompleted, types.StatusFailed:
			return resultFromPayment(p), nil
		case types.StatusAwaitingReconciliation:
			return nil, &types.GatewayError{
				Code:    types.ErrReconcileRequired,
				Message: fmt.Sprintf("payment %s has an unresolved on-chain outcome", paymentID),
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, &types.GatewayError{
				Code:    types.ErrTimeout,
				Message: fmt.Sprintf("payment %s still in flight after %s", paymentID, o.pollTimeout),
			}
		case <-ticker.C:
		}
	}
}

// Reconcile resolves a payment parked in awaiting-reconciliation by querying
// the chain for a matching settlement. The transfer is marked completed only
// against an observed receipt and failed only when the chain shows no
// matching transaction.
func (o *Orchestrator) Reconcile(ctx context.Context, paymentID string) (*types.SettleResult, error) {
	p, err := o.ledger.Get(ctx, paymentID)
	if err != nil {
		if err == ledger.ErrNotFound {
			return nil, &types.GatewayError{
				Code:    types.ErrPaymentNotFound,
				Message: fmt.Sprintf("payment %s not found", paymentID),
			}
		}
		return nil, err
	}

	if p.Status.IsTerminal() {
		return resultFromPayment(p), nil
	}
	if p.Status != types.StatusAwaitingReconciliation {
		return nil, &types.GatewayError{
			Code:    types.ErrInvalidState,
			Message: fmt.Sprintf("payment %s is %s, not awaiting reconciliation", paymentID, p.Status),
		}
	}

	treasury, err := o.treasuries.Treasury(ctx, p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if treasury == nil {
		return nil, &types.GatewayError{
			Code:    types.ErrNoTreasury,
			Message: fmt.Sprintf("workspace %s has no treasury", p.WorkspaceID),
		}
	}

	receipt, err := o.client.FindSettlement(ctx, treasury.TreasuryAddress, utils.InvoiceRef(p.WorkspaceID, p.InvoiceID))
	if err != nil {
		// Lookup itself failed; leave the payment parked and try again.
		return nil, err
	}

	if receipt.Found && receipt.Success {
		if merr := o.ledger.MarkCompleted(ctx, p.ID, receipt.TxHash); merr != nil {
			return nil, merr
		}
		o.log.Info("payment reconciled as completed", map[string]any{
			"paymentId": p.ID,
			"txHash":    receipt.TxHash,
		})
		o.metrics.IncCounter("reconcile_completed", map[string]string{"network": p.Network})
		return &types.SettleResult{
			PaymentID: p.ID,
			InvoiceID: p.InvoiceID,
			Completed: true,
			TxHash:    receipt.TxHash,
		}, nil
	}

	msg := "no matching settlement found on chain"
	if receipt.Found {
		msg = fmt.Sprintf("settlement transaction %s reverted", receipt.TxHash)
	}
	if merr := o.ledger.MarkFailed(ctx, p.ID, msg); merr != nil {
		return nil, merr
	}
	o.log.Info("payment reconciled as failed", map[string]any{
		"paymentId": p.ID,
		"reason":    msg,
	})
	o.metrics.IncCounter("reconcile_failed", map[string]string{"network": p.Network})
	return &types.SettleResult{
		PaymentID: p.ID,
		InvoiceID: p.InvoiceID,
		Completed: false,
		Error:     msg,
	}, nil
}

// ReconcileSweep resolves every parked payment. It first adopts stale
// pending rows: a settlement winner that crashed between the pending
// transition and its outcome write leaves a row no live caller owns, and
// the chain lookup answers for it the same way it does for a parked one.
// No payment stays in pending or the reconciliation state without a way to
// re-check its outcome.
func (o *Orchestrator) ReconcileSweep(ctx context.Context, limit int) ([]*types.SettleResult, error) {
	if err := o.adoptStalePending(ctx, limit); err != nil {
		return nil, err
	}

	parked, err := o.ledger.ListByStatus(ctx, types.StatusAwaitingReconciliation, limit)
	if err != nil {
		return nil, err
	}

	results := make([]*types.SettleResult, 0, len(parked))
	for _, p := range parked {
		res, err := o.Reconcile(ctx, p.ID)
		if err != nil {
			o.log.Warn("reconcile sweep entry failed", map[string]any{
				"paymentId": p.ID,
				"error":     err.Error(),
			})
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// adoptStalePending moves abandoned pending payments into the
// reconciliation state. The guarded transition keeps fresh rows with a
// live winner: if the winner records an outcome first, the CAS loses and
// the row is left alone.
func (o *Orchestrator) adoptStalePending(ctx context.Context, limit int) error {
	pending, err := o.ledger.ListByStatus(ctx, types.StatusPending, limit)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-o.stalePendingAge)
	for _, p := range pending {
		if p.UpdatedAt.After(cutoff) {
			continue
		}
		won, err := o.ledger.Transition(ctx, p.ID, types.StatusPending, types.StatusAwaitingReconciliation)
		if err != nil {
			return err
		}
		if won {
			o.log.Warn("adopted stale pending payment for reconciliation", map[string]any{
				"paymentId": p.ID,
				"invoiceId": p.InvoiceID,
			})
			o.metrics.IncCounter("reconcile_adopted", map[string]string{"network": p.Network})
		}
	}
	return nil
}

// SettleAll settles multiple payments concurrently.
func (o *Orchestrator) SettleAll(ctx context.Context, paymentIDs []string) ([]*types.SettleResult, error) {
	results := make([]*types.SettleResult, len(paymentIDs))

	type settleOutcome struct {
		index  int
		result *types.SettleResult
		err    error
	}

	resultChan := make(chan settleOutcome, len(paymentIDs))

	for i, id := range paymentIDs {
		go func(index int, paymentID string) {
			result, err := o.Settle(ctx, paymentID)
			resultChan <- settleOutcome{index: index, result: result, err: err}
		}(i, id)
	}

	for i := 0; i < len(paymentIDs); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out := <-resultChan:
			if out.err != nil {
				results[out.index] = &types.SettleResult{
					PaymentID: paymentIDs[out.index],
					Completed: false,
					Error:     out.err.Error(),
				}
				continue
			}
			results[out.index] = out.result
		}
	}

	return results, nil
}

// MarkSettled records an externally observed settlement outcome. Internal
// surface for operators resolving a payment by hand.
func (o *Orchestrator) MarkSettled(ctx context.Context, paymentID, txHash string) error {
	return o.ledger.MarkCompleted(ctx, paymentID, txHash)
}

// MarkFailed records an externally observed failure.
func (o *Orchestrator) MarkFailed(ctx context.Context, paymentID, errMsg string) error {
	return o.ledger.MarkFailed(ctx, paymentID, errMsg)
}

func resultFromPayment(p *types.Payment) *types.SettleResult {
	res := &types.SettleResult{
		PaymentID: p.ID,
		InvoiceID: p.InvoiceID,
		Completed: p.Status == types.StatusCompleted || p.Status == types.StatusRefunded,
		TxHash:    p.TxHash,
	}
	if p.Status == types.StatusFailed {
		res.Error = p.DenialReason
	}
	return res
}
