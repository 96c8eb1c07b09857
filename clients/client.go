// Package clients adapts external settlement contracts behind a small
// interface the orchestrator drives.
package clients

import (
	"context"

	"github.com/shopspring/decimal"
)

// SettlementReceipt is what a chain lookup reports about a past settlement
// attempt for one invoice reference.
type SettlementReceipt struct {
	Found    bool
	Success  bool
	TxHash   string
	Revert   string
	BlockNum uint64
}

// TreasuryClient executes fund movements against a tenant treasury and
// answers reconciliation queries. The payer identifier is a one-way hash of
// the API key, never the key itself; the settlement contract enforces its
// own spending ceilings keyed by that hash.
type TreasuryClient interface {
	// Execute moves amount from the treasury to recipient, tagged with the
	// invoice reference. It returns the transaction hash on success, or an
	// error classified by IsRevert / IsIndeterminate.
	Execute(
		ctx context.Context,
		treasuryAddress string,
		apiKeyHash [32]byte,
		recipient string,
		amount decimal.Decimal,
		invoiceRef [32]byte,
	) (string, error)

	// FindSettlement searches the chain for a settlement matching the
	// invoice reference. Used by the reconciliation path when the outcome
	// of Execute was indeterminate.
	FindSettlement(ctx context.Context, treasuryAddress string, invoiceRef [32]byte) (*SettlementReceipt, error)

	Network() string
	Close()
}
