package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// MNEEDecimals is the precision of the settlement currency. All converted
// amounts are rounded to this many places.
const MNEEDecimals = 5

// Invoice is a provider-issued payment demand, as carried in the x402
// response headers of a resource server. The gateway never mutates it.
type Invoice struct {
	// Provider-assigned identifier, unique per provider.
	InvoiceID string `json:"invoiceId" validate:"required,max=128"`

	// Amount in source currency units.
	Amount decimal.Decimal `json:"amount" validate:"required"`

	// Source currency symbol (e.g. "USDC").
	Currency string `json:"currency" validate:"required,max=16"`

	// Source network the invoice was priced on.
	Network Network `json:"network" validate:"required"`

	// Settlement address the payee expects funds at.
	PayTo string `json:"payTo" validate:"required"`
}

// PaymentStatus is the lifecycle state of a Payment record.
type PaymentStatus string

const (
	StatusAllowed   PaymentStatus = "allowed"
	StatusDenied    PaymentStatus = "denied"
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
	StatusRefunded  PaymentStatus = "refunded"

	// StatusAwaitingReconciliation marks a payment whose on-chain call had an
	// indeterminate outcome. It is internal to the orchestrator and rendered
	// as "pending" on external surfaces.
	StatusAwaitingReconciliation PaymentStatus = "awaiting_reconciliation"
)

// IsTerminal reports whether no further transition is expected for s,
// other than the administrative completed -> refunded move.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusDenied || s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// External renders the status for API consumers. The reconciliation state
// is not part of the public status vocabulary.
func (s PaymentStatus) External() PaymentStatus {
	if s == StatusAwaitingReconciliation {
		return StatusPending
	}
	return s
}

// CountsTowardLimits reports whether a payment in this state is included in
// daily/monthly aggregate sums. Allowed rows are committed reservations and
// count until they resolve; failed and denied rows never moved funds and are
// excluded once durably recorded.
func (s PaymentStatus) CountsTowardLimits() bool {
	switch s {
	case StatusAllowed, StatusPending, StatusAwaitingReconciliation, StatusCompleted:
		return true
	default:
		return false
	}
}

// ExtensionMap is the typed optional metadata attached to a Payment. Keys
// are versioned and documented; unknown keys are preserved but ignored.
type ExtensionMap map[string]string

// Documented extension keys, v1.
const (
	ExtRequestURL    = "v1.request_url"
	ExtProviderLabel = "v1.provider_label"
	ExtRateSource    = "v1.rate_source"
)

// Payment is the persistent ledger record for one invoice. Exactly one
// Payment exists per (WorkspaceID, InvoiceID); the storage layer enforces
// this with a composite unique index.
type Payment struct {
	ID          string `gorm:"primaryKey;size:36" json:"paymentId"`
	WorkspaceID string `gorm:"size:64;not null;uniqueIndex:idx_payments_workspace_invoice" json:"workspaceId"`
	InvoiceID   string `gorm:"size:128;not null;uniqueIndex:idx_payments_workspace_invoice" json:"invoiceId"`
	APIKeyID    string `gorm:"size:64;not null;index" json:"apiKeyId"`
	ProviderID  string `gorm:"size:64;index" json:"providerId,omitempty"`

	// Invoice fields as received.
	Amount   decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"amount"`
	Currency string          `gorm:"size:16;not null" json:"currency"`
	Network  string          `gorm:"size:32;not null" json:"network"`
	PayTo    string          `gorm:"size:128;not null" json:"payTo"`

	// Derived at quote time.
	SettlementAmount decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"mneeAmount"`
	FxRate           decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"fxRate"`

	Status       PaymentStatus `gorm:"size:32;not null;index" json:"status"`
	DenialReason string        `gorm:"size:64" json:"denialReason,omitempty"`
	TxHash       string        `gorm:"size:128" json:"txHash,omitempty"`
	Extensions   ExtensionMap  `gorm:"serializer:json" json:"extensions,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// AgentPolicy holds per-API-key spending limits. Owned by external
// administration; read-only to the gateway core. A nil limit means the
// tier is unenforced.
type AgentPolicy struct {
	APIKeyID         string           `gorm:"primaryKey;size:64" json:"apiKeyId"`
	DailyLimit       *decimal.Decimal `gorm:"type:numeric(30,10)" json:"dailyLimit,omitempty"`
	MonthlyLimit     *decimal.Decimal `gorm:"type:numeric(30,10)" json:"monthlyLimit,omitempty"`
	MaxPerRequest    *decimal.Decimal `gorm:"type:numeric(30,10)" json:"maxPerRequest,omitempty"`
	AllowedProviders []string         `gorm:"serializer:json" json:"allowedProviders,omitempty"`
	IsActive         bool             `json:"isActive"`
}

// ProviderPolicy holds per-provider spending limits. Same ownership model
// as AgentPolicy.
type ProviderPolicy struct {
	ProviderID   string           `gorm:"primaryKey;size:64" json:"providerId"`
	DailyLimit   *decimal.Decimal `gorm:"type:numeric(30,10)" json:"dailyLimit,omitempty"`
	MonthlyLimit *decimal.Decimal `gorm:"type:numeric(30,10)" json:"monthlyLimit,omitempty"`
	IsActive     bool             `json:"isActive"`
}

// TreasuryConfig names the on-chain treasury a workspace settles from.
// Owned by the external wallet-management surface; the core only reads it.
type TreasuryConfig struct {
	WorkspaceID     string  `gorm:"primaryKey;size:64" json:"workspaceId"`
	Network         Network `gorm:"size:32;not null" json:"network"`
	TreasuryAddress string  `gorm:"size:128;not null" json:"treasuryAddress"`
	IsActive        bool    `json:"isActive"`
}

// QuoteStatus is the outcome class of a quote request.
type QuoteStatus string

const (
	QuoteAllowed QuoteStatus = "allowed"
	QuoteDenied  QuoteStatus = "denied"
)

// QuoteDecision is the gateway's answer to an invoice.
type QuoteDecision struct {
	Status       QuoteStatus     `json:"status"`
	PaymentID    string          `json:"paymentId,omitempty"`
	InvoiceID    string          `json:"invoiceId,omitempty"`
	MNEEAmount   decimal.Decimal `json:"mneeAmount,omitempty"`
	FxRate       decimal.Decimal `json:"fxRate,omitempty"`
	DenialReason string          `json:"reason,omitempty"`
}

// SettleResult is the terminal outcome of driving one payment through
// settlement.
type SettleResult struct {
	PaymentID string `json:"paymentId"`
	InvoiceID string `json:"invoiceId"`
	Completed bool   `json:"completed"`
	TxHash    string `json:"txHash,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GatewayError carries a stable machine-readable code alongside the message.
type GatewayError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *GatewayError) Error() string {
	return e.Message
}

// Common error codes.
const (
	ErrInvalidInvoice      = "INVALID_INVOICE"
	ErrInvalidRequest      = "INVALID_REQUEST"
	ErrUnsupportedCurrency = "UNSUPPORTED_CURRENCY"
	ErrUnsupportedNetwork  = "UNSUPPORTED_NETWORK"
	ErrRateUnavailable     = "RATE_UNAVAILABLE"
	ErrQuoteFailed         = "QUOTE_FAILED"
	ErrPaymentNotFound     = "PAYMENT_NOT_FOUND"
	ErrInvalidState        = "INVALID_STATE"
	ErrNoTreasury          = "NO_TREASURY"
	ErrOnChainRevert       = "ON_CHAIN_REVERT"
	ErrNetworkError        = "NETWORK_ERROR"
	ErrTimeout             = "TIMEOUT"
	ErrReconcileRequired   = "RECONCILE_REQUIRED"
	ErrConfigError         = "CONFIG_ERROR"
)

// Denial reason codes, in evaluation order. The first failing check wins so
// reasons are deterministic and reproducible.
const (
	DenyProviderNotAllowed   = "PROVIDER_NOT_ALLOWED"
	DenyMaxPerRequest        = "MAX_PER_REQUEST"
	DenyAgentDailyLimit      = "AGENT_DAILY_LIMIT"
	DenyAgentMonthlyLimit    = "AGENT_MONTHLY_LIMIT"
	DenyProviderDailyLimit   = "PROVIDER_DAILY_LIMIT"
	DenyProviderMonthlyLimit = "PROVIDER_MONTHLY_LIMIT"
)
