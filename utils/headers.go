package utils

import (
	"fmt"
	"net/http"

	"github.com/mneelabs/paygate/types"
)

// x402 invoice headers carried on a 402 response from a resource server.
const (
	HeaderInvoiceID = "X-402-Invoice-Id"
	HeaderAmount    = "X-402-Amount"
	HeaderCurrency  = "X-402-Currency"
	HeaderNetwork   = "X-402-Network"
	HeaderPayTo     = "X-402-Pay-To"
)

// ParseInvoiceHeaders extracts an invoice from a 402 response's headers.
func ParseInvoiceHeaders(h http.Header) (*types.Invoice, error) {
	invoiceID := h.Get(HeaderInvoiceID)
	if invoiceID == "" {
		return nil, &types.GatewayError{
			Code:    types.ErrInvalidInvoice,
			Message: fmt.Sprintf("missing %s header", HeaderInvoiceID),
		}
	}

	amount, err := ValidateAmount(h.Get(HeaderAmount))
	if err != nil {
		return nil, &types.GatewayError{
			Code:    types.ErrInvalidInvoice,
			Message: fmt.Sprintf("bad %s header: %v", HeaderAmount, err),
		}
	}

	inv := &types.Invoice{
		InvoiceID: invoiceID,
		Amount:    *amount,
		Currency:  h.Get(HeaderCurrency),
		Network:   types.Network(h.Get(HeaderNetwork)),
		PayTo:     h.Get(HeaderPayTo),
	}

	if err := ValidateInvoice(inv); err != nil {
		return nil, err
	}

	return inv, nil
}

// WriteInvoiceHeaders sets the x402 headers on an outbound 402 response.
// Used by resource servers built on this module.
func WriteInvoiceHeaders(h http.Header, inv *types.Invoice) {
	h.Set(HeaderInvoiceID, inv.InvoiceID)
	h.Set(HeaderAmount, inv.Amount.String())
	h.Set(HeaderCurrency, inv.Currency)
	h.Set(HeaderNetwork, inv.Network.String())
	h.Set(HeaderPayTo, inv.PayTo)
}
