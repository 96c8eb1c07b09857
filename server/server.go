// Package server exposes the gateway over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/mneelabs/paygate"
	"github.com/mneelabs/paygate/ledger"
	"github.com/mneelabs/paygate/logger"
	"github.com/mneelabs/paygate/types"
)

const (
	headerWorkspaceID = "X-Workspace-Id"
	headerAPIKeyID    = "X-Api-Key-Id"
)

type Server struct {
	gateway *paygate.Gateway
	log     logger.Logger
	router  chi.Router
}

func New(gateway *paygate.Gateway, log logger.Logger) *Server {
	s := &Server{
		gateway: gateway,
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/quote", s.handleQuote)
		r.Post("/pay", s.handlePay)
		r.Post("/verify", s.handleVerify)
		r.Get("/payments/{paymentID}", s.handleGetPayment)
		r.Get("/invoices/{invoiceID}", s.handleGetByInvoice)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type invoiceHeaders struct {
	InvoiceID string `json:"invoiceId"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Network   string `json:"network"`
	PayTo     string `json:"payTo"`
}

type quoteRequest struct {
	RequestURL     string         `json:"requestUrl"`
	InvoiceHeaders invoiceHeaders `json:"invoiceHeaders"`
}

type quoteResponse struct {
	Status     string  `json:"status"`
	PaymentID  string  `json:"paymentId,omitempty"`
	InvoiceID  *string `json:"invoiceId"`
	MNEEAmount *string `json:"mneeAmount"`
	FxRate     *string `json:"fxRate"`
	Reason     string  `json:"reason,omitempty"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.Header.Get(headerWorkspaceID)
	apiKeyID := r.Header.Get(headerAPIKeyID)
	if workspaceID == "" || apiKeyID == "" {
		writeError(w, http.StatusUnauthorized, types.ErrInvalidRequest, "workspace and api key headers are required")
		return
	}

	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrInvalidRequest, "malformed request body")
		return
	}

	amount, err := decimal.NewFromString(req.InvoiceHeaders.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrInvalidInvoice, "invoice amount is not a valid decimal")
		return
	}

	inv := &types.Invoice{
		InvoiceID: req.InvoiceHeaders.InvoiceID,
		Amount:    amount,
		Currency:  req.InvoiceHeaders.Currency,
		Network:   types.Network(req.InvoiceHeaders.Network),
		PayTo:     req.InvoiceHeaders.PayTo,
	}

	decision, err := s.gateway.Quote(r.Context(), workspaceID, apiKeyID, providerFromURL(req.RequestURL), inv)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	if decision.Status == types.QuoteDenied {
		writeJSON(w, http.StatusOK, quoteResponse{
			Status:    string(types.QuoteDenied),
			InvoiceID: strPtr(decision.InvoiceID),
			Reason:    decision.DenialReason,
		})
		return
	}

	mnee := decision.MNEEAmount.String()
	rate := decision.FxRate.String()
	writeJSON(w, http.StatusOK, quoteResponse{
		Status:     string(types.QuoteAllowed),
		PaymentID:  decision.PaymentID,
		InvoiceID:  strPtr(decision.InvoiceID),
		MNEEAmount: &mnee,
		FxRate:     &rate,
	})
}

type payRequest struct {
	PaymentID string `json:"paymentId"`
}

type payResponse struct {
	Status     string `json:"status"`
	TxHash     string `json:"txHash,omitempty"`
	PaymentID  string `json:"paymentId,omitempty"`
	InvoiceID  string `json:"invoiceId,omitempty"`
	MNEEAmount string `json:"mneeAmount,omitempty"`
	FxRate     string `json:"fxRate,omitempty"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentID == "" {
		writeError(w, http.StatusBadRequest, types.ErrInvalidRequest, "paymentId is required")
		return
	}

	result, err := s.gateway.Pay(r.Context(), req.PaymentID)
	if err != nil {
		var gerr *types.GatewayError
		if errors.As(err, &gerr) && gerr.Code == types.ErrNoTreasury {
			writeJSON(w, http.StatusConflict, payResponse{Status: "error", Code: types.ErrNoTreasury})
			return
		}
		writeGatewayError(w, err)
		return
	}

	if !result.Completed {
		writeJSON(w, http.StatusOK, payResponse{
			Status:    "failed",
			PaymentID: result.PaymentID,
			InvoiceID: result.InvoiceID,
			Error:     result.Error,
		})
		return
	}

	p, err := s.gateway.Payment(r.Context(), result.PaymentID)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, payResponse{
		Status:     "ok",
		TxHash:     result.TxHash,
		PaymentID:  p.ID,
		InvoiceID:  p.InvoiceID,
		MNEEAmount: p.SettlementAmount.String(),
		FxRate:     p.FxRate.String(),
	})
}

type verifyRequest struct {
	InvoiceID string `json:"invoiceId"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.Header.Get(headerWorkspaceID)
	if workspaceID == "" {
		writeError(w, http.StatusUnauthorized, types.ErrInvalidRequest, "workspace header is required")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InvoiceID == "" {
		writeError(w, http.StatusBadRequest, types.ErrInvalidRequest, "invoiceId is required")
		return
	}

	valid, err := s.gateway.VerifyProof(r.Context(), workspaceID, req.InvoiceID)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

type paymentView struct {
	PaymentID    string     `json:"paymentId"`
	WorkspaceID  string     `json:"workspaceId"`
	InvoiceID    string     `json:"invoiceId"`
	Status       string     `json:"status"`
	Amount       string     `json:"amount"`
	Currency     string     `json:"currency"`
	Network      string     `json:"network"`
	PayTo        string     `json:"payTo"`
	MNEEAmount   string     `json:"mneeAmount"`
	FxRate       string     `json:"fxRate"`
	DenialReason string     `json:"denialReason,omitempty"`
	TxHash       string     `json:"txHash,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.gateway.Payment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, types.ErrPaymentNotFound, "payment not found")
			return
		}
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFromPayment(p))
}

func (s *Server) handleGetByInvoice(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.Header.Get(headerWorkspaceID)
	if workspaceID == "" {
		writeError(w, http.StatusUnauthorized, types.ErrInvalidRequest, "workspace header is required")
		return
	}

	p, err := s.gateway.PaymentByInvoice(r.Context(), workspaceID, chi.URLParam(r, "invoiceID"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, types.ErrPaymentNotFound, "payment not found")
			return
		}
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFromPayment(p))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func viewFromPayment(p *types.Payment) paymentView {
	return paymentView{
		PaymentID:    p.ID,
		WorkspaceID:  p.WorkspaceID,
		InvoiceID:    p.InvoiceID,
		Status:       string(p.Status.External()),
		Amount:       p.Amount.String(),
		Currency:     p.Currency,
		Network:      p.Network,
		PayTo:        p.PayTo,
		MNEEAmount:   p.SettlementAmount.String(),
		FxRate:       p.FxRate.String(),
		DenialReason: p.DenialReason,
		TxHash:       p.TxHash,
		CreatedAt:    p.CreatedAt,
		CompletedAt:  p.CompletedAt,
	}
}

// providerFromURL derives the provider identity from the resource URL's
// host. Providers are keyed by host until an explicit registry exists.
func providerFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"status": "error",
		"code":   code,
		"error":  message,
	})
}

func writeGatewayError(w http.ResponseWriter, err error) {
	var gerr *types.GatewayError
	if !errors.As(err, &gerr) {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch gerr.Code {
	case types.ErrInvalidInvoice, types.ErrInvalidRequest, types.ErrUnsupportedNetwork:
		status = http.StatusBadRequest
	case types.ErrUnsupportedCurrency:
		status = http.StatusUnprocessableEntity
	case types.ErrRateUnavailable, types.ErrQuoteFailed:
		status = http.StatusServiceUnavailable
	case types.ErrPaymentNotFound:
		status = http.StatusNotFound
	case types.ErrInvalidState, types.ErrNoTreasury, types.ErrReconcileRequired:
		status = http.StatusConflict
	case types.ErrTimeout:
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, map[string]string{
		"status": "error",
		"code":   gerr.Code,
		"error":  gerr.Message,
	})
}
