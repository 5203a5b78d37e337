package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/logoforge/logoforge/pkg/credits"
	"github.com/logoforge/logoforge/pkg/httputil"
	"github.com/logoforge/logoforge/pkg/observability"
)

// CreditHandlers serves balance, usage and deduction
type CreditHandlers struct {
	ledger  credits.Ledger
	metrics *observability.Metrics
}

// NewCreditHandlers creates credit handlers. metrics may be nil.
func NewCreditHandlers(ledger credits.Ledger, metrics *observability.Metrics) *CreditHandlers {
	return &CreditHandlers{ledger: ledger, metrics: metrics}
}

// RegisterRoutes registers credit routes on a /v1 subrouter
func (h *CreditHandlers) RegisterRoutes(router *mux.Router, limit func(http.Handler) http.Handler) {
	router.Handle("/credits/deduct", limit(http.HandlerFunc(h.Deduct))).Methods("POST")
	router.HandleFunc("/credits", h.GetBalance).Methods("GET")
	router.HandleFunc("/credits/usage", h.ListUsage).Methods("GET")
}

// DeductRequest is the body of POST /v1/credits/deduct. The cost is derived
// from the operation server side.
type DeductRequest struct {
	Operation credits.Operation `json:"operation"`
}

// DeductResponse reports the balance after a successful deduction
type DeductResponse struct {
	UsageID   string `json:"usage_id"`
	Amount    int64  `json:"amount"`
	Remaining int64  `json:"remaining"`
}

// Deduct charges the caller for one operation
func (h *CreditHandlers) Deduct(w http.ResponseWriter, r *http.Request) {
	var req DeductRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	userID, _ := identityOf(r)
	record, err := h.ledger.Deduct(r.Context(), userID, req.Operation)

	var insufficient *credits.InsufficientCreditsError
	switch {
	case err == nil:
		h.count(req.Operation, "ok")
		httputil.WriteSuccess(w, DeductResponse{
			UsageID:   record.ID,
			Amount:    record.Amount,
			Remaining: record.BalanceAfter,
		})
	case errors.Is(err, credits.ErrUnknownOperation):
		h.count("unknown", "invalid")
		httputil.WriteErrorCode(w, http.StatusBadRequest, "unknown_operation", err.Error())
	case errors.As(err, &insufficient):
		h.count(req.Operation, "insufficient")
		httputil.WriteDetailedError(w, http.StatusPaymentRequired, "insufficient_credits", err.Error(),
			map[string]interface{}{
				"remaining": insufficient.Remaining,
				"required":  insufficient.Required,
			})
	default:
		h.count(req.Operation, "error")
		observability.FromContext(r.Context()).WithError(err).Error("credit deduction failed")
		httputil.WriteInternalError(w)
	}
}

func (h *CreditHandlers) count(op credits.Operation, result string) {
	if h.metrics != nil {
		h.metrics.CreditDeductionsTotal.WithLabelValues(string(op), result).Inc()
	}
}

// GetBalance returns the caller's credit balance
func (h *CreditHandlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := identityOf(r)
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to load balance")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, balance)
}

// ListUsage returns the caller's most recent deductions
func (h *CreditHandlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50, 1, 500)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	userID, _ := identityOf(r)
	records, err := h.ledger.Usage(r.Context(), userID, limit)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to load usage")
		httputil.WriteInternalError(w)
		return
	}
	if records == nil {
		records = []credits.UsageRecord{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"usage": records})
}
