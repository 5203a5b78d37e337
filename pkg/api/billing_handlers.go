package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/logoforge/logoforge/pkg/billing"
	"github.com/logoforge/logoforge/pkg/httputil"
	"github.com/logoforge/logoforge/pkg/observability"
	"github.com/logoforge/logoforge/pkg/plans"
	"github.com/logoforge/logoforge/pkg/storage/postgres"
)

// signatureHeader carries the provider's HMAC over the raw body
const signatureHeader = "Stripe-Signature"

// BillingHandlers handles billing-related HTTP requests
type BillingHandlers struct {
	service         BillingService
	webhooks        WebhookProcessor
	webhookTimeout  time.Duration
	maxWebhookBytes int64
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(service BillingService, webhooks WebhookProcessor, webhookTimeout time.Duration, maxWebhookBytes int64) *BillingHandlers {
	return &BillingHandlers{
		service:         service,
		webhooks:        webhooks,
		webhookTimeout:  webhookTimeout,
		maxWebhookBytes: maxWebhookBytes,
	}
}

// RegisterPublicRoutes registers routes that do not require a user
func (h *BillingHandlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/v1/billing/webhook", h.HandleWebhook).Methods("POST")
	router.HandleFunc("/v1/billing/plans", h.ListPlans).Methods("GET")
}

// RegisterRoutes registers the authenticated billing routes on a /v1 subrouter
func (h *BillingHandlers) RegisterRoutes(router *mux.Router, limit func(http.Handler) http.Handler) {
	router.Handle("/billing/checkout", limit(http.HandlerFunc(h.CreateCheckout))).Methods("POST")
	router.HandleFunc("/billing/subscription", h.GetSubscription).Methods("GET")
	router.HandleFunc("/billing/cancel", h.CancelSubscription).Methods("POST")
	router.HandleFunc("/billing/reactivate", h.ReactivateSubscription).Methods("POST")
}

// WebhookResponse acknowledges a delivery
type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// HandleWebhook verifies and applies a provider event. Bad input is a 400 so
// the provider stops retrying; transient failures are a 5xx so it retries.
func (h *BillingHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxWebhookBytes+1))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || int64(len(payload)) > h.maxWebhookBytes {
		httputil.WriteErrorCode(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook payload too large")
		return
	}
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.webhookTimeout)
	defer cancel()

	outcome, err := h.webhooks.Process(ctx, payload, r.Header.Get(signatureHeader))
	switch {
	case err == nil:
		httputil.WriteSuccess(w, WebhookResponse{Received: true, Outcome: string(outcome)})
	case errors.Is(err, billing.ErrSignatureInvalid):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
	case errors.Is(err, billing.ErrMalformedEvent):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "malformed_event", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "timeout", "webhook processing timed out")
	case postgres.IsTransient(err):
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "unavailable", "storage temporarily unavailable")
	default:
		httputil.WriteInternalError(w)
	}
}

// PlanResponse is the public view of a plan
type PlanResponse struct {
	plans.Definition
	Purchasable bool `json:"purchasable"`
}

// ListPlans returns the catalog
func (h *BillingHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	defs := h.service.Plans()
	out := make([]PlanResponse, 0, len(defs))
	for _, d := range defs {
		out = append(out, PlanResponse{Definition: d, Purchasable: !d.Price.IsZero()})
	}
	httputil.WriteSuccess(w, map[string]interface{}{"plans": out})
}

// CheckoutRequest is the body of POST /v1/billing/checkout
type CheckoutRequest struct {
	PlanKey plans.Key `json:"plan_key"`
}

// CheckoutResponse tells the client where to go next
type CheckoutResponse struct {
	SessionID string `json:"session_id,omitempty"`
	URL       string `json:"url"`
	Upgraded  bool   `json:"upgraded"`
}

// CreateCheckout starts a checkout for the authenticated user
func (h *BillingHandlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PlanKey == "" {
		httputil.WriteBadRequest(w, "plan_key is required")
		return
	}

	userID, email := identityOf(r)
	res, err := h.service.CreateCheckout(r.Context(), userID, email, req.PlanKey)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, CheckoutResponse{SessionID: res.SessionID, URL: res.URL, Upgraded: res.Upgraded})
}

// GetSubscription returns the caller's current subscription
func (h *BillingHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, _ := identityOf(r)
	sub, err := h.service.CurrentSubscription(r.Context(), userID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// CancelRequest is the body of POST /v1/billing/cancel
type CancelRequest struct {
	Immediate bool `json:"immediate"`
}

// CancelSubscription cancels at period end, or immediately when asked
func (h *BillingHandlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	userID, _ := identityOf(r)
	sub, err := h.service.Cancel(r.Context(), userID, req.Immediate)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// ReactivateSubscription withdraws a scheduled cancellation
func (h *BillingHandlers) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, _ := identityOf(r)
	sub, err := h.service.Reactivate(r.Context(), userID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// writeBillingError maps service errors onto status codes
func writeBillingError(w http.ResponseWriter, r *http.Request, err error) {
	var se *billing.StateError
	if errors.As(err, &se) {
		status := http.StatusConflict
		code := "invalid_cancel_state"
		if errors.Is(err, billing.ErrNoActiveSubscription) {
			status = http.StatusNotFound
			code = "no_active_subscription"
		}
		details := map[string]interface{}{"cancel_at_period_end": se.CancelAtPeriodEnd}
		if se.Status != "" {
			details["status"] = se.Status
		}
		httputil.WriteDetailedError(w, status, code, se.Err.Error(), details)
		return
	}

	switch {
	case errors.Is(err, billing.ErrUnknownPlan):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "unknown_plan", err.Error())
	case errors.Is(err, billing.ErrPlanNotConfigured):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "plan_not_configured", err.Error())
	case errors.Is(err, billing.ErrDowngradeNotAllowed):
		httputil.WriteErrorCode(w, http.StatusConflict, "downgrade_not_allowed", err.Error())
	case errors.Is(err, billing.ErrAlreadySubscribed):
		httputil.WriteErrorCode(w, http.StatusConflict, "already_subscribed", err.Error())
	case errors.Is(err, billing.ErrNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", "no subscription found")
	case errors.Is(err, billing.ErrProvider):
		observability.FromContext(r.Context()).WithError(err).Error("payment provider call failed")
		httputil.WriteErrorCode(w, http.StatusBadGateway, "provider_error", "payment provider unavailable")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("billing request failed")
		httputil.WriteInternalError(w)
	}
}
