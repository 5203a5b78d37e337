package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/logoforge/logoforge/pkg/billing"
	"github.com/logoforge/logoforge/pkg/credits"
	"github.com/logoforge/logoforge/pkg/httputil"
	"github.com/logoforge/logoforge/pkg/middleware"
	"github.com/logoforge/logoforge/pkg/observability"
	"github.com/logoforge/logoforge/pkg/plans"
)

// BillingService is the user-facing subscription API
type BillingService interface {
	Plans() []plans.Definition
	CurrentSubscription(ctx context.Context, userID string) (*billing.Subscription, error)
	CreateCheckout(ctx context.Context, userID, email string, planKey plans.Key) (*billing.CheckoutResult, error)
	Cancel(ctx context.Context, userID string, immediate bool) (*billing.Subscription, error)
	Reactivate(ctx context.Context, userID string) (*billing.Subscription, error)
}

// WebhookProcessor applies verified provider deliveries
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signature string) (billing.WebhookOutcome, error)
}

// Options wires the server's collaborators
type Options struct {
	Billing  BillingService
	Webhooks WebhookProcessor
	Ledger   credits.Ledger
	Auth     *middleware.AuthMiddleware
	// Limiter is optional; nil disables rate limiting
	Limiter middleware.Limiter

	WebhookTimeout time.Duration
	// WebhookMaxBytes caps webhook bodies, 512 KiB when unset
	WebhookMaxBytes int64
	MaxBodyBytes    int64

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server routes API requests to the billing and credit handlers
type Server struct {
	router  *mux.Router
	opts    Options
	billing *BillingHandlers
	credits *CreditHandlers
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.WebhookTimeout <= 0 {
		opts.WebhookTimeout = 10 * time.Second
	}
	if opts.WebhookMaxBytes <= 0 {
		opts.WebhookMaxBytes = 512 << 10
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	// the global cap must not cut webhooks short of their own
	if opts.MaxBodyBytes < opts.WebhookMaxBytes {
		opts.MaxBodyBytes = opts.WebhookMaxBytes
	}

	s := &Server{
		router:  mux.NewRouter(),
		opts:    opts,
		billing: NewBillingHandlers(opts.Billing, opts.Webhooks, opts.WebhookTimeout, opts.WebhookMaxBytes),
		credits: NewCreditHandlers(opts.Ledger, opts.Metrics),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	// runs after route matching so the route label is the path template
	if s.opts.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.opts.Metrics))
	}

	// public routes first so the authenticated subrouter never sees them
	s.billing.RegisterPublicRoutes(s.router)

	authed := s.router.PathPrefix("/v1").Subrouter()
	if s.opts.Auth != nil {
		authed.Use(s.opts.Auth.Handler)
	}

	limit := func(h http.Handler) http.Handler { return h }
	if s.opts.Limiter != nil {
		limit = middleware.RateLimit(s.opts.Limiter, s.opts.Logger, s.opts.Metrics)
	}

	s.billing.RegisterRoutes(authed, limit)
	s.credits.RegisterRoutes(authed, limit)
}

// Handler returns the router wrapped in the standard middleware chain
func (s *Server) Handler() http.Handler {
	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware(s.opts.Logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(s.opts.MaxBodyBytes),
	}
	handler := httputil.Chain(chain...)(s.router)
	return otelhttp.NewHandler(handler, "logoforge-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// ServeHTTP implements http.Handler without the middleware chain
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func identityOf(r *http.Request) (userID, email string) {
	if id := middleware.GetIdentity(r.Context()); id != nil {
		return id.UserID, id.Email
	}
	return "", ""
}
