package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/logoforge/logoforge/pkg/credits"
	"github.com/logoforge/logoforge/pkg/observability"
)

// WebhookOutcome is the acknowledged result of one delivery
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookDropped   WebhookOutcome = "dropped"
)

// WebhookConfig configures signature verification and deduplication
type WebhookConfig struct {
	Secret    string
	Tolerance time.Duration
	// RefetchEvents re-reads each event from the provider before applying it
	RefetchEvents bool
	DedupeSize    int
	DedupeTTL     time.Duration
}

// WebhookProcessor verifies provider events and routes them to the
// reconciler and the credit ledger
type WebhookProcessor struct {
	cfg        WebhookConfig
	reconciler *Reconciler
	store      Store
	ledger     credits.Ledger
	provider   Provider
	seen       *expirable.LRU[string, struct{}]
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewWebhookProcessor creates a processor. provider is only used when
// RefetchEvents is set; metrics may be nil.
func NewWebhookProcessor(cfg WebhookConfig, reconciler *Reconciler, store Store, ledger credits.Ledger, provider Provider, logger *observability.Logger, metrics *observability.Metrics) *WebhookProcessor {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 10000
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	return &WebhookProcessor{
		cfg:        cfg,
		reconciler: reconciler,
		store:      store,
		ledger:     ledger,
		provider:   provider,
		seen:       expirable.NewLRU[string, struct{}](cfg.DedupeSize, nil, cfg.DedupeTTL),
		logger:     logger,
		metrics:    metrics,
	}
}

// Process verifies and applies one delivery. The signature is checked
// against the raw payload before anything is decoded. Returned errors match
// ErrSignatureInvalid or ErrMalformedEvent for bad input; anything else is
// worth a provider retry.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signature string) (outcome WebhookOutcome, err error) {
	start := time.Now()
	eventType := "unknown"
	defer func() {
		label := string(outcome)
		if err != nil {
			label = "error"
			if errors.Is(err, ErrSignatureInvalid) {
				label = "invalid_signature"
			}
		}
		p.record(eventType, label, time.Since(start))
	}()

	if err := webhook.ValidatePayloadWithTolerance(payload, signature, p.cfg.Secret, p.cfg.Tolerance); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	ev, err := ParseEvent(payload)
	if err != nil {
		return "", err
	}
	eventType = ev.Type

	ctx, span := observability.Tracer().Start(ctx, "billing.ProcessWebhook")
	span.SetAttributes(
		attribute.String("billing.event_id", ev.ID),
		attribute.String("billing.event_type", ev.Type),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "webhook failed")
		} else {
			span.SetAttributes(attribute.String("billing.outcome", string(outcome)))
		}
		span.End()
	}()

	log := p.logger.WithFields(map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})

	if p.seen.Contains(ev.ID) {
		log.Debug("Duplicate webhook delivery")
		return WebhookDuplicate, nil
	}

	if p.cfg.RefetchEvents && p.provider != nil {
		ev, err = p.refetch(ctx, ev)
		if err != nil {
			return "", err
		}
	}

	outcome, err = p.route(ctx, ev, log)
	if errors.Is(err, ErrUnresolvableOwner) {
		log.WithError(err).Warn("Dropping webhook event without a resolvable owner")
		outcome, err = WebhookDropped, nil
	}
	if err != nil {
		log.WithError(err).Error("Webhook processing failed")
		return "", err
	}

	p.seen.Add(ev.ID, struct{}{})
	log.WithField("outcome", string(outcome)).Info("Webhook event handled")
	return outcome, nil
}

// refetch replaces the delivered event with the provider's copy
func (p *WebhookProcessor) refetch(ctx context.Context, ev *Event) (*Event, error) {
	raw, err := p.provider.GetEvent(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("refetch event %s: %w", ev.ID, err)
	}
	fresh, err := ParseEvent(raw)
	if err != nil {
		return nil, fmt.Errorf("refetch event %s: %w", ev.ID, err)
	}
	fresh.ReceivedAt = ev.ReceivedAt
	return fresh, nil
}

func (p *WebhookProcessor) route(ctx context.Context, ev *Event, log *observability.Logger) (WebhookOutcome, error) {
	switch ev.Type {
	case EventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, ev, log)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return p.handleSubscription(ctx, ev, false)
	case EventSubscriptionDeleted:
		return p.handleSubscription(ctx, ev, true)
	case EventInvoicePaid:
		return p.handleInvoicePaid(ctx, ev, log)
	case EventInvoicePaymentFailed:
		return p.handleInvoicePaymentFailed(ev, log)
	default:
		return WebhookIgnored, nil
	}
}

func (p *WebhookProcessor) handleCheckoutCompleted(ctx context.Context, ev *Event, log *observability.Logger) (WebhookOutcome, error) {
	cs, err := parseCheckoutSession(ev.Object)
	if err != nil {
		return "", err
	}

	userID := cs.UserID
	if userID == "" {
		userID = cs.ClientReferenceID
	}
	if userID == "" && cs.CustomerID != "" {
		if userID, err = p.ownerOfCustomer(ctx, cs.CustomerID); err != nil {
			return "", err
		}
	}
	if userID == "" {
		return "", fmt.Errorf("%w: checkout session %s", ErrUnresolvableOwner, cs.ID)
	}

	if cs.CustomerID != "" {
		if err := p.store.SaveCustomer(ctx, userID, cs.CustomerID, cs.Email); err != nil {
			return "", persistErr("save customer", err)
		}
	}

	switch cs.Mode {
	case "subscription":
		if cs.SubscriptionID == "" {
			log.Warn("Subscription checkout without a subscription id")
			return WebhookIgnored, nil
		}
		status := "incomplete"
		if cs.paid() {
			status = "active"
		}
		_, _, err := p.reconciler.Reconcile(ctx, ReconcileInput{
			UserID:         userID,
			CustomerID:     cs.CustomerID,
			SubscriptionID: cs.SubscriptionID,
			ProviderStatus: status,
			PlanHint:       cs.PlanKey,
			EventAt:        ev.Created,
			Derived:        true,
		})
		if err != nil {
			return "", err
		}
		return WebhookProcessed, nil

	case "payment":
		if !cs.paid() {
			log.Info("One-time checkout completed without payment")
			return WebhookIgnored, nil
		}
		def, ok := p.reconciler.catalog.Current().Lookup(cs.PlanKey)
		if !ok || !def.OneTime {
			log.WithField("plan_key", string(cs.PlanKey)).Warn("Paid checkout for a plan that is not a one-time refill")
			return WebhookIgnored, nil
		}
		bal, applied, err := p.ledger.Grant(ctx, credits.Grant{
			UserID:         userID,
			Amount:         int64(def.MonthlyCredits),
			Reason:         credits.ReasonTopUp,
			IdempotencyKey: "checkout:" + cs.ID,
		})
		p.countGrant(credits.ReasonTopUp, applied, err)
		if err != nil {
			return "", persistErr("grant top-up", err)
		}
		log.WithFields(map[string]interface{}{
			"user_id":   userID,
			"applied":   applied,
			"remaining": bal.Remaining,
		}).Info("One-time credit refill")
		return WebhookProcessed, nil

	default:
		return WebhookIgnored, nil
	}
}

func (p *WebhookProcessor) handleSubscription(ctx context.Context, ev *Event, terminal bool) (WebhookOutcome, error) {
	so, err := parseSubscription(ev.Object)
	if err != nil {
		return "", err
	}

	userID := so.UserID
	if userID == "" && so.CustomerID != "" {
		if userID, err = p.ownerOfCustomer(ctx, so.CustomerID); err != nil {
			return "", err
		}
	}

	// an empty owner still reconciles onto an existing row
	if _, _, err := p.reconciler.Reconcile(ctx, so.input(userID, ev.Created, terminal)); err != nil {
		return "", err
	}
	return WebhookProcessed, nil
}

func (p *WebhookProcessor) handleInvoicePaid(ctx context.Context, ev *Event, log *observability.Logger) (WebhookOutcome, error) {
	inv, err := parseInvoice(ev.Object)
	if err != nil {
		return "", err
	}
	if inv.SubscriptionID == "" {
		return WebhookIgnored, nil
	}

	sub, err := p.store.GetBySubscriptionID(ctx, inv.SubscriptionID)
	if errors.Is(err, ErrNotFound) {
		// the subscription event has not landed yet; ask for a redelivery
		return "", persistErr("invoice subscription lookup",
			fmt.Errorf("subscription %s for invoice %s: %w", inv.SubscriptionID, inv.ID, ErrNotFound))
	}
	if err != nil {
		return "", persistErr("invoice subscription lookup", err)
	}
	if sub.Status == StatusCanceled {
		log.WithField("subscription_id", sub.SubscriptionID).Info("Invoice paid for a canceled subscription")
		return WebhookIgnored, nil
	}

	amount := sub.MonthlyTokenLimit
	if inv.PriceID != "" {
		catalog := p.reconciler.catalog.Current()
		if key, ok := catalog.PlanForPrice(inv.PriceID); ok {
			amount = int64(catalog.DefinitionOf(key).MonthlyCredits)
		}
	}

	bal, applied, err := p.ledger.Grant(ctx, credits.Grant{
		UserID:         sub.UserID,
		Amount:         amount,
		Reason:         credits.ReasonPeriodGrant,
		IdempotencyKey: "invoice:" + inv.ID,
		PeriodStart:    inv.PeriodStart,
		PeriodEnd:      inv.PeriodEnd,
		Reset:          true,
	})
	p.countGrant(credits.ReasonPeriodGrant, applied, err)
	if err != nil {
		return "", persistErr("grant period credits", err)
	}

	log.WithFields(map[string]interface{}{
		"user_id":   sub.UserID,
		"invoice":   inv.ID,
		"applied":   applied,
		"remaining": bal.Remaining,
	}).Info("Period credits granted")
	return WebhookProcessed, nil
}

func (p *WebhookProcessor) handleInvoicePaymentFailed(ev *Event, log *observability.Logger) (WebhookOutcome, error) {
	inv, err := parseInvoice(ev.Object)
	if err != nil {
		return "", err
	}
	// status moves with the customer.subscription.updated that follows
	log.WithFields(map[string]interface{}{
		"invoice":         inv.ID,
		"subscription_id": inv.SubscriptionID,
		"customer_id":     inv.CustomerID,
	}).Warn("Invoice payment failed")
	return WebhookProcessed, nil
}

func (p *WebhookProcessor) ownerOfCustomer(ctx context.Context, customerID string) (string, error) {
	userID, err := p.store.UserForCustomer(ctx, customerID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", persistErr("resolve customer", err)
	}
	return userID, nil
}

func (p *WebhookProcessor) record(eventType, outcome string, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	p.metrics.WebhookDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

func (p *WebhookProcessor) countGrant(reason credits.GrantReason, applied bool, err error) {
	if p.metrics == nil {
		return
	}
	result := "applied"
	switch {
	case err != nil:
		result = "error"
	case !applied:
		result = "duplicate"
	}
	p.metrics.CreditGrantsTotal.WithLabelValues(string(reason), result).Inc()
}
