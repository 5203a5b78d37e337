package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/logoforge/logoforge/pkg/observability"
)

// StripeProvider implements Provider with the Stripe API
type StripeProvider struct {
	api     *client.API
	metrics *observability.Metrics
}

// NewStripeProvider creates a provider for secretKey. backends may be nil to
// use the default Stripe endpoints; metrics may be nil.
func NewStripeProvider(secretKey string, backends *stripe.Backends, metrics *observability.Metrics) *StripeProvider {
	return &StripeProvider{
		api:     client.New(secretKey, backends),
		metrics: metrics,
	}
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(MetadataUserID, userID)

	cus, err := p.api.Customers.New(params)
	p.observe("create_customer", err)
	if err != nil {
		return "", providerErr("create customer", err)
	}
	return cus.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	metadata := map[string]string{
		MetadataUserID:  req.UserID,
		MetadataPlanKey: string(req.PlanKey),
	}

	params := &stripe.CheckoutSessionParams{
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	if req.OneTime {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	}

	sess, err := p.api.CheckoutSessions.New(params)
	p.observe("create_checkout_session", err)
	if err != nil {
		return nil, providerErr("create checkout session", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx

	_, err := p.api.Subscriptions.Update(subscriptionID, params)
	p.observe("set_cancel_at_period_end", err)
	if err != nil {
		return providerErr("update subscription", err)
	}
	return nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	_, err := p.api.Subscriptions.Cancel(subscriptionID, params)
	p.observe("cancel_subscription", err)
	if err != nil {
		return providerErr("cancel subscription", err)
	}
	return nil
}

func (p *StripeProvider) ChangePrice(ctx context.Context, subscriptionID, priceID string) error {
	obj, err := p.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	itemID := stringAt(obj, "items", "data", "0", "id")
	if itemID == "" {
		return fmt.Errorf("%w: subscription %s has no items", ErrProvider, subscriptionID)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(itemID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String("none"),
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	params.Context = ctx

	_, err = p.api.Subscriptions.Update(subscriptionID, params)
	p.observe("change_price", err)
	if err != nil {
		return providerErr("change price", err)
	}
	return nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (map[string]any, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Get(subscriptionID, params)
	p.observe("get_subscription", err)
	if err != nil {
		if isStripeNotFound(err) {
			return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
		}
		return nil, providerErr("get subscription", err)
	}
	if sub.LastResponse == nil || len(sub.LastResponse.RawJSON) == 0 {
		return nil, fmt.Errorf("%w: empty subscription response", ErrProvider)
	}
	return decodeObject(sub.LastResponse.RawJSON)
}

func (p *StripeProvider) GetEvent(ctx context.Context, eventID string) ([]byte, error) {
	params := &stripe.EventParams{}
	params.Context = ctx

	ev, err := p.api.Events.Get(eventID, params)
	p.observe("get_event", err)
	if err != nil {
		if isStripeNotFound(err) {
			return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return nil, providerErr("get event", err)
	}
	if ev.LastResponse == nil || len(ev.LastResponse.RawJSON) == 0 {
		return nil, fmt.Errorf("%w: empty event response", ErrProvider)
	}
	return ev.LastResponse.RawJSON, nil
}

func (p *StripeProvider) observe(operation string, err error) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.ProviderRequestsTotal.WithLabelValues(operation, status).Inc()
}

func isStripeNotFound(err error) bool {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.HTTPStatusCode == http.StatusNotFound || serr.Code == stripe.ErrorCodeResourceMissing
}
