package billing

import (
	"context"

	"github.com/logoforge/logoforge/pkg/plans"
)

// CheckoutRequest describes a hosted checkout for one plan
type CheckoutRequest struct {
	UserID     string
	CustomerID string
	PlanKey    plans.Key
	PriceID    string
	// OneTime selects a one-off payment instead of a subscription
	OneTime    bool
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider's hosted checkout page
type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// Provider is the subset of the payment provider API the billing core uses.
// Implementations wrap failures so that errors.Is(err, ErrProvider) holds,
// except GetSubscription which returns ErrNotFound for deleted objects.
type Provider interface {
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
	// ChangePrice swaps the subscription's single item to priceID without
	// proration
	ChangePrice(ctx context.Context, subscriptionID, priceID string) error
	// GetSubscription returns the raw subscription object
	GetSubscription(ctx context.Context, subscriptionID string) (map[string]any, error)
	// GetEvent returns the raw event payload
	GetEvent(ctx context.Context, eventID string) ([]byte, error)
}
