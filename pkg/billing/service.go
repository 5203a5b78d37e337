package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/logoforge/logoforge/pkg/observability"
	"github.com/logoforge/logoforge/pkg/plans"
)

// ServiceConfig holds the checkout redirect targets
type ServiceConfig struct {
	SuccessURL string
	CancelURL  string
}

// CheckoutResult is returned by CreateCheckout. Upgraded is set when an
// existing subscription was moved to the new price in place; URL then points
// at the success page.
type CheckoutResult struct {
	SessionID string `json:"session_id,omitempty"`
	URL       string `json:"url"`
	Upgraded  bool   `json:"upgraded,omitempty"`
}

// Service implements the user-initiated billing actions
type Service struct {
	cfg       ServiceConfig
	store     Store
	provider  Provider
	catalog   plans.Source
	logger    *observability.Logger
	customers singleflight.Group
	now       func() time.Time
}

// NewService creates the billing service
func NewService(cfg ServiceConfig, store Store, provider Provider, catalog plans.Source, logger *observability.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		provider: provider,
		catalog:  catalog,
		logger:   logger,
		now:      time.Now,
	}
}

// Plans lists the catalog in priority order
func (s *Service) Plans() []plans.Definition {
	return s.catalog.Current().Definitions()
}

// CurrentSubscription returns the user's current row, ErrNotFound when the
// user never subscribed
func (s *Service) CurrentSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := s.store.GetCurrentForUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("load subscription", err)
	}
	return sub, nil
}

// CreateCheckout starts a purchase of planKey. An active recurring
// subscription moving to a higher recurring plan is changed in place instead
// of opening a second subscription.
func (s *Service) CreateCheckout(ctx context.Context, userID, email string, planKey plans.Key) (*CheckoutResult, error) {
	catalog := s.catalog.Current()
	def, ok := catalog.Lookup(planKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planKey)
	}
	priceID, ok := catalog.ExternalPriceID(planKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotConfigured, planKey)
	}

	current, err := s.store.GetCurrentForUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, persistErr("load subscription", err)
	}
	if errors.Is(err, ErrNotFound) {
		current = nil
	}

	if current != nil && current.Status == StatusActive && !def.OneTime {
		if current.PlanKey == planKey {
			return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, planKey)
		}
		if catalog.IsDowngrade(current.PlanKey, planKey) {
			return nil, fmt.Errorf("%w: %s to %s", ErrDowngradeNotAllowed, current.PlanKey, planKey)
		}
		if current.SubscriptionID != "" {
			if err := s.provider.ChangePrice(ctx, current.SubscriptionID, priceID); err != nil {
				return nil, err
			}
			s.logger.WithFields(map[string]interface{}{
				"user_id":         userID,
				"subscription_id": current.SubscriptionID,
				"from":            string(current.PlanKey),
				"to":              string(planKey),
			}).Info("Subscription upgraded in place")
			// the plan change lands with customer.subscription.updated
			return &CheckoutResult{URL: s.cfg.SuccessURL, Upgraded: true}, nil
		}
	}

	customerID, err := s.ensureCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	sess, err := s.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		UserID:     userID,
		CustomerID: customerID,
		PlanKey:    planKey,
		PriceID:    priceID,
		OneTime:    def.OneTime,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	})
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{SessionID: sess.ID, URL: sess.URL}, nil
}

// ensureCustomer returns the user's provider customer, creating it once even
// under concurrent checkouts
func (s *Service) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	v, err, _ := s.customers.Do(userID, func() (interface{}, error) {
		customerID, err := s.store.GetCustomer(ctx, userID)
		if err == nil {
			return customerID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", persistErr("load customer", err)
		}

		customerID, err = s.provider.CreateCustomer(ctx, userID, email)
		if err != nil {
			return "", err
		}
		if err := s.store.SaveCustomer(ctx, userID, customerID, email); err != nil {
			return "", persistErr("save customer", err)
		}
		return customerID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Cancel ends the user's subscription, at once or at the end of the period.
// The provider is called first; the local row changes only after it accepts.
func (s *Service) Cancel(ctx context.Context, userID string, immediate bool) (*Subscription, error) {
	sub, err := s.loadForAction(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.IsCurrent() {
		return nil, stateErr(ErrNoActiveSubscription, sub)
	}
	if !immediate && sub.CancelAtPeriodEnd {
		return nil, stateErr(ErrInvalidCancelState, sub)
	}

	if immediate {
		err = s.provider.CancelSubscription(ctx, sub.SubscriptionID)
	} else {
		err = s.provider.SetCancelAtPeriodEnd(ctx, sub.SubscriptionID, true)
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.store.Mutate(ctx, sub.SubscriptionID, func(current *Subscription) (*Subscription, error) {
		if current.Status == StatusCanceled {
			// deleted while the provider call was in flight
			return nil, nil
		}
		if immediate {
			now := s.now().UTC()
			current.Status = StatusCanceled
			current.CanceledAt = &now
		} else {
			current.CancelAtPeriodEnd = true
		}
		return current, nil
	})
	if err != nil {
		return nil, persistErr("update subscription", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id":         userID,
		"subscription_id": sub.SubscriptionID,
		"immediate":       immediate,
	}).Info("Subscription canceled")
	return updated, nil
}

// Reactivate clears a scheduled cancellation
func (s *Service) Reactivate(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := s.loadForAction(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusActive || !sub.CancelAtPeriodEnd {
		return nil, stateErr(ErrInvalidCancelState, sub)
	}

	if err := s.provider.SetCancelAtPeriodEnd(ctx, sub.SubscriptionID, false); err != nil {
		return nil, err
	}

	updated, err := s.store.Mutate(ctx, sub.SubscriptionID, func(current *Subscription) (*Subscription, error) {
		if current.Status == StatusCanceled {
			return nil, nil
		}
		current.CancelAtPeriodEnd = false
		return current, nil
	})
	if err != nil {
		return nil, persistErr("update subscription", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id":         userID,
		"subscription_id": sub.SubscriptionID,
	}).Info("Subscription reactivated")
	return updated, nil
}

func (s *Service) loadForAction(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := s.store.GetCurrentForUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, stateErr(ErrNoActiveSubscription, nil)
	}
	if err != nil {
		return nil, persistErr("load subscription", err)
	}
	return sub, nil
}
