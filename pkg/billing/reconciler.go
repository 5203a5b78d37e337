package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/logoforge/logoforge/pkg/observability"
	"github.com/logoforge/logoforge/pkg/plans"
)

// Reconciler owns the subscription state machine. Every writer that mirrors
// provider state (webhooks, sweeper) goes through Reconcile.
type Reconciler struct {
	store   Store
	catalog plans.Source
	metrics *observability.Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler. metrics may be nil.
func NewReconciler(store Store, catalog plans.Source, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		store:   store,
		catalog: catalog,
		metrics: metrics,
		now:     time.Now,
	}
}

// Reconcile upserts the row for in.SubscriptionID. Applying the same input
// twice leaves the row as after the first apply; a canceled row never
// leaves canceled, and a cancellation lands whatever its event time; nil
// period bounds never overwrite stored ones.
func (r *Reconciler) Reconcile(ctx context.Context, in ReconcileInput) (*Subscription, ReconcileOutcome, error) {
	if in.SubscriptionID == "" {
		return nil, "", fmt.Errorf("reconcile: subscription id is required")
	}

	sub, outcome, err := r.reconcile(ctx, in)
	if errors.Is(err, ErrDuplicateSubscription) {
		// lost a concurrent create; merge onto the winner's row
		sub, outcome, err = r.reconcile(ctx, in)
	}
	if err != nil {
		r.count("error")
		return nil, "", err
	}

	r.count(string(outcome))
	return sub, outcome, nil
}

func (r *Reconciler) reconcile(ctx context.Context, in ReconcileInput) (*Subscription, ReconcileOutcome, error) {
	catalog := r.catalog.Current()
	planKey, byPrice := r.resolvePlan(catalog, in)
	status := MapProviderStatus(in.ProviderStatus)
	if in.Terminal {
		status = StatusCanceled
	}

	var outcome ReconcileOutcome
	sub, err := r.store.Mutate(ctx, in.SubscriptionID, func(existing *Subscription) (*Subscription, error) {
		var next *Subscription
		next, outcome = r.apply(catalog, existing, in, planKey, byPrice, status)
		return next, nil
	})
	if err == nil {
		return sub, outcome, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, "", persistErr("update subscription", err)
	}

	if in.UserID == "" {
		return nil, "", fmt.Errorf("%w: subscription %s", ErrUnresolvableOwner, in.SubscriptionID)
	}
	sub = r.newRow(catalog, in, planKey, status)
	if err := r.store.Insert(ctx, sub); err != nil {
		if errors.Is(err, ErrDuplicateSubscription) {
			return nil, "", err
		}
		return nil, "", persistErr("insert subscription", err)
	}
	return sub, OutcomeCreated, nil
}

// apply computes the next state of an existing row. A nil row means the
// stored one stays as it is.
func (r *Reconciler) apply(catalog *plans.Catalog, existing *Subscription, in ReconcileInput, planKey plans.Key, byPrice bool, status Status) (*Subscription, ReconcileOutcome) {
	if existing.Status == StatusCanceled && status != StatusCanceled {
		return nil, OutcomeIgnoredTerminal
	}

	if !in.EventAt.IsZero() && existing.LastEventAt != nil && in.EventAt.Before(*existing.LastEventAt) {
		if status != StatusCanceled {
			return nil, OutcomeIgnoredStale
		}
		// canceled is absorbing: a late cancellation lands, but carries
		// nothing else from its older snapshot
		in = ReconcileInput{SubscriptionID: in.SubscriptionID, EventAt: in.EventAt}
		byPrice = false
	}

	if !byPrice {
		// only a mapped price moves an existing row to another plan
		planKey = existing.PlanKey
	}

	merged := r.merge(catalog, existing, in, planKey, status)
	if sameState(existing, merged) {
		return nil, OutcomeUnchanged
	}
	return merged, OutcomeUpdated
}

// resolvePlan maps the price, then the hint, then falls back to the default.
// The bool reports whether the key came from the price.
func (r *Reconciler) resolvePlan(catalog *plans.Catalog, in ReconcileInput) (plans.Key, bool) {
	if in.PriceID != "" {
		if key, ok := catalog.PlanForPrice(in.PriceID); ok {
			return key, true
		}
	}
	if in.PlanHint != "" {
		if _, ok := catalog.Lookup(in.PlanHint); ok {
			return in.PlanHint, false
		}
	}
	return catalog.DefaultKey(), false
}

func (r *Reconciler) newRow(catalog *plans.Catalog, in ReconcileInput, planKey plans.Key, status Status) *Subscription {
	sub := &Subscription{
		UserID:             in.UserID,
		CustomerID:         in.CustomerID,
		SubscriptionID:     in.SubscriptionID,
		PlanKey:            planKey,
		Status:             status,
		CurrentPeriodStart: cloneTime(in.PeriodStart),
		CurrentPeriodEnd:   cloneTime(in.PeriodEnd),
		MonthlyTokenLimit:  int64(catalog.DefinitionOf(planKey).MonthlyCredits),
	}
	if in.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *in.CancelAtPeriodEnd
	}
	if status == StatusCanceled {
		now := r.now().UTC()
		sub.CanceledAt = &now
	}
	if !in.EventAt.IsZero() && !in.Derived {
		at := in.EventAt.UTC()
		sub.LastEventAt = &at
	}
	return sub
}

func (r *Reconciler) merge(catalog *plans.Catalog, existing *Subscription, in ReconcileInput, planKey plans.Key, status Status) *Subscription {
	merged := existing.Clone()

	merged.Status = status
	if in.CancelAtPeriodEnd != nil {
		merged.CancelAtPeriodEnd = *in.CancelAtPeriodEnd
	}
	if in.PeriodStart != nil {
		merged.CurrentPeriodStart = cloneTime(in.PeriodStart)
	}
	if in.PeriodEnd != nil {
		merged.CurrentPeriodEnd = cloneTime(in.PeriodEnd)
	}
	if in.CustomerID != "" {
		merged.CustomerID = in.CustomerID
	}
	if merged.UserID == "" && in.UserID != "" {
		merged.UserID = in.UserID
	}
	if status == StatusCanceled && merged.CanceledAt == nil {
		now := r.now().UTC()
		merged.CanceledAt = &now
	}
	if !in.EventAt.IsZero() && !in.Derived && (merged.LastEventAt == nil || in.EventAt.After(*merged.LastEventAt)) {
		at := in.EventAt.UTC()
		merged.LastEventAt = &at
	}

	if planKey != existing.PlanKey {
		merged.PlanKey = planKey
		merged.MonthlyTokenLimit = int64(catalog.DefinitionOf(planKey).MonthlyCredits)
	}
	return merged
}

func (r *Reconciler) count(outcome string) {
	if r.metrics != nil {
		r.metrics.ReconcileTotal.WithLabelValues(outcome).Inc()
	}
}
