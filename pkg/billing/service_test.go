package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logoforge/logoforge/pkg/observability"
	"github.com/logoforge/logoforge/pkg/plans"
)

func newTestService(t *testing.T, catalog plans.Source) (*Service, *MemoryStore, *fakeProvider) {
	t.Helper()
	if catalog == nil {
		catalog = testCatalog()
	}
	store := NewMemoryStore()
	provider := newFakeProvider()
	svc := NewService(ServiceConfig{
		SuccessURL: "https://app.example/billing/success",
		CancelURL:  "https://app.example/billing/cancel",
	}, store, provider, catalog, observability.NopLogger())
	return svc, store, provider
}

func seedSubscription(t *testing.T, store Store, plan plans.Key, status Status) *Subscription {
	t.Helper()
	sub := &Subscription{
		UserID:             "user-1",
		CustomerID:         "cus_1",
		SubscriptionID:     "sub_1",
		PlanKey:            plan,
		Status:             status,
		CurrentPeriodStart: timePtr(periodStart),
		CurrentPeriodEnd:   timePtr(periodEnd),
		MonthlyTokenLimit:  int64(testCatalog().DefinitionOf(plan).MonthlyCredits),
	}
	require.NoError(t, store.Insert(context.Background(), sub))
	return sub
}

func TestService_CreateCheckout(t *testing.T) {
	svc, store, provider := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.CreateCheckout(ctx, "user-1", "a@example.com", plans.KeyProMonthly)
	require.NoError(t, err)
	assert.Equal(t, "cs_test", res.SessionID)
	assert.Equal(t, "https://checkout.example/cs_test", res.URL)
	assert.False(t, res.Upgraded)

	require.Len(t, provider.checkouts, 1)
	req := provider.checkouts[0]
	assert.Equal(t, "price_pro_monthly", req.PriceID)
	assert.Equal(t, "cus_user-1", req.CustomerID)
	assert.Equal(t, plans.KeyProMonthly, req.PlanKey)
	assert.False(t, req.OneTime)

	customerID, err := store.GetCustomer(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "cus_user-1", customerID)

	// the customer is reused
	_, err = svc.CreateCheckout(ctx, "user-1", "a@example.com", plans.KeyStarter)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.callCount("create_customer"))
	assert.True(t, provider.checkouts[1].OneTime)
}

func TestService_CreateCheckoutErrors(t *testing.T) {
	tests := []struct {
		name    string
		current plans.Key
		target  plans.Key
		wantErr error
	}{
		{name: "unknown plan", target: "enterprise", wantErr: ErrUnknownPlan},
		{name: "base has no price", target: plans.KeyBase, wantErr: ErrPlanNotConfigured},
		{name: "downgrade", current: plans.KeyProYearly, target: plans.KeyProMonthly, wantErr: ErrDowngradeNotAllowed},
		{name: "same plan", current: plans.KeyProMonthly, target: plans.KeyProMonthly, wantErr: ErrAlreadySubscribed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, provider := newTestService(t, nil)
			if tt.current != "" {
				seedSubscription(t, store, tt.current, StatusActive)
			}

			_, err := svc.CreateCheckout(context.Background(), "user-1", "", tt.target)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, provider.calls)
		})
	}
}

func TestService_CreateCheckoutPlanNotConfigured(t *testing.T) {
	catalog := plans.DefaultCatalog(map[plans.Key]string{plans.KeyProMonthly: "price_pro_monthly"})
	svc, _, provider := newTestService(t, catalog)

	_, err := svc.CreateCheckout(context.Background(), "user-1", "", plans.KeyProYearly)
	assert.ErrorIs(t, err, ErrPlanNotConfigured)
	assert.Empty(t, provider.calls)
}

func TestService_CreateCheckoutUpgradeInPlace(t *testing.T) {
	svc, store, provider := newTestService(t, nil)
	seedSubscription(t, store, plans.KeyProMonthly, StatusActive)

	res, err := svc.CreateCheckout(context.Background(), "user-1", "", plans.KeyProYearly)
	require.NoError(t, err)
	assert.True(t, res.Upgraded)
	assert.Equal(t, "https://app.example/billing/success", res.URL)
	assert.Equal(t, 1, provider.callCount("change_price"))
	assert.Zero(t, provider.callCount("create_checkout_session"))

	// the row follows the provider's webhook, not the request
	sub, err := store.GetCurrentForUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, plans.KeyProMonthly, sub.PlanKey)
}

func TestService_CreateCheckoutOneTimeWhileSubscribed(t *testing.T) {
	svc, store, provider := newTestService(t, nil)
	seedSubscription(t, store, plans.KeyProYearly, StatusActive)

	_, err := svc.CreateCheckout(context.Background(), "user-1", "", plans.KeyStarter)
	require.NoError(t, err)
	require.Len(t, provider.checkouts, 1)
	assert.True(t, provider.checkouts[0].OneTime)
}

func TestService_CreateCheckoutProviderFailure(t *testing.T) {
	svc, _, provider := newTestService(t, nil)
	provider.fail["create_checkout_session"] = fmt.Errorf("%w: boom", ErrProvider)

	_, err := svc.CreateCheckout(context.Background(), "user-1", "", plans.KeyProMonthly)
	assert.ErrorIs(t, err, ErrProvider)
}

func TestService_EnsureCustomerOnce(t *testing.T) {
	svc, _, provider := newTestService(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateCheckout(context.Background(), "user-1", "", plans.KeyStarter)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, provider.callCount("create_customer"))
	assert.Equal(t, 10, provider.callCount("create_checkout_session"))
}

func TestService_CancelAtPeriodEnd(t *testing.T) {
	svc, store, provider := newTestService(t, nil)
	seedSubscription(t, store, plans.KeyProMonthly, StatusActive)
	ctx := context.Background()

	sub, err := svc.Cancel(ctx, "user-1", false)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, 1, provider.callCount("schedule_cancel"))

	_, err = svc.Cancel(ctx, "user-1", false)
	require.ErrorIs(t, err, ErrInvalidCancelState)
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusActive, se.Status)
	assert.True(t, se.CancelAtPeriodEnd)
	assert.Equal(t, 1, provider.callCount("schedule_cancel"))
}

func TestService_CancelImmediately(t *testing.T) {
	svc, store, provider := newTestService(t, nil)
	seedSubscription(t, store, plans.KeyProMonthly, StatusPastDue)

	sub, err := svc.Cancel(context.Background(), "user-1", true)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, sub.Status)
	assert.NotNil(t, sub.CanceledAt)
	assert.Equal(t, 1, provider.callCount("cancel"))

	stored, err := store.GetBySubscriptionID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, stored.Status)
}

func TestService_CancelProviderFailureLeavesRow(t *testing.T) {
	svc, store, provider := newTestService(t, nil)
	seedSubscription(t, store, plans.KeyProMonthly, StatusActive)
	provider.fail["schedule_cancel"] = fmt.Errorf("%w: card declined", ErrProvider)
	provider.fail["cancel"] = fmt.Errorf("%w: timeout", ErrProvider)
	ctx := context.Background()

	before, err := store.GetBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, "user-1", false)
	assert.ErrorIs(t, err, ErrProvider)
	_, err = svc.Cancel(ctx, "user-1", true)
	assert.ErrorIs(t, err, ErrProvider)

	after, err := store.GetBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestService_ActionsKeepConcurrentDeletion(t *testing.T) {
	for _, action := range []string{"cancel", "reactivate"} {
		t.Run(action, func(t *testing.T) {
			mem := NewMemoryStore()
			store := &interleavingStore{MemoryStore: mem}
			svc := NewService(ServiceConfig{}, store, newFakeProvider(), testCatalog(), observability.NopLogger())
			ctx := context.Background()

			seeded := seedSubscription(t, mem, plans.KeyProMonthly, StatusActive)
			if action == "reactivate" {
				_, err := mem.Mutate(ctx, seeded.SubscriptionID, func(cur *Subscription) (*Subscription, error) {
					cur.CancelAtPeriodEnd = true
					return cur, nil
				})
				require.NoError(t, err)
			}

			store.before = func() {
				deleted := ReconcileInput{SubscriptionID: "sub_1", Terminal: true}
				_, _, err := NewReconciler(mem, testCatalog(), nil).Reconcile(ctx, deleted)
				require.NoError(t, err)
			}

			var (
				sub *Subscription
				err error
			)
			if action == "cancel" {
				sub, err = svc.Cancel(ctx, "user-1", false)
			} else {
				sub, err = svc.Reactivate(ctx, "user-1")
			}
			require.NoError(t, err)
			assert.Equal(t, StatusCanceled, sub.Status)

			stored, err := mem.GetBySubscriptionID(ctx, "sub_1")
			require.NoError(t, err)
			assert.Equal(t, StatusCanceled, stored.Status)
		})
	}
}

func TestService_CancelWithoutSubscription(t *testing.T) {
	svc, store, _ := newTestService(t, nil)

	_, err := svc.Cancel(context.Background(), "user-1", false)
	assert.ErrorIs(t, err, ErrNoActiveSubscription)

	seedSubscription(t, store, plans.KeyProMonthly, StatusCanceled)
	_, err = svc.Cancel(context.Background(), "user-1", true)
	assert.ErrorIs(t, err, ErrNoActiveSubscription)
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusCanceled, se.Status)
}

func TestService_Reactivate(t *testing.T) {
	svc, store, provider := newTestService(t, nil)
	seedSubscription(t, store, plans.KeyProMonthly, StatusActive)
	ctx := context.Background()

	_, err := svc.Reactivate(ctx, "user-1")
	require.ErrorIs(t, err, ErrInvalidCancelState)
	assert.Zero(t, provider.callCount("unschedule_cancel"))

	_, err = svc.Cancel(ctx, "user-1", false)
	require.NoError(t, err)

	sub, err := svc.Reactivate(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, 1, provider.callCount("unschedule_cancel"))
}

func TestService_ReactivateWithoutSubscription(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	_, err := svc.Reactivate(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrNoActiveSubscription)
}

func TestService_CurrentSubscription(t *testing.T) {
	svc, store, _ := newTestService(t, nil)

	_, err := svc.CurrentSubscription(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrNotFound)

	seedSubscription(t, store, plans.KeyProMonthly, StatusActive)
	sub, err := svc.CurrentSubscription(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.SubscriptionID)

	assert.Len(t, svc.Plans(), 4)
}
