package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/logoforge/logoforge/pkg/plans"
)

var (
	testPrices = map[plans.Key]string{
		plans.KeyStarter:    "price_starter",
		plans.KeyProMonthly: "price_pro_monthly",
		plans.KeyProYearly:  "price_pro_yearly",
	}

	periodStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
)

func testCatalog() *plans.Catalog {
	return plans.DefaultCatalog(testPrices)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func boolPtr(b bool) *bool {
	return &b
}

// fakeProvider records calls and fails the operations listed in fail
type fakeProvider struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	customers int
	checkouts []CheckoutRequest
	subs      map[string]map[string]any
	events    map[string][]byte
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		fail:   make(map[string]error),
		subs:   make(map[string]map[string]any),
		events: make(map[string][]byte),
	}
}

func (f *fakeProvider) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if err, ok := f.fail[op]; ok {
		return err
	}
	return nil
}

func (f *fakeProvider) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	if err := f.record("create_customer"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers++
	return "cus_" + userID, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if err := f.record("create_checkout_session"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	return &CheckoutSession{ID: "cs_test", URL: "https://checkout.example/cs_test"}, nil
}

func (f *fakeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	if cancel {
		return f.record("schedule_cancel")
	}
	return f.record("unschedule_cancel")
}

func (f *fakeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return f.record("cancel")
}

func (f *fakeProvider) ChangePrice(ctx context.Context, subscriptionID, priceID string) error {
	return f.record("change_price")
}

func (f *fakeProvider) GetSubscription(ctx context.Context, subscriptionID string) (map[string]any, error) {
	if err := f.record("get_subscription"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.subs[subscriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	return obj, nil
}

func (f *fakeProvider) GetEvent(ctx context.Context, eventID string) ([]byte, error) {
	if err := f.record("get_event"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

var errStoreDown = errors.New("connection refused")

// failingStore wraps a MemoryStore and fails the named operations
type failingStore struct {
	*MemoryStore
	fail map[string]bool
}

func newFailingStore(ops ...string) *failingStore {
	fs := &failingStore{MemoryStore: NewMemoryStore(), fail: make(map[string]bool)}
	for _, op := range ops {
		fs.fail[op] = true
	}
	return fs
}


func (s *failingStore) Insert(ctx context.Context, sub *Subscription) error {
	if s.fail["insert"] {
		return errStoreDown
	}
	return s.MemoryStore.Insert(ctx, sub)
}

func (s *failingStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Subscription, error) {
	if s.fail["mutate"] {
		return nil, errStoreDown
	}
	return s.MemoryStore.Mutate(ctx, id, fn)
}

func (s *failingStore) UserForCustomer(ctx context.Context, customerID string) (string, error) {
	if s.fail["owner"] {
		return "", errStoreDown
	}
	return s.MemoryStore.UserForCustomer(ctx, customerID)
}

// interleavingStore runs before once, ahead of the next Mutate, as another
// writer of the same row would
type interleavingStore struct {
	*MemoryStore
	before func()
}

func (s *interleavingStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Subscription, error) {
	if before := s.before; before != nil {
		s.before = nil
		before()
	}
	return s.MemoryStore.Mutate(ctx, id, fn)
}
