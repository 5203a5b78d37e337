package billing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MutateFunc computes the next state of a row from its current one. A nil
// result leaves the row as it is.
type MutateFunc func(current *Subscription) (*Subscription, error)

// Store persists subscription rows and the user to customer mapping. Rows
// are never deleted.
type Store interface {
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error)
	// GetCurrentForUser returns the most recently updated non-canceled row,
	// falling back to the most recently updated row of any status
	GetCurrentForUser(ctx context.Context, userID string) (*Subscription, error)
	// Insert returns ErrDuplicateSubscription when the subscription id exists
	Insert(ctx context.Context, sub *Subscription) error
	// Mutate holds the row for subscriptionID exclusively while fn runs and
	// persists its result. It returns the stored row, or ErrNotFound.
	Mutate(ctx context.Context, subscriptionID string, fn MutateFunc) (*Subscription, error)
	// ListForResync returns non-canceled rows whose period ended before now
	// or whose status is past_due or incomplete
	ListForResync(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)

	GetCustomer(ctx context.Context, userID string) (string, error)
	SaveCustomer(ctx context.Context, userID, customerID, email string) error
	UserForCustomer(ctx context.Context, customerID string) (string, error)
}

// MemoryStore is an in-process Store for tests and single-node development
type MemoryStore struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	customers map[string]string
	owners    map[string]string
	nextID    int64
	now       func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:      make(map[string]*Subscription),
		customers: make(map[string]string),
		owners:    make(map[string]string),
		now:       time.Now,
	}
}

func (s *MemoryStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[subscriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) GetCurrentForUser(ctx context.Context, userID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Subscription
	for _, sub := range s.subs {
		if sub.UserID != userID {
			continue
		}
		if best == nil || preferCurrent(sub, best) {
			best = sub
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

// preferCurrent reports whether a ranks ahead of b for GetCurrentForUser
func preferCurrent(a, b *Subscription) bool {
	aLive, bLive := a.Status != StatusCanceled, b.Status != StatusCanceled
	if aLive != bLive {
		return aLive
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

func (s *MemoryStore) Insert(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[sub.SubscriptionID]; exists {
		return ErrDuplicateSubscription
	}

	s.nextID++
	now := s.now().UTC()
	sub.ID = s.nextID
	sub.CreatedAt = now
	sub.UpdatedAt = now
	s.subs[sub.SubscriptionID] = sub.Clone()
	return nil
}

// Mutate runs fn under the store lock; fn must not call back into the store
func (s *MemoryStore) Mutate(ctx context.Context, subscriptionID string, fn MutateFunc) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subs[subscriptionID]
	if !ok {
		return nil, ErrNotFound
	}

	next, err := fn(existing.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return existing.Clone(), nil
	}

	next = next.Clone()
	next.ID = existing.ID
	next.SubscriptionID = existing.SubscriptionID
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = s.now().UTC()
	s.subs[subscriptionID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListForResync(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, sub := range s.subs {
		if needsResync(sub, now) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func needsResync(sub *Subscription, now time.Time) bool {
	switch sub.Status {
	case StatusCanceled:
		return false
	case StatusPastDue, StatusIncomplete:
		return true
	}
	return sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(now)
}

func (s *MemoryStore) GetCustomer(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customerID, ok := s.customers[userID]
	if !ok {
		return "", ErrNotFound
	}
	return customerID, nil
}

func (s *MemoryStore) SaveCustomer(ctx context.Context, userID, customerID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.customers[userID]; ok && prev != customerID {
		delete(s.owners, prev)
	}
	s.customers[userID] = customerID
	s.owners[customerID] = userID
	return nil
}

func (s *MemoryStore) UserForCustomer(ctx context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.owners[customerID]
	if !ok {
		return "", ErrNotFound
	}
	return userID, nil
}
