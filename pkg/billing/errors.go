package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrSignatureInvalid is returned when a webhook payload fails verification
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrMalformedEvent is returned for payloads that verify but cannot be decoded
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrUnresolvableOwner means no user could be attributed to a provider object
	ErrUnresolvableOwner = errors.New("subscription owner cannot be resolved")

	ErrUnknownPlan         = errors.New("unknown plan")
	ErrPlanNotConfigured   = errors.New("plan has no provider price configured")
	ErrDowngradeNotAllowed = errors.New("downgrade is not allowed")
	ErrAlreadySubscribed   = errors.New("already subscribed to this plan")

	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrInvalidCancelState   = errors.New("subscription is not in a state that allows this action")

	// ErrProvider wraps failures of the payment provider API
	ErrProvider = errors.New("payment provider error")
	// ErrNotFound is returned by stores and providers for missing objects
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSubscription is returned by Store.Insert when the
	// subscription id already exists
	ErrDuplicateSubscription = errors.New("subscription already exists")
	// ErrTransientPersistence matches every *PersistenceError
	ErrTransientPersistence = errors.New("transient persistence failure")
)

// PersistenceError wraps a store failure. The operation can be retried, so
// webhook deliveries that hit it are answered with a 5xx.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransientPersistence) true for any PersistenceError
func (e *PersistenceError) Is(target error) bool {
	return target == ErrTransientPersistence
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// StateError rejects a user action and carries the state it was rejected in
type StateError struct {
	Err               error
	Status            Status
	CancelAtPeriodEnd bool
}

func (e *StateError) Error() string {
	if e.Status == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (status=%s, cancel_at_period_end=%t)", e.Err, e.Status, e.CancelAtPeriodEnd)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

func stateErr(err error, sub *Subscription) error {
	se := &StateError{Err: err}
	if sub != nil {
		se.Status = sub.Status
		se.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	}
	return se
}

func providerErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProvider, op, err)
}
