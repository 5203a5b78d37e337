package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/logoforge/logoforge/pkg/plans"
)

// Status is the local subscription status
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
)

// Valid reports whether s is one of the local statuses
func (s Status) Valid() bool {
	switch s {
	case StatusIncomplete, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// MapProviderStatus maps a provider subscription status onto the local
// status set. Unknown values map to incomplete.
func MapProviderStatus(providerStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active", "trialing":
		return StatusActive
	case "past_due", "unpaid", "paused":
		return StatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCanceled
	default:
		return StatusIncomplete
	}
}

// Subscription is the locally persisted mirror of a provider subscription
type Subscription struct {
	ID                 int64      `json:"-"`
	UserID             string     `json:"user_id"`
	CustomerID         string     `json:"customer_id,omitempty"`
	SubscriptionID     string     `json:"subscription_id"`
	PlanKey            plans.Key  `json:"plan_key"`
	Status             Status     `json:"status"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	MonthlyTokenLimit  int64      `json:"monthly_token_limit"`
	LastEventAt        *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of s
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.LastEventAt = cloneTime(s.LastEventAt)
	return &c
}

// IsCurrent reports whether the subscription still entitles the user
func (s *Subscription) IsCurrent() bool {
	return s.Status == StatusActive || s.Status == StatusPastDue
}

// sameState compares the reconciled fields of two rows, ignoring bookkeeping
// timestamps
func sameState(a, b *Subscription) bool {
	return a.UserID == b.UserID &&
		a.CustomerID == b.CustomerID &&
		a.SubscriptionID == b.SubscriptionID &&
		a.PlanKey == b.PlanKey &&
		a.Status == b.Status &&
		a.CancelAtPeriodEnd == b.CancelAtPeriodEnd &&
		a.MonthlyTokenLimit == b.MonthlyTokenLimit &&
		timeEqual(a.CurrentPeriodStart, b.CurrentPeriodStart) &&
		timeEqual(a.CurrentPeriodEnd, b.CurrentPeriodEnd) &&
		timeEqual(a.CanceledAt, b.CanceledAt) &&
		timeEqual(a.LastEventAt, b.LastEventAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// ReconcileInput is the provider's view of one subscription
type ReconcileInput struct {
	UserID         string
	CustomerID     string
	SubscriptionID string
	PriceID        string
	ProviderStatus string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	// CancelAtPeriodEnd is nil when the source does not carry the flag; the
	// stored value is kept in that case
	CancelAtPeriodEnd *bool
	// PlanHint is used when PriceID does not map to a plan
	PlanHint plans.Key
	// EventAt is the provider event time; zero disables fencing
	EventAt time.Time
	// Derived marks input built from another resource, such as a checkout
	// session. It is fenced by EventAt but never moves LastEventAt, which
	// only subscription events advance.
	Derived bool
	// Terminal marks a deletion and forces the canceled status
	Terminal bool
}

// ReconcileOutcome describes what a reconcile did to the stored row
type ReconcileOutcome string

const (
	OutcomeCreated         ReconcileOutcome = "created"
	OutcomeUpdated         ReconcileOutcome = "updated"
	OutcomeUnchanged       ReconcileOutcome = "unchanged"
	OutcomeIgnoredTerminal ReconcileOutcome = "ignored_terminal"
	OutcomeIgnoredStale    ReconcileOutcome = "ignored_stale"
)

// Provider webhook event types handled by the processor
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// Event is a decoded provider webhook event. Object holds data.object as a
// generic map so that shape changes across API versions do not break decoding.
type Event struct {
	ID         string
	Type       string
	Created    time.Time
	Object     map[string]any
	ReceivedAt time.Time
}

type rawEvent struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Created json.Number `json:"created"`
	Data    struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a provider event payload
func ParseEvent(payload []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw rawEvent
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	if raw.Data.Object == nil {
		return nil, fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}

	ev := &Event{
		ID:         raw.ID,
		Type:       raw.Type,
		Object:     raw.Data.Object,
		ReceivedAt: time.Now().UTC(),
	}
	if raw.Created != "" {
		secs, err := raw.Created.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: created: %v", ErrMalformedEvent, err)
		}
		if secs > 0 {
			ev.Created = time.Unix(secs, 0).UTC()
		}
	}
	return ev, nil
}
