package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/logoforge/logoforge/pkg/period"
	"github.com/logoforge/logoforge/pkg/plans"
)

// Metadata keys written on checkout sessions and subscriptions
const (
	MetadataUserID  = "user_id"
	MetadataPlanKey = "plan_key"
)

// Provider objects are read as generic maps. Expandable references may be
// either an id string or an object carrying "id".

func lookup(obj map[string]any, path ...string) (any, bool) {
	var cur any = obj
	for _, key := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

func stringAt(obj map[string]any, path ...string) string {
	v, ok := lookup(obj, path...)
	if !ok {
		return ""
	}
	return refID(v)
}

// refID returns the id of an expandable reference
func refID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if id, ok := t["id"].(string); ok {
			return id
		}
	}
	return ""
}

func boolAt(obj map[string]any, path ...string) *bool {
	v, ok := lookup(obj, path...)
	if !ok {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}

func metadataOf(obj map[string]any) map[string]string {
	out := make(map[string]string)
	raw, ok := obj["metadata"].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: empty object", ErrMalformedEvent)
	}
	return obj, nil
}

// subscriptionObject is the subset of a provider subscription the
// reconciler needs
type subscriptionObject struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	ItemID            string
	CancelAtPeriodEnd *bool
	Period            period.Period
	UserID            string
	PlanHint          plans.Key
}

func parseSubscription(obj map[string]any) (*subscriptionObject, error) {
	sub := &subscriptionObject{
		ID:                stringAt(obj, "id"),
		CustomerID:        stringAt(obj, "customer"),
		Status:            stringAt(obj, "status"),
		PriceID:           stringAt(obj, "items", "data", "0", "price", "id"),
		ItemID:            stringAt(obj, "items", "data", "0", "id"),
		CancelAtPeriodEnd: boolAt(obj, "cancel_at_period_end"),
		Period:            period.Normalize(obj),
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", ErrMalformedEvent)
	}
	if sub.PriceID == "" {
		sub.PriceID = stringAt(obj, "plan", "id")
	}
	md := metadataOf(obj)
	sub.UserID = md[MetadataUserID]
	sub.PlanHint = plans.Key(md[MetadataPlanKey])
	return sub, nil
}

func (s *subscriptionObject) input(userID string, eventAt time.Time, terminal bool) ReconcileInput {
	return ReconcileInput{
		UserID:            userID,
		CustomerID:        s.CustomerID,
		SubscriptionID:    s.ID,
		PriceID:           s.PriceID,
		ProviderStatus:    s.Status,
		PeriodStart:       s.Period.Start,
		PeriodEnd:         s.Period.End,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		PlanHint:          s.PlanHint,
		EventAt:           eventAt,
		Terminal:          terminal,
	}
}

type checkoutObject struct {
	ID                string
	Mode              string
	PaymentStatus     string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Email             string
	UserID            string
	PlanKey           plans.Key
}

func parseCheckoutSession(obj map[string]any) (*checkoutObject, error) {
	cs := &checkoutObject{
		ID:                stringAt(obj, "id"),
		Mode:              stringAt(obj, "mode"),
		PaymentStatus:     stringAt(obj, "payment_status"),
		CustomerID:        stringAt(obj, "customer"),
		SubscriptionID:    stringAt(obj, "subscription"),
		ClientReferenceID: stringAt(obj, "client_reference_id"),
		Email:             stringAt(obj, "customer_details", "email"),
	}
	if cs.ID == "" {
		return nil, fmt.Errorf("%w: checkout session without id", ErrMalformedEvent)
	}
	md := metadataOf(obj)
	cs.UserID = md[MetadataUserID]
	cs.PlanKey = plans.Key(md[MetadataPlanKey])
	return cs, nil
}

// paid reports whether the session collected payment or needed none
func (c *checkoutObject) paid() bool {
	return c.PaymentStatus == "paid" || c.PaymentStatus == "no_payment_required"
}

type invoiceObject struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	PriceID        string
	BillingReason  string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
}

func parseInvoice(obj map[string]any) (*invoiceObject, error) {
	inv := &invoiceObject{
		ID:             stringAt(obj, "id"),
		CustomerID:     stringAt(obj, "customer"),
		SubscriptionID: stringAt(obj, "subscription"),
		BillingReason:  stringAt(obj, "billing_reason"),
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("%w: invoice without id", ErrMalformedEvent)
	}
	if inv.SubscriptionID == "" {
		inv.SubscriptionID = stringAt(obj, "parent", "subscription_details", "subscription")
	}

	inv.PriceID = stringAt(obj, "lines", "data", "0", "price", "id")
	if inv.PriceID == "" {
		inv.PriceID = stringAt(obj, "lines", "data", "0", "pricing", "price_details", "price")
	}

	if v, ok := lookup(obj, "lines", "data", "0", "period", "start"); ok {
		inv.PeriodStart = period.ParseTimestamp(v)
	}
	if v, ok := lookup(obj, "lines", "data", "0", "period", "end"); ok {
		inv.PeriodEnd = period.ParseTimestamp(v)
	}
	if inv.PeriodStart == nil {
		if v, ok := lookup(obj, "period_start"); ok {
			inv.PeriodStart = period.ParseTimestamp(v)
		}
	}
	if inv.PeriodEnd == nil {
		if v, ok := lookup(obj, "period_end"); ok {
			inv.PeriodEnd = period.ParseTimestamp(v)
		}
	}
	return inv, nil
}
