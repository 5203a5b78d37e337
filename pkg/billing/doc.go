// Package billing keeps the local subscription table consistent with the
// payment provider.
//
// # State
//
// Reconciler is the single path that mirrors provider state into the
// Subscription row. It is an idempotent upsert keyed by the provider
// subscription id:
//
//   - applying the same input twice writes once
//   - a canceled row stays canceled
//   - unknown period bounds or cancel flags never overwrite stored values
//   - events older than the last applied one are skipped
//
// # Ingress
//
// WebhookProcessor verifies the signature over the raw payload, decodes the
// event and routes it:
//
//	outcome, err := processor.Process(ctx, body, r.Header.Get("Stripe-Signature"))
//	switch {
//	case errors.Is(err, billing.ErrSignatureInvalid):
//		// 400
//	case err != nil:
//		// 500, the provider redelivers
//	}
//
// invoice.paid resets the credit balance to the plan allotment and a paid
// one-time checkout tops it up. Both grants are keyed by the provider object
// id so redeliveries apply them once.
//
// # User actions
//
// Service creates checkout sessions and cancels or reactivates the current
// subscription. The provider is called first; the webhook that follows
// converges the row if the local write is lost.
//
// # Repair
//
// Sweeper re-reads past-due, incomplete and expired rows from the provider
// for deployments where webhook deliveries can be lost.
package billing
