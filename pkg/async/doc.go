// Package async provides panic-safe goroutine helpers for background work.
//
// SafeGo launches a single task with recovery and logging. Batch fans a slice
// of items out to a bounded set of workers and collects their errors; the
// subscription sweeper uses it to re-sync subscriptions with the payment
// provider.
package async
