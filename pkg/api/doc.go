// Package api exposes the billing and credit operations over HTTP.
//
// # Routes
//
// Public:
//
//	POST /v1/billing/webhook     payment provider events (signature verified)
//	GET  /v1/billing/plans       plan catalog
//
// Authenticated:
//
//	POST /v1/billing/checkout    start a checkout or upgrade in place
//	GET  /v1/billing/subscription
//	POST /v1/billing/cancel      {"immediate": bool}
//	POST /v1/billing/reactivate
//	POST /v1/credits/deduct      {"operation": "generation"|"improvement"}
//	GET  /v1/credits
//	GET  /v1/credits/usage?limit=N
//
// Errors are JSON bodies of the form {"error": "...", "code": "...", "details": {...}}.
// Checkout and deduction are rate limited per user when a limiter is configured.
//
//	server := api.NewServer(api.Options{...})
//	http.ListenAndServe(":8080", server.Handler())
package api
