// Package middleware provides HTTP middleware for authentication and rate limiting.
//
// # Authentication
//
// AuthMiddleware resolves the caller through an auth.UserResolver and stores
// the identity and user id on the request context:
//
//	router.Use(middleware.NewAuthMiddleware(resolver, logger).Handler)
//	identity := middleware.GetIdentity(r.Context())
//
// # Rate limiting
//
// Two Limiter implementations share one HTTP wrapper:
//
//	limiter := middleware.NewLocalRateLimiter(cfg)                       // single instance
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "") // shared via Redis
//	router.Use(middleware.RateLimit(limiter, logger, metrics))
//
// Requests are keyed by authenticated user, falling back to the client IP.
// The Redis limiter uses fixed windows and fails open when Redis is unreachable.
package middleware
