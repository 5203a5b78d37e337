package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/logoforge/logoforge/pkg/contextkeys"
	"github.com/logoforge/logoforge/pkg/httputil"
	"github.com/logoforge/logoforge/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate (local limiter only)
	BurstSize int
}

// DefaultRateLimitConfig returns default rate limit settings
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 60,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

func (c *RateLimitConfig) withDefaults() *RateLimitConfig {
	def := DefaultRateLimitConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.RequestsPerWindow <= 0 {
		out.RequestsPerWindow = def.RequestsPerWindow
	}
	if out.WindowDuration <= 0 {
		out.WindowDuration = def.WindowDuration
	}
	if out.BurstSize < 0 {
		out.BurstSize = 0
	}
	return &out
}

// Decision is the result of a single limiter check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Name() string
}

// LocalRateLimiter keeps per-key token buckets in process
type LocalRateLimiter struct {
	config  *RateLimitConfig
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	now     func() time.Time
}

// maxLocalBuckets bounds memory held by idle keys
const maxLocalBuckets = 100_000

// NewLocalRateLimiter creates a new in-memory rate limiter
func NewLocalRateLimiter(config *RateLimitConfig) *LocalRateLimiter {
	config = config.withDefaults()
	return &LocalRateLimiter{
		config:  config,
		buckets: expirable.NewLRU[string, *rate.Limiter](maxLocalBuckets, nil, config.WindowDuration*2),
		now:     time.Now,
	}
}

// Name identifies the limiter in metrics
func (l *LocalRateLimiter) Name() string { return "local" }

// Allow takes one token from the key's bucket
func (l *LocalRateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	bucket, ok := l.buckets.Get(key)
	if !ok {
		every := l.config.WindowDuration / time.Duration(l.config.RequestsPerWindow)
		bucket = rate.NewLimiter(rate.Every(every), l.config.RequestsPerWindow+l.config.BurstSize)
	}
	// re-adding refreshes the idle expiry
	l.buckets.Add(key, bucket)
	l.mu.Unlock()

	now := l.now()
	d := Decision{Limit: l.config.RequestsPerWindow}
	if bucket.AllowN(now, 1) {
		d.Allowed = true
		d.Remaining = int(math.Max(0, math.Floor(bucket.TokensAt(now))))
		return d, nil
	}

	d.RetryAfter = time.Duration((1 - bucket.TokensAt(now)) / float64(bucket.Limit()) * float64(time.Second))
	if d.RetryAfter < time.Second {
		d.RetryAfter = time.Second
	}
	return d, nil
}

// RateLimit wraps handlers with per-user limiting
func RateLimit(limiter Limiter, logger *observability.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := rateLimitKey(r)

			d, err := limiter.Allow(ctx, key)
			if err != nil {
				// fail open
				observability.FromContext(ctx).WithError(err).WithField("limiter", limiter.Name()).
					Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				if metrics != nil {
					metrics.RateLimitRejectionsTotal.WithLabelValues(limiter.Name()).Inc()
				}
				retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(d.RetryAfter).Unix()))
				httputil.WriteDetailedError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded",
					map[string]interface{}{"retry_after": retryAfter})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if userID := contextkeys.GetUserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + getClientIP(r)
}

func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (if behind proxy)
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
