package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bikeshop/order-service/internal/platform/httpx"
	"github.com/bikeshop/order-service/internal/platform/requestctx"
)

const rateLimitKeyPrefix = "rate_limit:"

// RateLimiter decides whether the caller identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}

// RateDecision reports the outcome of one Allow call.
type RateDecision struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

type memoryRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]rateEntry
}

type rateEntry struct {
	count int
	reset time.Time
}

// NewMemoryRateLimiter returns a fixed-window limiter held in process memory.
// It returns nil when limit or window is not positive, which disables limiting.
func NewMemoryRateLimiter(limit int, window time.Duration, clock func() time.Time) RateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &memoryRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]rateEntry),
	}
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string) (RateDecision, error) {
	key = normaliseRateKey(key)
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || !now.Before(entry.reset) {
		entry = rateEntry{count: 1, reset: now.Add(l.window)}
		l.store[key] = entry
		l.pruneExpiredLocked(now)
		return RateDecision{Allowed: true, Remaining: l.limit - 1, Reset: entry.reset}, nil
	}

	if entry.count >= l.limit {
		return RateDecision{Allowed: false, Reset: entry.reset}, nil
	}
	entry.count++
	l.store[key] = entry
	return RateDecision{Allowed: true, Remaining: l.limit - entry.count, Reset: entry.reset}, nil
}

func (l *memoryRateLimiter) pruneExpiredLocked(now time.Time) {
	for key, entry := range l.store {
		if !now.Before(entry.reset) {
			delete(l.store, key)
		}
	}
}

type redisRateLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	clock  func() time.Time
}

// NewRedisRateLimiter returns a fixed-window limiter shared by every replica through Redis.
func NewRedisRateLimiter(client redis.UniversalClient, limit int, window time.Duration) RateLimiter {
	if client == nil || limit <= 0 || window <= 0 {
		return nil
	}
	return &redisRateLimiter{client: client, limit: limit, window: window, clock: time.Now}
}

func (l *redisRateLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	redisKey := rateLimitKeyPrefix + normaliseRateKey(key)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return RateDecision{}, err
	}

	current := incr.Val()
	remaining := ttl.Val()
	if current == 1 || remaining < 0 {
		if err := l.client.PExpire(ctx, redisKey, l.window).Err(); err != nil {
			return RateDecision{}, err
		}
		remaining = l.window
	}

	decision := RateDecision{
		Allowed: current <= int64(l.limit),
		Reset:   l.clock().Add(remaining),
	}
	if decision.Allowed {
		decision.Remaining = l.limit - int(current)
	}
	return decision, nil
}

// RateLimitMiddleware throttles requests per client IP. Limiter failures let the request through.
func RateLimitMiddleware(limiter RateLimiter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			decision, err := limiter.Allow(ctx, clientIP(r))
			if err != nil {
				requestctx.Logger(ctx).Warn("rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Set("RateLimit-Limit", strconv.Itoa(limit))
			header.Set("RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
			resetIn := int(time.Until(decision.Reset).Round(time.Second) / time.Second)
			header.Set("RateLimit-Reset", strconv.Itoa(max(resetIn, 0)))

			if !decision.Allowed {
				header.Set("Retry-After", strconv.Itoa(max(resetIn, 1)))
				httpx.WriteError(ctx, w, httpx.NewError("RATE_LIMITED", "Too many requests, please try again later.", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func normaliseRateKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "anonymous"
	}
	return key
}
