package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter(2, time.Minute, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil || !decision.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v (%v)", i+1, decision, err)
		}
	}
	if decision, _ := limiter.Allow(ctx, "10.0.0.1"); decision.Allowed {
		t.Fatalf("expected third request to be limited")
	}
	if decision, _ := limiter.Allow(ctx, "10.0.0.2"); !decision.Allowed {
		t.Fatalf("expected separate key to be allowed")
	}

	now = now.Add(time.Minute)
	decision, _ := limiter.Allow(ctx, "10.0.0.1")
	if !decision.Allowed || decision.Remaining != 1 {
		t.Fatalf("expected window reset, got %+v", decision)
	}
}

func TestNewMemoryRateLimiterDisabled(t *testing.T) {
	if NewMemoryRateLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("expected nil limiter for zero limit")
	}
}

func TestRedisRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRedisRateLimiter(client, 2, 15*time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil || !decision.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v (%v)", i+1, decision, err)
		}
	}
	decision, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected third request to be limited")
	}
	if ttl := mr.TTL("rate_limit:10.0.0.1"); ttl <= 0 || ttl > 15*time.Minute {
		t.Fatalf("expected window ttl, got %s", ttl)
	}

	mr.FastForward(15 * time.Minute)
	if decision, _ := limiter.Allow(ctx, "10.0.0.1"); !decision.Allowed {
		t.Fatalf("expected window to reset after expiry")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (RateDecision, error) {
	return RateDecision{}, errors.New("redis down")
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewMemoryRateLimiter(1, time.Minute, nil)
	handler := RateLimitMiddleware(limiter, 1)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected first request through, got %d", rr.Code)
	}
	if rr.Header().Get("RateLimit-Limit") != "1" {
		t.Fatalf("expected RateLimit-Limit header, got %q", rr.Header().Get("RateLimit-Limit"))
	}

	req.RemoteAddr = "192.0.2.10:6666"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for same ip, got %d", rr.Code)
	}
	if env := decodeEnvelope(t, rr); env.Error.Code != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %s", env.Error.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRateLimitMiddlewareFailsOpen(t *testing.T) {
	handler := RateLimitMiddleware(failingLimiter{}, 1)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected request through when limiter fails, got %d", rr.Code)
	}
}
