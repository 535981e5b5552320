package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/auth"
)

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         5,
	}

	e := echo.New()
	mw := RateLimit(cfg)
	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// Send 5 requests (within burst size), all should pass
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := handler(c)
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}

		// Verify X-RateLimit-Limit header is set
		limitHeader := rec.Header().Get("X-RateLimit-Limit")
		if limitHeader != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, limitHeader)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
	}

	e := echo.New()
	mw := RateLimit(cfg)
	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// First 2 requests should pass (burst size = 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		err := handler(c)
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	// Third request should be rate limited
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := handler(c)

	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	if body, ok := httpErr.Message.(ErrorBody); !ok || body.Error != "rate_limited" {
		t.Errorf("unexpected error body: %#v", httpErr.Message)
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}

	e := echo.New()
	mw := RateLimit(cfg)
	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// First request passes
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	_ = handler(c)

	// Second request should be rate limited and include Retry-After
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	err := handler(c)

	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Error("expected Retry-After header to be set")
	}

	retryVal, parseErr := strconv.Atoi(retryAfter)
	if parseErr != nil {
		t.Fatalf("Retry-After header is not a valid integer: %q", retryAfter)
	}
	if retryVal < 1 {
		t.Errorf("expected Retry-After >= 1, got %d", retryVal)
	}

	// Check X-RateLimit-Remaining is "0" for rate-limited requests
	remaining := rec.Header().Get("X-RateLimit-Remaining")
	if remaining != "0" {
		t.Errorf("expected X-RateLimit-Remaining '0', got %q", remaining)
	}
}

func withActor(c echo.Context, actor string) {
	ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, actor)
	c.SetRequest(c.Request().WithContext(ctx))
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}

	e := echo.New()
	mw := RateLimit(cfg)
	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// First request from actor a - should pass
	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec1 := httptest.NewRecorder()
	c1 := e.NewContext(req1, rec1)
	withActor(c1, "actor-a")
	err := handler(c1)
	if err != nil {
		t.Fatalf("actor-a first request: expected no error, got %v", err)
	}

	// Second request from actor a - should be rate limited
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec2 := httptest.NewRecorder()
	c2 := e.NewContext(req2, rec2)
	withActor(c2, "actor-a")
	err = handler(c2)
	if err == nil {
		t.Fatal("actor-a second request: expected rate limit error")
	}

	// Actor b shares the IP but has its own bucket
	req3 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec3 := httptest.NewRecorder()
	c3 := e.NewContext(req3, rec3)
	withActor(c3, "actor-b")
	err = handler(c3)
	if err != nil {
		t.Fatalf("actor-b first request: expected no error, got %v", err)
	}

	// Anonymous request from the same IP uses the IP bucket
	req4 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec4 := httptest.NewRecorder()
	err = handler(e.NewContext(req4, rec4))
	if err != nil {
		t.Fatalf("anonymous first request: expected no error, got %v", err)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 20 {
		t.Errorf("expected RequestsPerSecond 20, got %f", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 40 {
		t.Errorf("expected BurstSize 40, got %d", cfg.BurstSize)
	}
}

func TestTokenBucket_RetryAfterWithZeroRate(t *testing.T) {
	now := time.Now()
	b := newTokenBucket(0, 1, now)
	if ok, _ := b.take(now); !ok {
		t.Fatal("expected the first token to be available")
	}
	if ok, ra := b.take(now.Add(time.Hour)); ok || ra != 1 {
		t.Errorf("expected refusal with retryAfter 1 for zero rate, got ok=%v ra=%d", ok, ra)
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	now := time.Now()
	b := newTokenBucket(2, 1, now)
	b.take(now)
	if ok, ra := b.take(now); ok || ra != 1 {
		t.Fatalf("expected refusal with retryAfter 1, got ok=%v ra=%d", ok, ra)
	}
	if ok, _ := b.take(now.Add(time.Second)); !ok {
		t.Error("expected a token after one second at 2 rps")
	}
}

func TestBucketStore_EvictsIdleBuckets(t *testing.T) {
	clock := time.Now()
	store := newBucketStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	store.now = func() time.Time { return clock }

	for i := 0; i < 100; i++ {
		store.take("ip:10.0.0." + strconv.Itoa(i))
	}
	if store.len() != 100 {
		t.Fatalf("expected 100 buckets, got %d", store.len())
	}

	clock = clock.Add(30 * time.Second)
	store.take("actor:busy")
	clock = clock.Add(45 * time.Second)
	store.take("actor:busy")

	if store.len() != 1 {
		t.Errorf("expected only the recently used bucket to survive, got %d", store.len())
	}
}

func TestBucketStore_EvictionKeepsDecisions(t *testing.T) {
	clock := time.Now()
	store := newBucketStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	store.now = func() time.Time { return clock }

	store.take("actor:a")
	store.take("actor:a")
	if ok, _ := store.take("actor:a"); ok {
		t.Fatal("expected the drained bucket to refuse")
	}
	if store.idleTTL != time.Minute {
		t.Fatalf("expected default idle ttl of one minute, got %s", store.idleTTL)
	}

	clock = clock.Add(2 * time.Minute)
	if ok, _ := store.take("actor:a"); !ok {
		t.Error("expected a fresh bucket after eviction")
	}
	if store.len() != 1 {
		t.Errorf("expected 1 bucket, got %d", store.len())
	}
}

func TestRateLimitConfig_IdleTTLCoversRefill(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 100}
	if got := cfg.idleTTL(); got != 200*time.Second {
		t.Errorf("expected 200s, got %s", got)
	}
}
