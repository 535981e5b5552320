package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an unused bucket is kept. Zero means the time a
	// drained bucket needs to refill, but no less than a minute.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
	}
}

func (c RateLimitConfig) idleTTL() time.Duration {
	if c.IdleTTL > 0 {
		return c.IdleTTL
	}
	ttl := time.Minute
	if c.RequestsPerSecond > 0 {
		if refill := time.Duration(float64(c.BurstSize) / c.RequestsPerSecond * float64(time.Second)); refill > ttl {
			ttl = refill
		}
	}
	return ttl
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastSeen   time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastSeen:   now,
	}
}

// take spends one token. When none is left it reports how many seconds
// the caller should wait.
func (b *tokenBucket) take(now time.Time) (ok bool, retryAfter int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastSeen).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/b.refillRate) + 1
}

func (b *tokenBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastSeen)
}

// bucketStore keeps one bucket per caller key. Buckets unused for idleTTL
// are full again, so dropping them changes no decision.
type bucketStore struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	cfg       RateLimitConfig
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newBucketStore(cfg RateLimitConfig) *bucketStore {
	return &bucketStore{
		buckets:   make(map[string]*tokenBucket),
		cfg:       cfg,
		idleTTL:   cfg.idleTTL(),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (s *bucketStore) take(key string) (bool, int) {
	now := s.now()

	s.mu.Lock()
	if now.Sub(s.lastSweep) >= s.idleTTL {
		for k, b := range s.buckets {
			if b.idleSince(now) >= s.idleTTL {
				delete(s.buckets, k)
			}
		}
		s.lastSweep = now
	}
	b, ok := s.buckets[key]
	if !ok {
		b = newTokenBucket(s.cfg.RequestsPerSecond, s.cfg.BurstSize, now)
		s.buckets[key] = b
	}
	s.mu.Unlock()

	return b.take(now)
}

func (s *bucketStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RateLimit returns a rate limiting middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, newBucketStore(cfg))
}

func rateLimit(cfg RateLimitConfig, store *bucketStore) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Authenticated callers get their own bucket; anonymous ones
			// (webhooks, health) share one per IP.
			key := "ip:" + c.RealIP()
			if actor := auth.UserIDFromContext(c.Request().Context()); actor != "" {
				key = "actor:" + actor
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			if ok, retryAfter := store.take(key); !ok {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return NewHTTPError(http.StatusTooManyRequests, "rate_limited", "Слишком много запросов. Попробуйте через несколько секунд.")
			}
			return next(c)
		}
	}
}
