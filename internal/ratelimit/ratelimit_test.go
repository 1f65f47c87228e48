package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestLimiter(perMinute, burst int) (*Limiter, *time.Time) {
	l := New(Config{RequestsPerMinute: perMinute, BurstSize: burst, CleanupInterval: time.Hour})
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAllow(t *testing.T) {
	limiter, now := newTestLimiter(60, 5)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("user:alice") {
			t.Errorf("request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("user:alice") {
		t.Error("request after burst should be denied")
	}

	// 60/min refills one token per second
	*now = now.Add(time.Second)
	if !limiter.Allow("user:alice") {
		t.Error("request after refill should be allowed")
	}
	if limiter.Allow("user:alice") {
		t.Error("only one token should have been refilled")
	}
}

func TestLimiterSeparatesKeys(t *testing.T) {
	limiter, _ := newTestLimiter(60, 3)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("user:alice")
	}
	if limiter.Allow("user:alice") {
		t.Error("alice should be limited")
	}
	if !limiter.Allow("user:bob") {
		t.Error("bob should have his own bucket")
	}
}

func TestLimiterRefillIsCapped(t *testing.T) {
	limiter, now := newTestLimiter(60, 2)
	defer limiter.Stop()

	limiter.Allow("k")
	limiter.Allow("k")
	*now = now.Add(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d after long idle, want burst of 2", allowed)
	}
}

func TestLimiterSweep(t *testing.T) {
	limiter, now := newTestLimiter(60, 2)
	defer limiter.Stop()

	limiter.Allow("old")
	*now = now.Add(5 * time.Minute)
	limiter.Allow("fresh")

	if n := limiter.Sweep(2 * time.Minute); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	limiter.Stop() // idempotent
}

func TestMiddlewareKeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(60, 1)
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware(nil))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if user != "" {
			req.Header.Set(UserHeader, user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do("alice"); code != http.StatusOK {
		t.Fatalf("first alice request: %d", code)
	}
	if code := do("alice"); code != http.StatusTooManyRequests {
		t.Errorf("second alice request: %d, want 429", code)
	}
	if code := do("bob"); code != http.StatusOK {
		t.Errorf("bob request: %d", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 || cfg.BurstSize <= 0 || cfg.CleanupInterval <= 0 {
		t.Errorf("invalid defaults: %+v", cfg)
	}
}
