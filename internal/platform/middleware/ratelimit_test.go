package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func requestFrom(ip string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/rx-order-qr-code/x", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})
	h := mw(okHandler)

	for i := 0; i < 3; i++ {
		c, rec := requestFrom("10.0.0.1")
		if err := h(c); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("expected X-RateLimit-Limit 1, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 1})
	h := mw(okHandler)

	c, _ := requestFrom("10.0.0.2")
	if err := h(c); err != nil {
		t.Fatalf("first request: unexpected error: %v", err)
	}

	c, rec := requestFrom("10.0.0.2")
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Errorf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1})(okHandler)

	c, _ := requestFrom("10.0.0.3")
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ = requestFrom("10.0.0.4")
	if err := h(c); err != nil {
		t.Fatalf("other ip should have its own bucket: %v", err)
	}
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 0.1,
		BurstSize:         1,
		KeyFunc:           func(c echo.Context) string { return "shared" },
	}
	h := RateLimit(cfg)(okHandler)

	c, _ := requestFrom("10.0.0.5")
	_ = h(c)
	c, _ = requestFrom("10.0.0.6")
	if err := h(c); err == nil {
		t.Fatal("expected shared bucket to be drained")
	}
}

func TestRateLimit_Refills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	l.now = func() time.Time { return now }
	h := rateLimit(l)(okHandler)

	c, _ := requestFrom("10.0.0.7")
	_ = h(c)
	c, _ = requestFrom("10.0.0.7")
	if err := h(c); err == nil {
		t.Fatal("expected second request to be limited")
	}

	now = now.Add(1500 * time.Millisecond)
	c, _ = requestFrom("10.0.0.7")
	if err := h(c); err != nil {
		t.Fatalf("expected bucket to refill: %v", err)
	}
}

func TestRateLimit_EvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	l.now = func() time.Time { return now }

	l.bucket("a")
	l.bucket("b")
	if l.size() != 2 {
		t.Fatalf("expected 2 buckets, got %d", l.size())
	}

	now = now.Add(2 * time.Minute)
	l.bucket("c")
	if l.size() != 1 {
		t.Errorf("expected idle buckets evicted, got %d", l.size())
	}
}

func TestTokenBucket_ZeroRate(t *testing.T) {
	now := time.Now()
	b := newTokenBucket(0, 0, now)
	ok, retry := b.take(now)
	if ok || retry != 1 {
		t.Errorf("expected denied with retry 1, got %v/%d", ok, retry)
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 50 || cfg.BurstSize != 100 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
