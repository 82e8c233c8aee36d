package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/docs/a", nil))

	for _, header := range []string{
		"X-Frame-Options",
		"X-Content-Type-Options",
		"Content-Security-Policy",
		"Referrer-Policy",
	} {
		if rr.Header().Get(header) == "" {
			t.Errorf("Expected header %s to be set", header)
		}
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Expected Cache-Control no-store, got %q", rr.Header().Get("Cache-Control"))
	}
	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS header should not be set for non-TLS requests")
	}
}

func TestSecurityHeadersMiddleware_TLS(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/docs/a", nil)
	req.TLS = &tls.ConnectionState{}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS header should be set for TLS requests")
	}
}

func newTestLimiter(limit int, per time.Duration) (*RateLimiter, *time.Time) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	limiter := NewRateLimiter(limit, per, logger)
	now := time.Now()
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestRateLimiter(t *testing.T) {
	limiter, _ := newTestLimiter(3, time.Minute)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		if ok, _ := limiter.Allow("client"); !ok {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}
	ok, wait := limiter.Allow("client")
	if ok {
		t.Error("Request over the limit should be rejected")
	}
	if wait != time.Minute {
		t.Errorf("Expected to wait a full window, got %s", wait)
	}
	if ok, _ := limiter.Allow("other"); !ok {
		t.Error("Other clients should be unaffected")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	limiter, now := newTestLimiter(1, time.Second)
	defer limiter.Stop()

	limiter.Allow("client")
	if ok, _ := limiter.Allow("client"); ok {
		t.Fatal("Second request should be rejected")
	}

	*now = now.Add(time.Second)
	if ok, _ := limiter.Allow("client"); !ok {
		t.Error("Request should be allowed after window reset")
	}
	limiter.Stop()
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Second)
	defer limiter.Stop()

	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/docs/a", nil)
		req.RemoteAddr = "127.0.0.1:" + string(rune('1'+i)) + "000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("Request %d should succeed, got status %d", i+1, rr.Code)
		}
	}

	// A new port on the same host is the same client.
	req := httptest.NewRequest("GET", "/docs/a", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status %d, got %d", http.StatusTooManyRequests, rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Expected Retry-After 1, got %q", rr.Header().Get("Retry-After"))
	}
}

func TestGetClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	if key := getClientKey(req); key != "127.0.0.1" {
		t.Errorf("Expected key 127.0.0.1, got %s", key)
	}

	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
	if key := getClientKey(req); key != "192.168.1.1" {
		t.Errorf("Expected key 192.168.1.1, got %s", key)
	}
}
