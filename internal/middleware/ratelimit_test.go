package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, perMinute int, opts ...RateLimiterOption) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(context.Background(), perMinute, opts...)
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiter_AllowsBurst(t *testing.T) {
	rl := newTestLimiter(t, 3)

	for i := range 3 {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("Allow() #%d = false, want true within burst", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("Allow() = true after burst exhausted, want false")
	}
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	rl := newTestLimiter(t, 2)

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.1")
	if rl.Allow("10.0.0.1") {
		t.Fatal("10.0.0.1 should be rate limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("10.0.0.2 should not be rate limited")
	}
}

func TestRateLimiter_DisabledIsNil(t *testing.T) {
	rl := NewRateLimiter(context.Background(), 0)
	if rl != nil {
		t.Fatalf("NewRateLimiter(0) = %v, want nil", rl)
	}
	if !rl.Allow("10.0.0.1") {
		t.Fatal("nil limiter should admit every request")
	}
	rl.Stop()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	rl.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	var limited atomic.Int32
	rl := newTestLimiter(t, 1, WithOnLimited(func() { limited.Add(1) }))

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/environments/prod/evaluate", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := serve(); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", rec.Code, http.StatusOK)
	}
	rec := serve()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 response is missing Retry-After")
	}
	if limited.Load() != 1 {
		t.Fatalf("onLimited calls = %d, want 1", limited.Load())
	}
}

func TestRateLimiter_MaxTrackedIPs(t *testing.T) {
	rl := newTestLimiter(t, 5)
	rl.maxTrackedIPs = 3

	rl.Allow("1.1.1.1")
	rl.Allow("2.2.2.2")
	rl.Allow("3.3.3.3")
	rl.Allow("4.4.4.4")

	rl.mu.Lock()
	count := len(rl.entries)
	rl.mu.Unlock()
	if count > 3 {
		t.Fatalf("expected at most 3 tracked IPs, got %d", count)
	}
}

func TestRateLimiter_RemoveStale(t *testing.T) {
	rl := newTestLimiter(t, 5)

	rl.Allow("stale.ip")
	rl.mu.Lock()
	rl.entries["stale.ip"].lastSeen = time.Now().Add(-10 * time.Minute)
	rl.mu.Unlock()

	rl.removeStale()

	rl.mu.Lock()
	_, exists := rl.entries["stale.ip"]
	rl.mu.Unlock()
	if exists {
		t.Fatal("expected stale entry to be removed")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
		{"", ""},
	}
	for _, tt := range tests {
		got := ExtractIP(tt.input)
		if got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
