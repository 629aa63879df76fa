package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLocalLimiterBurstPerKey(t *testing.T) {
	l := NewLocal(LimiterConfig{RPS: 1, Burst: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "a"); !ok {
			t.Fatalf("request %d within burst rejected", i)
		}
	}
	if ok, _ := l.Allow(ctx, "a"); ok {
		t.Fatalf("request beyond burst allowed")
	}
	if ok, _ := l.Allow(ctx, "b"); !ok {
		t.Fatalf("separate key should have its own bucket")
	}
}

func TestLocalLimiterSweepsIdleKeys(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocal(LimiterConfig{RPS: 1, Burst: 1})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, _ = l.Allow(ctx, key)
	}
	if l.Len() != 3 {
		t.Fatalf("expected 3 buckets, got %d", l.Len())
	}

	now = now.Add(30 * time.Second)
	_, _ = l.Allow(ctx, "a")
	now = now.Add(40 * time.Second)
	if ok, _ := l.Allow(ctx, "d"); !ok {
		t.Fatalf("fresh key rejected")
	}
	// b and c idled past the window; a was touched 40s ago.
	if l.Len() != 2 {
		t.Fatalf("expected idle buckets swept, got %d", l.Len())
	}
}

type errAllower struct{}

func (errAllower) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }

func TestMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	h := Middleware(NewLocal(LimiterConfig{RPS: 1, Burst: 1}), KeyByUserOrIP)(next)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("first request: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("second request: got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	Middleware(errAllower{}, KeyByIP)(next).ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("limiter error: got %d", rr.Code)
	}
}

func TestKeyByIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := KeyByUserOrIP(req); got != "ip:192.0.2.1" {
		t.Fatalf("unexpected key %q", got)
	}
}
