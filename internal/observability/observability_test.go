package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestMiddlewareCountsStatus(t *testing.T) {
	mw := Middleware(noop.NewTracerProvider().Tracer("test"), "relay-test")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	counter := httpRequests.WithLabelValues("relay-test", "/x", http.MethodGet, "418")
	before := testutil.ToFloat64(counter)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rr.Code)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("expected counter to increase by 1, got %v", got)
	}
}

func TestMiddlewareDefaultsToOK(t *testing.T) {
	mw := Middleware(noop.NewTracerProvider().Tracer("test"), "relay-test")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	counter := httpRequests.WithLabelValues("relay-test", "/quiet", http.MethodGet, "200")
	before := testutil.ToFloat64(counter)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/quiet", nil))
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("handlers that never write a status count as 200, got %v", got)
	}
}

func TestMiddlewareSkipsMetricsPath(t *testing.T) {
	mw := Middleware(noop.NewTracerProvider().Tracer("test"), "relay-test")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("relay-test", "/metrics", http.MethodGet, "200")); got != 0 {
		t.Fatalf("metric scrapes should not be counted, got %v", got)
	}
}
