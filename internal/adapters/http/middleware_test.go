package httpadapter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kirillkom/dealflow/internal/observability/metrics"
)

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	registry := prometheus.NewRegistry()
	httpMetrics := metrics.NewHTTPServerMetrics("api", registry)
	handler := newTestRouter(nil, nil, snoozeCheckerFake{}, Options{
		RateLimitRPS:   0.5,
		RateLimitBurst: 1,
		Metrics:        httpMetrics,
	})

	res1 := serve(handler, http.MethodGet, "/v1/organizations/org-1/proposals", "")
	if res1.Code != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", res1.Code)
	}

	res2 := serve(handler, http.MethodGet, "/v1/organizations/org-1/proposals", "")
	if res2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", res2.Code)
	}
	if res2.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", res2.Header().Get("Retry-After"))
	}

	expected := `
# HELP dealflow_http_rate_limited_total Requests rejected by the rate limiter.
# TYPE dealflow_http_rate_limited_total counter
dealflow_http_rate_limited_total{service="api"} 1
`
	if err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "dealflow_http_rate_limited_total"); err != nil {
		t.Fatalf("rate limited counter: %v", err)
	}
}

func TestRateLimitMiddlewareSkipsHealthz(t *testing.T) {
	handler := newTestRouter(nil, nil, snoozeCheckerFake{}, Options{RateLimitRPS: 0.1, RateLimitBurst: 1})

	for i := 0; i < 3; i++ {
		if res := serve(handler, http.MethodGet, "/healthz", ""); res.Code != http.StatusOK {
			t.Fatalf("healthz %d expected 200, got %d", i, res.Code)
		}
	}
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	handler := requestIDMiddleware(recoverMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/deals/d/alerts", nil))
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "request_id") {
		t.Fatalf("expected request id in body: %s", res.Body.String())
	}
}

func TestMetricsEndpointIsServed(t *testing.T) {
	registry := prometheus.NewRegistry()
	httpMetrics := metrics.NewHTTPServerMetrics("api", registry)
	handler := newTestRouter(nil, nil, snoozeCheckerFake{}, Options{
		Metrics:        httpMetrics,
		MetricsHandler: metrics.Handler(registry),
	})

	_ = serve(handler, http.MethodPost, "/v1/deals/deal-1/recompute", "")
	res := serve(handler, http.MethodGet, "/metrics", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `path="/v1/deals/{id}/recompute"`) {
		t.Fatalf("expected route pattern label, got:\n%s", res.Body.String())
	}
}
