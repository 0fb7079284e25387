package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
)

func newMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	return m
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	return rec.Body.String()
}

func TestTrackRecordsOutcome(t *testing.T) {
	m := newMetrics(t)
	ctx := context.Background()

	value, err := Track(ctx, m, "metrics.record", func(context.Context) (int, error) { return 7, nil })
	if err != nil || value != 7 {
		t.Fatalf("unexpected result %d %v", value, err)
	}
	_, err = Track(ctx, m, "metrics.record", func(context.Context) (int, error) {
		return 0, apperror.Validation("bad", nil)
	})
	if !apperror.Is(err, apperror.CodeValidation) {
		t.Fatalf("expected validation error to pass through, got %v", err)
	}

	body := scrape(t, m)
	for _, want := range []string{
		`prompt_analytics_service_operations_total{operation="metrics.record",outcome="ok"} 1`,
		`prompt_analytics_service_operations_total{operation="metrics.record",outcome="VALIDATION_ERROR"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected exposition to contain %q", want)
		}
	}
}

func TestTrackWithNilMetrics(t *testing.T) {
	value, err := Track(context.Background(), nil, "noop", func(context.Context) (string, error) { return "x", nil })
	if err != nil || value != "x" {
		t.Fatalf("unexpected result %q %v", value, err)
	}
	var m *Metrics
	m.ObserveCache("metrics", "hit")
	m.ObserveJob("report.generate", domain.JobCompleted, time.Second)
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":                  nil,
		apperror.CodeNotFound: apperror.NotFound("missing", nil),
		"canceled":            context.Canceled,
		"error":               errors.New("plain"),
		apperror.CodeInternal: apperror.Internal(errors.New("x")),
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("outcome(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestGinMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newMetrics(t)
	m.ObserveCache("metrics", "miss")
	m.ObserveJob("report.generate", domain.JobFailed, 10*time.Millisecond)

	router := gin.New()
	router.Use(m.GinMiddleware())
	router.GET("/items/:id", func(ctx *gin.Context) { ctx.Status(http.StatusNoContent) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`prompt_analytics_http_requests_total{method="GET",route="/items/:id",status="204"} 1`,
		`prompt_analytics_cache_lookups_total{cache="metrics",result="miss"} 1`,
		`prompt_analytics_queue_job_attempts_total{job_type="report.generate",status="failed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected exposition to contain %q", want)
		}
	}
}
