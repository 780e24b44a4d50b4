package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/daoistvideo/platform/internal/config"
	"github.com/daoistvideo/platform/internal/logger"
	"github.com/daoistvideo/platform/internal/monitoring"
	"github.com/daoistvideo/platform/internal/observability"
	"github.com/daoistvideo/platform/internal/server"
)

type fixture struct {
	handler  http.Handler
	perf     *monitoring.PerformanceMonitor
	requests *monitoring.RequestMetrics
	errors   *monitoring.ErrorReporter
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		perf:     monitoring.NewPerformanceMonitor(nil, logger.Discard()),
		requests: monitoring.NewRequestMetrics(),
		errors: monitoring.NewErrorReporter(monitoring.ErrorReporterOptions{
			Dir:    t.TempDir(),
			Logger: logger.Discard(),
		}),
	}
	srv := server.New(config.Config{HTTPPort: 0, CORSAllowedOrigins: []string{"*"}}, logger.Discard(), server.Deps{
		Metrics:     observability.NewMetrics(),
		Performance: f.perf,
		Requests:    f.requests,
		Errors:      f.errors,
	})
	r := srv.Router()
	r.HandleFunc("/api/videos/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/videos/composition/create", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}).Methods(http.MethodGet)
	f.handler = srv.Handler()
	return f
}

func (f fixture) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthzAndLiveness(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/health/live", "/healthz/"} {
		rec := f.do(http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestTrailingSlashAndTimingHeaders(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/videos/abc/")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.HasSuffix(rec.Header().Get("X-Response-Time"), "ms") {
		t.Fatalf("missing X-Response-Time, headers %v", rec.Header())
	}
	if rec.Header().Get("X-Performance-Requirement") != "" {
		t.Fatalf("non composition endpoint got a performance requirement")
	}

	stats := f.perf.Statistics(context.Background(), "/api/videos/{id}", http.MethodGet, 1)
	if st := stats["GET:/api/videos/{id}"]; st == nil || st.TotalRequests != 1 {
		t.Fatalf("expected the route template to be recorded, got %v", stats)
	}
	if got := f.requests.Stats(1).TotalRequests; got != 1 {
		t.Fatalf("expected 1 request metric, got %d", got)
	}
}

func TestCompositionPerformanceHeaders(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/videos/composition/create")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Performance-Requirement"); got != "500ms" {
		t.Fatalf("unexpected requirement %q", got)
	}
	if got := rec.Header().Get("X-Performance-Met"); got != "true" {
		t.Fatalf("unexpected performance flag %q", got)
	}
	if rec.Header().Get("X-Composition-Response-Time") == "" {
		t.Fatalf("missing composition response time")
	}
}

func TestRecovererReturnsErrorID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "internal server error" || body["details"] != "kaboom" || len(body["error_id"]) != 8 {
		t.Fatalf("unexpected body %v", body)
	}
	if f.errors.Pending() != 1 {
		t.Fatalf("panic not reported")
	}
}

func TestPanickedRequestsAreRecorded(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodGet, "/api/boom"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	if got := f.requests.Stats(1); got.TotalRequests != 1 || got.ErrorRate != 100 {
		t.Fatalf("expected one failed request metric, got %+v", got)
	}
	st := f.perf.Statistics(context.Background(), "/api/boom", http.MethodGet, 1)["GET:/api/boom"]
	if st == nil || st.TotalRequests != 1 || st.ErrorRate != 100 {
		t.Fatalf("expected the panic timed as a 500, got %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, "/api/videos/abc")
	rec := f.do(http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `daoist_video_http_request_count{code="200",method="GET",route="/api/videos/{id}"} 1`) {
		t.Fatalf("request counter missing from metrics output")
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/videos/abc", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("missing CORS headers: %v", rec.Header())
	}
}
