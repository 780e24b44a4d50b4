package monitoring_test

import (
	"context"
	"testing"
	"time"

	"github.com/daoistvideo/platform/internal/cache"
	"github.com/daoistvideo/platform/internal/logger"
	"github.com/daoistvideo/platform/internal/monitoring"
)

func TestStatisticsPercentiles(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	m := monitoring.NewPerformanceMonitor(nil, logger.Discard()).WithClock(func() time.Time { return now })

	for i := 1; i <= 100; i++ {
		status := 200
		if i%10 == 0 {
			status = 500
		}
		m.Record("/api/videos", "GET", float64(i*20), status)
	}

	stats := m.Statistics(context.Background(), "/api/videos", "GET", 24)["GET:/api/videos"]
	if stats == nil {
		t.Fatalf("expected stats")
	}
	if stats.TotalRequests != 100 || stats.MinResponseTime != 20 || stats.MaxResponseTime != 2000 {
		t.Fatalf("unexpected bounds %+v", stats)
	}
	if stats.P50ResponseTime != 1020 || stats.P95ResponseTime != 1920 || stats.P99ResponseTime != 2000 {
		t.Fatalf("unexpected percentiles p50=%v p95=%v p99=%v", stats.P50ResponseTime, stats.P95ResponseTime, stats.P99ResponseTime)
	}
	if stats.SlowRequestsCount != 51 || stats.ErrorRate != 10 {
		t.Fatalf("unexpected slow=%d error rate=%v", stats.SlowRequestsCount, stats.ErrorRate)
	}

	if got := m.Statistics(context.Background(), "/api/none", "GET", 24)["GET:/api/none"]; got != nil {
		t.Fatalf("expected nil stats for unknown endpoint, got %+v", got)
	}
}

func TestRingKeepsLatestThousand(t *testing.T) {
	m := monitoring.NewPerformanceMonitor(nil, logger.Discard())
	for i := 0; i < 1500; i++ {
		m.Record("/api/videos", "GET", float64(i), 200)
	}
	stats := m.Statistics(context.Background(), "/api/videos", "GET", 1)["GET:/api/videos"]
	if stats.TotalRequests != 1000 || stats.MinResponseTime != 500 {
		t.Fatalf("expected the latest 1000 records, got %d from %v", stats.TotalRequests, stats.MinResponseTime)
	}
}

func TestStatisticsFollowNewRecords(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	m := monitoring.NewPerformanceMonitor(c, logger.Discard())
	m.Record("/api/videos", "GET", 100, 200)

	first := m.Statistics(ctx, "/api/videos", "GET", 24)["GET:/api/videos"]
	if first == nil || first.TotalRequests != 1 {
		t.Fatalf("expected one request, got %+v", first)
	}
	if _, err := c.Get(ctx, "perf_stats:GET:/api/videos:24"); err != nil {
		t.Fatalf("expected stats in cache: %v", err)
	}

	for i := 0; i < 99; i++ {
		m.Record("/api/videos", "GET", 300, 200)
	}
	second := m.Statistics(ctx, "/api/videos", "GET", 24)["GET:/api/videos"]
	if second == nil || second.TotalRequests != 100 {
		t.Fatalf("TotalRequests = %v after 100 records, want 100", second)
	}
}

func TestEmptyStatisticsAreNotCached(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	m := monitoring.NewPerformanceMonitor(c, logger.Discard())

	if got := m.Statistics(ctx, "/api/slow", "GET", 1)["GET:/api/slow"]; got != nil {
		t.Fatalf("expected nil stats before any record, got %+v", got)
	}
	if _, err := c.Get(ctx, "perf_stats:GET:/api/slow:1"); err != cache.ErrMiss {
		t.Fatalf("expected empty stats to stay out of the cache, got %v", err)
	}

	for i := 0; i < 50; i++ {
		m.Record("/api/slow", "GET", 6000, 500)
	}
	stats := m.Statistics(ctx, "/api/slow", "GET", 1)["GET:/api/slow"]
	if stats == nil || stats.TotalRequests != 50 || stats.ErrorRate != 100 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if alerts := m.Alerts(ctx); len(alerts) != 4 {
		t.Fatalf("expected 4 alerts to agree with the stats, got %d", len(alerts))
	}
}

func TestAlertsAndSummary(t *testing.T) {
	ctx := context.Background()
	m := monitoring.NewPerformanceMonitor(nil, logger.Discard())
	for i := 0; i < 10; i++ {
		m.Record("/api/videos/composition/create", "POST", 6000, 500)
		m.Record("/api/videos", "GET", 50, 200)
	}

	alerts := m.Alerts(ctx)
	types := map[string]string{}
	for _, a := range alerts {
		if a.Endpoint != "POST:/api/videos/composition/create" {
			t.Fatalf("unexpected alert endpoint %s", a.Endpoint)
		}
		types[a.Type] = a.Level
	}
	want := map[string]string{
		"high_slow_request_rate": "warning",
		"high_avg_response_time": "warning",
		"high_p95_response_time": "critical",
		"high_error_rate":        "warning",
	}
	for k, level := range want {
		if types[k] != level {
			t.Fatalf("missing alert %s (%s), got %v", k, level, types)
		}
	}

	s := m.Summary(ctx, 24)
	if s.TotalEndpoints != 2 || s.TotalRequests != 20 || s.OverallAvgResponseTime != 3025 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.CriticalAlertsCount != 1 || s.WarningAlertsCount != 3 {
		t.Fatalf("unexpected alert counts %+v", s)
	}

	slow := m.SlowRequests(1, 3)
	if len(slow) != 3 || !slow[0].Critical {
		t.Fatalf("unexpected slow requests %+v", slow)
	}
}

func TestRequestMetricsAndHealthScore(t *testing.T) {
	rm := monitoring.NewRequestMetrics()
	rm.Record("/api/videos", "GET", 100, 200)
	rm.Record("/api/videos", "GET", 6000, 200)
	rm.Record("/api/videos/1", "GET", 200, 404)
	rm.Record("/api/videos/2", "GET", 100, 500)

	st := rm.Stats(1)
	if st.TotalRequests != 4 || st.SlowRequests != 1 || st.ErrorRate != 50 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.MinResponseTime != 100 || st.MaxResponseTime != 6000 || st.AvgResponseTime != 1600 {
		t.Fatalf("unexpected timings %+v", st)
	}

	cases := []struct {
		errors int
		perf   monitoring.RequestStats
		score  float64
		status string
	}{
		{0, monitoring.RequestStats{}, 100, "excellent"},
		{5, monitoring.RequestStats{}, 90, "excellent"},
		{20, monitoring.RequestStats{AvgResponseTime: 2500}, 65, "warning"},
		{20, monitoring.RequestStats{AvgResponseTime: 9000, ErrorRate: 50}, 25, "critical"},
		{0, monitoring.RequestStats{ErrorRate: 10}, 80, "good"},
	}
	for _, tc := range cases {
		got := monitoring.ScoreHealth(tc.errors, tc.perf)
		if got.Score != tc.score || got.Status != tc.status {
			t.Fatalf("ScoreHealth(%d, %+v) = %+v, want %v %s", tc.errors, tc.perf, got, tc.score, tc.status)
		}
	}
}
