// Package monitoring tracks request performance and application errors,
// reports on storage and usage, writes backups and answers health checks.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/daoistvideo/platform/internal/cache"
)

const (
	SlowThresholdMS     = 1000.0
	CriticalThresholdMS = 5000.0

	ringSize      = 1000
	statsCacheTTL = 5 * time.Minute
)

var errNoRecords = errors.New("no records in range")

// RequestRecord is one timed request.
type RequestRecord struct {
	Timestamp      time.Time
	ResponseTimeMS float64
	StatusCode     int
	Slow           bool
	Critical       bool
}

// ring keeps the most recent ringSize records.
type ring struct {
	buf  []RequestRecord
	next int
}

func (r *ring) add(rec RequestRecord) {
	if len(r.buf) < ringSize {
		r.buf = append(r.buf, rec)
		return
	}
	r.buf[r.next] = rec
	r.next = (r.next + 1) % ringSize
}

// since returns records at or after cutoff, oldest first.
func (r *ring) since(cutoff time.Time) []RequestRecord {
	out := make([]RequestRecord, 0, len(r.buf))
	for i := 0; i < len(r.buf); i++ {
		rec := r.buf[(r.next+i)%len(r.buf)]
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// EndpointStats summarises the records of one METHOD:path key.
type EndpointStats struct {
	TotalRequests         int       `json:"total_requests"`
	AvgResponseTime       float64   `json:"avg_response_time"`
	MinResponseTime       float64   `json:"min_response_time"`
	MaxResponseTime       float64   `json:"max_response_time"`
	P50ResponseTime       float64   `json:"p50_response_time"`
	P90ResponseTime       float64   `json:"p90_response_time"`
	P95ResponseTime       float64   `json:"p95_response_time"`
	P99ResponseTime       float64   `json:"p99_response_time"`
	SlowRequestsCount     int       `json:"slow_requests_count"`
	CriticalRequestsCount int       `json:"critical_requests_count"`
	SlowRequestRate       float64   `json:"slow_request_rate"`
	ErrorRate             float64   `json:"error_rate"`
	TimeRangeHours        int       `json:"time_range_hours"`
	LastUpdated           time.Time `json:"last_updated"`
}

// SlowRequest is a request at or above the slow threshold.
type SlowRequest struct {
	Endpoint       string    `json:"endpoint"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMS float64   `json:"response_time_ms"`
	StatusCode     int       `json:"status_code"`
	Critical       bool      `json:"is_critical"`
}

// Alert flags an endpoint that breaches a performance threshold.
type Alert struct {
	Type      string  `json:"type"`
	Level     string  `json:"level"`
	Endpoint  string  `json:"endpoint"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Summary is the weighted view across all endpoints.
type Summary struct {
	TotalEndpoints         int       `json:"total_endpoints"`
	TotalRequests          int       `json:"total_requests"`
	OverallAvgResponseTime float64   `json:"overall_avg_response_time"`
	SlowRequestRate        float64   `json:"slow_request_rate"`
	ErrorRate              float64   `json:"error_rate"`
	AlertsCount            int       `json:"alerts_count"`
	CriticalAlertsCount    int       `json:"critical_alerts_count"`
	WarningAlertsCount     int       `json:"warning_alerts_count"`
	LastUpdated            time.Time `json:"last_updated"`
}

// PerformanceMonitor records response times per endpoint.
type PerformanceMonitor struct {
	mu     sync.Mutex
	rings  map[string]*ring
	cached map[string]map[int]struct{}
	gen    map[string]uint64
	cache  cache.Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewPerformanceMonitor builds a monitor. Computed statistics are kept in c
// for five minutes; a nil c disables that.
func NewPerformanceMonitor(c cache.Cache, logger *slog.Logger) *PerformanceMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PerformanceMonitor{
		rings:  make(map[string]*ring),
		cached: make(map[string]map[int]struct{}),
		gen:    make(map[string]uint64),
		cache:  c,
		logger: logger.With("component", "performance"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the monitor's clock.
func (m *PerformanceMonitor) WithClock(now func() time.Time) *PerformanceMonitor {
	m.now = now
	return m
}

// EndpointKey joins method and path the way statistics are keyed.
func EndpointKey(method, path string) string {
	return method + ":" + path
}

// Record stores one request and drops the endpoint's cached statistics.
func (m *PerformanceMonitor) Record(endpoint, method string, responseTimeMS float64, status int) {
	key := EndpointKey(method, endpoint)
	rec := RequestRecord{
		Timestamp:      m.now(),
		ResponseTimeMS: responseTimeMS,
		StatusCode:     status,
		Slow:           responseTimeMS >= SlowThresholdMS,
		Critical:       responseTimeMS >= CriticalThresholdMS,
	}

	m.mu.Lock()
	r, ok := m.rings[key]
	if !ok {
		r = &ring{}
		m.rings[key] = r
	}
	r.add(rec)
	m.gen[key]++
	var stale []string
	for h := range m.cached[key] {
		stale = append(stale, statsKey(key, h))
	}
	delete(m.cached, key)
	m.mu.Unlock()

	if len(stale) > 0 && m.cache != nil {
		if err := m.cache.Delete(context.Background(), stale...); err != nil {
			m.logger.Warn("performance stats cache invalidation failed", "endpoint", key, "err", err)
		}
	}

	switch {
	case rec.Critical:
		m.logger.Warn("critical slow request", "endpoint", key, "duration_ms", responseTimeMS, "status", status)
	case rec.Slow:
		m.logger.Info("slow request", "endpoint", key, "duration_ms", responseTimeMS, "status", status)
	}
}

// Statistics returns stats keyed by METHOD:path. With endpoint and method
// set only that key is reported. A nil value means no records in range.
func (m *PerformanceMonitor) Statistics(ctx context.Context, endpoint, method string, hours int) map[string]*EndpointStats {
	if hours <= 0 {
		hours = 24
	}
	var keys []string
	if endpoint != "" && method != "" {
		keys = []string{EndpointKey(method, endpoint)}
	} else {
		m.mu.Lock()
		for k := range m.rings {
			keys = append(keys, k)
		}
		m.mu.Unlock()
		sort.Strings(keys)
	}

	out := make(map[string]*EndpointStats, len(keys))
	for _, k := range keys {
		out[k] = m.cachedStats(ctx, k, hours)
	}
	return out
}

func statsKey(key string, hours int) string {
	return fmt.Sprintf("perf_stats:%s:%d", key, hours)
}

// cachedStats serves stats from the cache. Empty results are not cached.
func (m *PerformanceMonitor) cachedStats(ctx context.Context, key string, hours int) *EndpointStats {
	if m.cache == nil {
		return m.compute(key, hours)
	}
	var (
		filled bool
		gen    uint64
	)
	b, err := cache.GetOrSet(ctx, m.cache, statsKey(key, hours), statsCacheTTL, func(context.Context) ([]byte, error) {
		m.mu.Lock()
		if m.cached[key] == nil {
			m.cached[key] = make(map[int]struct{})
		}
		m.cached[key][hours] = struct{}{}
		filled, gen = true, m.gen[key]
		m.mu.Unlock()

		stats := m.compute(key, hours)
		if stats == nil {
			return nil, errNoRecords
		}
		return json.Marshal(stats)
	})
	if filled {
		// A Record that landed during the fill leaves the stored value stale.
		m.mu.Lock()
		changed := m.gen[key] != gen
		m.mu.Unlock()
		if changed {
			_ = m.cache.Delete(ctx, statsKey(key, hours))
		}
	}
	if errors.Is(err, errNoRecords) {
		return nil
	}
	if err != nil {
		m.logger.Warn("performance stats cache unavailable", "endpoint", key, "err", err)
		return m.compute(key, hours)
	}
	var stats *EndpointStats
	if err := json.Unmarshal(b, &stats); err != nil {
		return m.compute(key, hours)
	}
	return stats
}

func (m *PerformanceMonitor) compute(key string, hours int) *EndpointStats {
	now := m.now()
	m.mu.Lock()
	r, ok := m.rings[key]
	var records []RequestRecord
	if ok {
		records = r.since(now.Add(-time.Duration(hours) * time.Hour))
	}
	m.mu.Unlock()
	return calculate(records, hours, now)
}

func calculate(records []RequestRecord, hours int, now time.Time) *EndpointStats {
	n := len(records)
	if n == 0 {
		return nil
	}
	times := make([]float64, n)
	stats := &EndpointStats{TotalRequests: n, TimeRangeHours: hours, LastUpdated: now}
	var sum float64
	var errorsCount int
	for i, r := range records {
		times[i] = r.ResponseTimeMS
		sum += r.ResponseTimeMS
		if r.Slow {
			stats.SlowRequestsCount++
		}
		if r.Critical {
			stats.CriticalRequestsCount++
		}
		if r.StatusCode >= 400 {
			errorsCount++
		}
	}
	sort.Float64s(times)

	stats.AvgResponseTime = sum / float64(n)
	stats.MinResponseTime = times[0]
	stats.MaxResponseTime = times[n-1]
	stats.P50ResponseTime = percentile(times, 50)
	stats.P90ResponseTime = percentile(times, 90)
	stats.P95ResponseTime = percentile(times, 95)
	stats.P99ResponseTime = percentile(times, 99)
	stats.SlowRequestRate = float64(stats.SlowRequestsCount) / float64(n) * 100
	stats.ErrorRate = float64(errorsCount) / float64(n) * 100
	return stats
}

// percentile indexes sorted at int(n*p/100), clamped to the last element.
func percentile(sorted []float64, p int) float64 {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// SlowRequests lists slow requests of the last hours, slowest first.
func (m *PerformanceMonitor) SlowRequests(hours, limit int) []SlowRequest {
	if hours <= 0 {
		hours = 1
	}
	if limit <= 0 {
		limit = 50
	}
	cutoff := m.now().Add(-time.Duration(hours) * time.Hour)

	m.mu.Lock()
	out := make([]SlowRequest, 0)
	for key, r := range m.rings {
		for _, rec := range r.since(cutoff) {
			if rec.Slow {
				out = append(out, SlowRequest{
					Endpoint:       key,
					Timestamp:      rec.Timestamp,
					ResponseTimeMS: rec.ResponseTimeMS,
					StatusCode:     rec.StatusCode,
					Critical:       rec.Critical,
				})
			}
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ResponseTimeMS > out[j].ResponseTimeMS })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Alerts checks every endpoint's last hour against the alert thresholds.
func (m *PerformanceMonitor) Alerts(ctx context.Context) []Alert {
	stats := m.Statistics(ctx, "", "", 1)
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	alerts := make([]Alert, 0)
	for _, k := range keys {
		s := stats[k]
		if s == nil {
			continue
		}
		if s.SlowRequestRate > 10 {
			alerts = append(alerts, Alert{
				Type: "high_slow_request_rate", Level: "warning", Endpoint: k,
				Message: fmt.Sprintf("%s slow request rate too high: %.1f%%", k, s.SlowRequestRate),
				Value:   s.SlowRequestRate, Threshold: 10,
			})
		}
		if s.AvgResponseTime > 2000 {
			alerts = append(alerts, Alert{
				Type: "high_avg_response_time", Level: "warning", Endpoint: k,
				Message: fmt.Sprintf("%s average response time too high: %.0fms", k, s.AvgResponseTime),
				Value:   s.AvgResponseTime, Threshold: 2000,
			})
		}
		if s.P95ResponseTime > 5000 {
			alerts = append(alerts, Alert{
				Type: "high_p95_response_time", Level: "critical", Endpoint: k,
				Message: fmt.Sprintf("%s p95 response time too high: %.0fms", k, s.P95ResponseTime),
				Value:   s.P95ResponseTime, Threshold: 5000,
			})
		}
		if s.ErrorRate > 5 {
			alerts = append(alerts, Alert{
				Type: "high_error_rate", Level: "warning", Endpoint: k,
				Message: fmt.Sprintf("%s error rate too high: %.1f%%", k, s.ErrorRate),
				Value:   s.ErrorRate, Threshold: 5,
			})
		}
	}
	return alerts
}

// Summary aggregates all endpoints over the last hours.
func (m *PerformanceMonitor) Summary(ctx context.Context, hours int) Summary {
	out := Summary{LastUpdated: m.now()}
	var weighted, slow, errs float64
	for _, s := range m.Statistics(ctx, "", "", hours) {
		if s == nil {
			continue
		}
		out.TotalEndpoints++
		out.TotalRequests += s.TotalRequests
		weighted += s.AvgResponseTime * float64(s.TotalRequests)
		slow += float64(s.SlowRequestsCount)
		errs += float64(s.TotalRequests) * s.ErrorRate / 100
	}
	if out.TotalRequests > 0 {
		total := float64(out.TotalRequests)
		out.OverallAvgResponseTime = weighted / total
		out.SlowRequestRate = slow / total * 100
		out.ErrorRate = errs / total * 100
	}

	alerts := m.Alerts(ctx)
	out.AlertsCount = len(alerts)
	for _, a := range alerts {
		switch a.Level {
		case "critical":
			out.CriticalAlertsCount++
		case "warning":
			out.WarningAlertsCount++
		}
	}
	return out
}
