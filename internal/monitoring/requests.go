package monitoring

import (
	"sync"
	"time"
)

const (
	maxRequestEntries = 1000
	verySlowMS        = 5000.0
)

// RequestEntry is one request seen by RequestMetrics.
type RequestEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	DurationMS float64   `json:"duration"`
	StatusCode int       `json:"status_code"`
}

// RequestStats is the windowed view served by the monitoring API.
type RequestStats struct {
	TotalRequests      int            `json:"total_requests"`
	AvgResponseTime    float64        `json:"avg_response_time"`
	MaxResponseTime    float64        `json:"max_response_time"`
	MinResponseTime    float64        `json:"min_response_time"`
	SlowRequests       int            `json:"slow_requests"`
	ErrorRate          float64        `json:"error_rate"`
	RecentSlowRequests []RequestEntry `json:"recent_slow_requests"`
}

// RequestMetrics keeps a flat log of recent API requests across all
// endpoints. Once full it drops the older half.
type RequestMetrics struct {
	mu      sync.Mutex
	entries []RequestEntry
	now     func() time.Time
}

// NewRequestMetrics returns an empty request log.
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the clock.
func (m *RequestMetrics) WithClock(now func() time.Time) *RequestMetrics {
	m.now = now
	return m
}

// Record logs one request.
func (m *RequestMetrics) Record(path, method string, durationMS float64, status int) {
	e := RequestEntry{Timestamp: m.now(), Path: path, Method: method, DurationMS: durationMS, StatusCode: status}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if len(m.entries) > maxRequestEntries {
		m.entries = append([]RequestEntry(nil), m.entries[len(m.entries)-maxRequestEntries/2:]...)
	}
}

// Stats covers requests of the last hours.
func (m *RequestMetrics) Stats(hours int) RequestStats {
	if hours <= 0 {
		hours = 1
	}
	cutoff := m.now().Add(-time.Duration(hours) * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := RequestStats{RecentSlowRequests: []RequestEntry{}}
	var sum float64
	var errs int
	var slow []RequestEntry
	for _, e := range m.entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if out.TotalRequests == 0 || e.DurationMS < out.MinResponseTime {
			out.MinResponseTime = e.DurationMS
		}
		if e.DurationMS > out.MaxResponseTime {
			out.MaxResponseTime = e.DurationMS
		}
		out.TotalRequests++
		sum += e.DurationMS
		if e.StatusCode >= 400 {
			errs++
		}
		if e.DurationMS > verySlowMS {
			slow = append(slow, e)
		}
	}
	if out.TotalRequests == 0 {
		return out
	}
	out.AvgResponseTime = sum / float64(out.TotalRequests)
	out.ErrorRate = float64(errs) / float64(out.TotalRequests) * 100
	out.SlowRequests = len(slow)
	if len(slow) > 10 {
		slow = slow[len(slow)-10:]
	}
	out.RecentSlowRequests = append(out.RecentSlowRequests, slow...)
	return out
}
