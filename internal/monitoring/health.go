package monitoring

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/daoistvideo/platform/internal/cache"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"

	minDiskFreePercent = 10.0
	maxMemoryPercent   = 90.0
)

// HealthScore is the admin health summary.
type HealthScore struct {
	Score   float64 `json:"health_score"`
	Status  string  `json:"health_status"`
	Message string  `json:"health_message"`
}

// ScoreHealth starts at 100 and deducts for saved errors, slow responses and
// the request error rate of the last hour.
func ScoreHealth(totalErrors int, perf RequestStats) HealthScore {
	score := 100.0
	if totalErrors > 0 {
		score -= math.Min(float64(totalErrors)*2, 30)
	}
	if perf.AvgResponseTime > 2000 {
		score -= math.Min((perf.AvgResponseTime-2000)/100, 20)
	}
	if perf.ErrorRate > 5 {
		score -= math.Min(perf.ErrorRate*2, 25)
	}
	score = math.Max(score, 0)

	switch {
	case score >= 90:
		return HealthScore{Score: score, Status: "excellent", Message: "system is running excellently"}
	case score >= 70:
		return HealthScore{Score: score, Status: "good", Message: "system is running well"}
	case score >= 50:
		return HealthScore{Score: score, Status: "warning", Message: "system needs attention"}
	default:
		return HealthScore{Score: score, Status: "critical", Message: "system is in a critical state and needs immediate action"}
	}
}

// Check is the outcome of one health probe.
type Check struct {
	Status       string   `json:"status"`
	Message      string   `json:"message"`
	FreePercent  *float64 `json:"free_percent,omitempty"`
	UsagePercent *float64 `json:"usage_percent,omitempty"`
}

// HealthReport is the body of /health and /health/ready.
type HealthReport struct {
	Status    string           `json:"status"`
	Timestamp int64            `json:"timestamp"`
	Version   string           `json:"version,omitempty"`
	Checks    map[string]Check `json:"checks"`
}

// Pinger is satisfied by a database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheckerOptions configures a HealthChecker. A nil DB is reported as
// the in-memory backend.
type HealthCheckerOptions struct {
	DB        Pinger
	Cache     cache.Cache
	MediaRoot string
	// MigrationsApplied reports whether the schema is current.
	MigrationsApplied func(ctx context.Context) (bool, error)
	Version           string
}

// HealthChecker probes the services the API depends on.
type HealthChecker struct {
	opts   HealthCheckerOptions
	disk   func(ctx context.Context, path string) (*disk.UsageStat, error)
	memory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	now    func() time.Time
}

// NewHealthChecker builds a checker.
func NewHealthChecker(opts HealthCheckerOptions) *HealthChecker {
	return &HealthChecker{
		opts:   opts,
		disk:   disk.UsageWithContext,
		memory: mem.VirtualMemoryWithContext,
		now:    time.Now,
	}
}

// Health runs every probe. The report is healthy only when all probes are.
func (h *HealthChecker) Health(ctx context.Context) HealthReport {
	rep := HealthReport{
		Status:    StatusHealthy,
		Timestamp: h.now().Unix(),
		Version:   h.opts.Version,
		Checks:    make(map[string]Check),
	}
	add := func(name string, c Check) {
		rep.Checks[name] = c
		if c.Status == StatusUnhealthy {
			rep.Status = StatusUnhealthy
		}
	}

	add("database", h.checkDatabase(ctx))
	add("cache", h.checkCache(ctx))
	add("disk", h.checkDisk(ctx))
	add("memory", h.checkMemory(ctx))
	add("media_storage", h.checkMedia())
	return rep
}

func (h *HealthChecker) checkDatabase(ctx context.Context) Check {
	if h.opts.DB == nil {
		return Check{Status: StatusHealthy, Message: "in-memory storage"}
	}
	if err := h.opts.DB.Ping(ctx); err != nil {
		return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("database connection failed: %v", err)}
	}
	return Check{Status: StatusHealthy, Message: "database connection ok"}
}

func (h *HealthChecker) checkCache(ctx context.Context) Check {
	if h.opts.Cache == nil {
		return Check{Status: StatusUnknown, Message: "cache not configured"}
	}
	if err := h.opts.Cache.Set(ctx, "health_check", []byte("ok"), 10*time.Second); err != nil {
		return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("cache write failed: %v", err)}
	}
	got, err := h.opts.Cache.Get(ctx, "health_check")
	if err != nil || !bytes.Equal(got, []byte("ok")) {
		return Check{Status: StatusUnhealthy, Message: "cache read back failed"}
	}
	return Check{Status: StatusHealthy, Message: "cache ok"}
}

func (h *HealthChecker) checkDisk(ctx context.Context) Check {
	path := h.opts.MediaRoot
	if path == "" {
		path = string(filepath.Separator)
	}
	usage, err := h.disk(ctx, path)
	if err != nil {
		return Check{Status: StatusUnknown, Message: fmt.Sprintf("disk usage unavailable: %v", err)}
	}
	free := 100.0
	if usage.Total > 0 {
		free = float64(usage.Free) / float64(usage.Total) * 100
	}
	free = math.Round(free*10) / 10
	if free > minDiskFreePercent {
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("disk space ok (%.1f%% free)", free), FreePercent: &free}
	}
	return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("disk space low (%.1f%% free)", free), FreePercent: &free}
}

func (h *HealthChecker) checkMemory(ctx context.Context) Check {
	vm, err := h.memory(ctx)
	if err != nil {
		return Check{Status: StatusUnknown, Message: fmt.Sprintf("memory usage unavailable: %v", err)}
	}
	used := math.Round(vm.UsedPercent*10) / 10
	if used < maxMemoryPercent {
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("memory usage ok (%.1f%%)", used), UsagePercent: &used}
	}
	return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("memory usage high (%.1f%%)", used), UsagePercent: &used}
}

func (h *HealthChecker) checkMedia() Check {
	if h.opts.MediaRoot == "" {
		return Check{Status: StatusHealthy, Message: "object storage"}
	}
	f, err := os.CreateTemp(h.opts.MediaRoot, ".health-*")
	if err != nil {
		return Check{Status: StatusUnhealthy, Message: "media directory is not writable"}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return Check{Status: StatusHealthy, Message: "media directory writable"}
}

// Ready reports whether the schema migrations are applied.
func (h *HealthChecker) Ready(ctx context.Context) HealthReport {
	rep := HealthReport{Status: "ready", Timestamp: h.now().Unix(), Checks: make(map[string]Check)}
	if h.opts.MigrationsApplied == nil {
		rep.Checks["migrations"] = Check{Status: "ready", Message: "no database migrations required"}
		return rep
	}
	ok, err := h.opts.MigrationsApplied(ctx)
	switch {
	case err != nil:
		rep.Status = "not_ready"
		rep.Checks["migrations"] = Check{Status: "error", Message: fmt.Sprintf("cannot check migrations: %v", err)}
	case !ok:
		rep.Status = "not_ready"
		rep.Checks["migrations"] = Check{Status: "not_ready", Message: "database migrations pending"}
	default:
		rep.Checks["migrations"] = Check{Status: "ready", Message: "database migrations applied"}
	}
	return rep
}
