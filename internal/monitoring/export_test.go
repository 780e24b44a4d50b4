package monitoring

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

func (h *HealthChecker) SetProbes(d func(context.Context, string) (*disk.UsageStat, error), m func(context.Context) (*mem.VirtualMemoryStat, error)) {
	h.disk = d
	h.memory = m
}

func (m *SystemMonitor) SetDisk(d func(context.Context, string) (*disk.UsageStat, error)) {
	m.disk = d
}

func (h *HealthChecker) SetClock(now func() time.Time) { h.now = now }
