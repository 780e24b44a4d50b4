package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dchest/safefile"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/daoistvideo/platform/internal/cache"
	"github.com/daoistvideo/platform/internal/domain/compositions"
	"github.com/daoistvideo/platform/internal/domain/playback"
	"github.com/daoistvideo/platform/internal/domain/users"
	"github.com/daoistvideo/platform/internal/domain/videos"
	"github.com/daoistvideo/platform/internal/mediastore"
	"github.com/daoistvideo/platform/internal/notify"
)

const (
	StorageWarningPercent  = 85.0
	StorageCriticalPercent = 95.0

	backupPrefix     = "backup_"
	backupTimeLayout = "20060102_150405"
	defaultKeepDays  = 30
	composedPrefix   = "composed"

	systemCacheTTL   = 5 * time.Minute
	systemStatsKey   = "system:stats"
	systemStorageKey = "system:storage"
)

// ErrInvalidBackupType is returned for an unknown backup type.
var ErrInvalidBackupType = errors.New("backup type must be full, database or media")

// Sources are the statistics the system monitor aggregates.
type Sources struct {
	Users        interface{ Counts(ctx context.Context) (users.Counts, error) }
	Videos       interface{ Stats(ctx context.Context) (videos.Stats, error) }
	Compositions interface {
		Stats(ctx context.Context) (compositions.Stats, error)
	}
	Playback interface {
		Stats(ctx context.Context) (playback.Stats, error)
	}
}

// Snapshotter produces the database snapshot written by backups.
type Snapshotter interface {
	Snapshot(ctx context.Context) (any, error)
}

// MediaStore lists and reads stored media.
type MediaStore interface {
	List(ctx context.Context, prefix string) ([]mediastore.Info, error)
	Open(ctx context.Context, key string) (*mediastore.Object, error)
	Usage(ctx context.Context, prefix string) (int64, error)
}

// StorageInfo describes disk and media usage.
type StorageInfo struct {
	DiskTotal         uint64  `json:"disk_total"`
	DiskUsed          uint64  `json:"disk_used"`
	DiskFree          uint64  `json:"disk_free"`
	DiskUsagePercent  float64 `json:"disk_usage_percent"`
	VideoFilesSize    int64   `json:"video_files_size"`
	ComposedFilesSize int64   `json:"composed_files_size"`
	TotalMediaSize    int64   `json:"total_media_size"`
	TotalMediaHuman   string  `json:"total_media_human"`
	WarningThreshold  float64 `json:"warning_threshold"`
	CriticalThreshold float64 `json:"critical_threshold"`
}

// StorageWarning is raised when disk usage crosses a threshold.
type StorageWarning struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

// Statistics is the admin overview.
type Statistics struct {
	Users struct {
		Total     int `json:"total"`
		Admins    int `json:"admins"`
		Active30d int `json:"active_30d"`
	} `json:"users"`
	Videos struct {
		Total            int     `json:"total"`
		Uploaded30d      int     `json:"uploaded_30d"`
		TotalViews       int64   `json:"total_views"`
		AvgViewsPerVideo float64 `json:"avg_views_per_video"`
	} `json:"videos"`
	Compositions struct {
		Total       int     `json:"total"`
		Successful  int     `json:"successful"`
		Failed      int     `json:"failed"`
		SuccessRate float64 `json:"success_rate"`
		Recent7d    int     `json:"recent_7d"`
	} `json:"compositions"`
	Playbacks struct {
		Total                   int     `json:"total"`
		Completed               int     `json:"completed"`
		CompletionRate          float64 `json:"completion_rate"`
		AvgCompletionPercentage float64 `json:"avg_completion_percentage"`
	} `json:"playbacks"`
	Storage *StorageInfo `json:"storage"`
}

// BackupInfo is the manifest written next to a backup.
type BackupInfo struct {
	Name          string    `yaml:"name" json:"name"`
	Timestamp     string    `yaml:"timestamp" json:"timestamp"`
	Type          string    `yaml:"type" json:"type"`
	Status        string    `yaml:"status" json:"status"`
	FilesBackedUp []string  `yaml:"files_backed_up" json:"files_backed_up"`
	Errors        []string  `yaml:"errors" json:"errors"`
	CompletedAt   time.Time `yaml:"completed_at" json:"completed_at"`
}

// BackupCleanup reports removed backups.
type BackupCleanup struct {
	Cleaned int      `json:"cleaned"`
	Errors  []string `json:"errors"`
}

// CheckResult is the outcome of a monitoring run.
type CheckResult struct {
	Timestamp         time.Time        `json:"timestamp"`
	StorageWarnings   []StorageWarning `json:"storage_warnings"`
	SystemStats       *Statistics      `json:"system_stats"`
	NotificationsSent int              `json:"notifications_sent"`
}

// SystemOptions configures a SystemMonitor.
type SystemOptions struct {
	Sources    Sources
	Snapshot   Snapshotter
	Media      MediaStore
	MediaRoot  string
	BackupRoot string
	Notifier   notify.Notifier
	Recipients Recipients
	// Cache keeps statistics and storage info for five minutes. Nil
	// disables that.
	Cache  cache.Cache
	Logger *slog.Logger
	Now    func() time.Time
}

// SystemMonitor reports on storage and usage and manages backups.
type SystemMonitor struct {
	opts   SystemOptions
	disk   func(ctx context.Context, path string) (*disk.UsageStat, error)
	logger *slog.Logger
	now    func() time.Time
}

// NewSystemMonitor builds a monitor.
func NewSystemMonitor(opts SystemOptions) *SystemMonitor {
	m := &SystemMonitor{opts: opts, disk: disk.UsageWithContext, logger: opts.Logger, now: opts.Now}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "system_monitor")
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// StorageInfo reports disk usage of the media root and sizes of stored
// media, served from the cache when it is fresh.
func (m *SystemMonitor) StorageInfo(ctx context.Context) (StorageInfo, error) {
	return cachedValue(ctx, m, systemStorageKey, m.storageInfo)
}

func (m *SystemMonitor) storageInfo(ctx context.Context) (StorageInfo, error) {
	info := StorageInfo{WarningThreshold: StorageWarningPercent, CriticalThreshold: StorageCriticalPercent}

	root := m.opts.MediaRoot
	if root == "" {
		root = string(filepath.Separator)
	}
	usage, err := m.disk(ctx, root)
	if err != nil {
		return info, fmt.Errorf("disk usage: %w", err)
	}
	info.DiskTotal = usage.Total
	info.DiskUsed = usage.Used
	info.DiskFree = usage.Free
	if usage.Total > 0 {
		info.DiskUsagePercent = float64(usage.Used) / float64(usage.Total) * 100
	}

	if m.opts.Sources.Videos != nil {
		vs, err := m.opts.Sources.Videos.Stats(ctx)
		if err != nil {
			return info, fmt.Errorf("video stats: %w", err)
		}
		info.VideoFilesSize = vs.TotalSize
	}
	if m.opts.Media != nil {
		composed, err := m.opts.Media.Usage(ctx, composedPrefix)
		if err != nil {
			return info, fmt.Errorf("composed usage: %w", err)
		}
		info.ComposedFilesSize = composed
	}
	info.TotalMediaSize = info.VideoFilesSize + info.ComposedFilesSize
	info.TotalMediaHuman = humanize.IBytes(uint64(info.TotalMediaSize))
	return info, nil
}

// StorageWarnings compares current disk usage against the thresholds.
func (m *SystemMonitor) StorageWarnings(ctx context.Context) ([]StorageWarning, error) {
	info, err := m.storageInfo(ctx)
	if err != nil {
		return nil, err
	}
	return warningsFor(info), nil
}

func warningsFor(info StorageInfo) []StorageWarning {
	out := []StorageWarning{}
	used := info.DiskUsagePercent
	switch {
	case used >= info.CriticalThreshold:
		out = append(out, StorageWarning{
			Level:   "critical",
			Message: fmt.Sprintf("disk usage at %.1f%%, above the critical threshold of %.0f%%", used, info.CriticalThreshold),
			Action:  "free disk space or add capacity immediately",
		})
	case used >= info.WarningThreshold:
		out = append(out, StorageWarning{
			Level:   "warning",
			Message: fmt.Sprintf("disk usage at %.1f%%, above the warning threshold of %.0f%%", used, info.WarningThreshold),
			Action:  "remove unneeded files or plan more capacity",
		})
	}
	return out
}

// Statistics gathers usage from every source concurrently. Results are
// cached for five minutes.
func (m *SystemMonitor) Statistics(ctx context.Context) (Statistics, error) {
	return cachedValue(ctx, m, systemStatsKey, m.statistics)
}

func (m *SystemMonitor) statistics(ctx context.Context) (Statistics, error) {
	var st Statistics
	src := m.opts.Sources
	g, gctx := errgroup.WithContext(ctx)

	if src.Users != nil {
		g.Go(func() error {
			c, err := src.Users.Counts(gctx)
			if err != nil {
				return fmt.Errorf("user counts: %w", err)
			}
			st.Users.Total, st.Users.Admins = c.Total, c.Admins
			return nil
		})
	}
	if src.Videos != nil {
		g.Go(func() error {
			v, err := src.Videos.Stats(gctx)
			if err != nil {
				return fmt.Errorf("video stats: %w", err)
			}
			st.Videos.Total = v.Total
			st.Videos.Uploaded30d = v.UploadedSince
			st.Videos.TotalViews = v.TotalViews
			st.Videos.AvgViewsPerVideo = v.AvgViews()
			return nil
		})
	}
	if src.Compositions != nil {
		g.Go(func() error {
			c, err := src.Compositions.Stats(gctx)
			if err != nil {
				return fmt.Errorf("composition stats: %w", err)
			}
			st.Compositions.Total = c.Total
			st.Compositions.Successful = c.Successful
			st.Compositions.Failed = c.Failed
			st.Compositions.SuccessRate = c.SuccessRate()
			st.Compositions.Recent7d = c.Recent
			return nil
		})
	}
	if src.Playback != nil {
		g.Go(func() error {
			p, err := src.Playback.Stats(gctx)
			if err != nil {
				return fmt.Errorf("playback stats: %w", err)
			}
			st.Users.Active30d = p.ActiveUsers
			st.Playbacks.Total = p.Total
			st.Playbacks.Completed = p.Completed
			st.Playbacks.CompletionRate = p.CompletionRate()
			st.Playbacks.AvgCompletionPercentage = p.AvgCompletionPercentage
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Statistics{}, err
	}

	if info, err := m.StorageInfo(ctx); err != nil {
		m.logger.Warn("storage info unavailable", "err", err)
	} else {
		st.Storage = &info
	}
	return st, nil
}

// cachedValue serves key from the monitor's cache, filling it with fn.
// Failures of fn are not cached; cache faults fall back to fn.
func cachedValue[T any](ctx context.Context, m *SystemMonitor, key string, fn func(context.Context) (T, error)) (T, error) {
	c := m.opts.Cache
	if c == nil {
		return fn(ctx)
	}
	var v T
	err := cache.GetJSON(ctx, c, key, &v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		m.logger.Warn("system cache read failed", "key", key, "err", err)
	}
	v, err = fn(ctx)
	if err != nil {
		return v, err
	}
	if b, err := json.Marshal(v); err == nil {
		if err := c.Set(ctx, key, b, systemCacheTTL); err != nil {
			m.logger.Warn("system cache write failed", "key", key, "err", err)
		}
	}
	return v, nil
}

// CreateBackup writes a backup of the given type (full, database or media)
// into BACKUP_ROOT/backup_<timestamp>.
func (m *SystemMonitor) CreateBackup(ctx context.Context, kind string) (BackupInfo, error) {
	if kind == "" {
		kind = "full"
	}
	if kind != "full" && kind != "database" && kind != "media" {
		return BackupInfo{}, ErrInvalidBackupType
	}

	stamp := m.now().Format(backupTimeLayout)
	info := BackupInfo{
		Name:          backupPrefix + stamp,
		Timestamp:     stamp,
		Type:          kind,
		Status:        "in_progress",
		FilesBackedUp: []string{},
		Errors:        []string{},
	}
	dir := filepath.Join(m.opts.BackupRoot, info.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return info, fmt.Errorf("create backup dir: %w", err)
	}

	if kind == "full" || kind == "database" {
		if err := m.backupDatabase(ctx, dir); err != nil {
			m.logger.Error("database backup failed", "err", err)
			info.Errors = append(info.Errors, err.Error())
		} else {
			info.FilesBackedUp = append(info.FilesBackedUp, "database.yaml")
		}
	}
	if kind == "full" || kind == "media" {
		n, errs := m.backupMedia(ctx, filepath.Join(dir, "media"))
		info.Errors = append(info.Errors, errs...)
		if n > 0 {
			info.FilesBackedUp = append(info.FilesBackedUp, "media/")
		}
	}

	info.Status = "completed"
	if len(info.Errors) > 0 {
		info.Status = "completed_with_errors"
	}
	info.CompletedAt = m.now()
	if err := writeYAML(filepath.Join(dir, "backup_info.yaml"), info); err != nil {
		return info, fmt.Errorf("write backup manifest: %w", err)
	}
	m.logger.Info("backup created", "path", dir, "type", kind, "status", info.Status)
	return info, nil
}

func (m *SystemMonitor) backupDatabase(ctx context.Context, dir string) error {
	if m.opts.Snapshot == nil {
		return errors.New("no database snapshot source configured")
	}
	snap, err := m.opts.Snapshot.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	return writeYAML(filepath.Join(dir, "database.yaml"), snap)
}

func (m *SystemMonitor) backupMedia(ctx context.Context, dir string) (int, []string) {
	if m.opts.Media == nil {
		return 0, nil
	}
	items, err := m.opts.Media.List(ctx, "")
	if err != nil {
		return 0, []string{fmt.Sprintf("list media: %v", err)}
	}
	var errs []string
	copied := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return copied, append(errs, err.Error())
		}
		if err := m.copyMedia(ctx, it.Key, filepath.Join(dir, filepath.FromSlash(it.Key))); err != nil {
			errs = append(errs, fmt.Sprintf("copy %s: %v", it.Key, err))
			continue
		}
		copied++
	}
	return copied, errs
}

func (m *SystemMonitor) copyMedia(ctx context.Context, key, dst string) error {
	obj, err := m.opts.Media.Open(ctx, key)
	if err != nil {
		return err
	}
	defer obj.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := safefile.Create(dst, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, obj); err != nil {
		return err
	}
	return f.Commit()
}

func writeYAML(path string, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	f, err := safefile.Create(path, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	return f.Commit()
}

// ReadBackupInfo loads the manifest of a backup directory.
func ReadBackupInfo(dir string) (BackupInfo, error) {
	b, err := os.ReadFile(filepath.Join(dir, "backup_info.yaml"))
	if err != nil {
		return BackupInfo{}, err
	}
	var info BackupInfo
	if err := yaml.Unmarshal(b, &info); err != nil {
		return BackupInfo{}, fmt.Errorf("parse backup manifest: %w", err)
	}
	return info, nil
}

// CleanupBackups removes backups older than keepDays (default 30).
func (m *SystemMonitor) CleanupBackups(keepDays int) (BackupCleanup, error) {
	if keepDays < 1 {
		keepDays = defaultKeepDays
	}
	res := BackupCleanup{Errors: []string{}}
	entries, err := os.ReadDir(m.opts.BackupRoot)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	cutoff := m.now().AddDate(0, 0, -keepDays)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) {
			continue
		}
		created, err := time.ParseInLocation(backupTimeLayout, strings.TrimPrefix(e.Name(), backupPrefix), cutoff.Location())
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("skip %s: %v", e.Name(), err))
			continue
		}
		if !created.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.opts.BackupRoot, e.Name())); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("remove %s: %v", e.Name(), err))
			continue
		}
		res.Cleaned++
		m.logger.Info("old backup removed", "name", e.Name())
	}
	return res, nil
}

// RunCheck raises storage warnings, mails admins about them and gathers the
// current statistics.
func (m *SystemMonitor) RunCheck(ctx context.Context) (CheckResult, error) {
	res := CheckResult{Timestamp: m.now(), StorageWarnings: []StorageWarning{}}

	warnings, err := m.StorageWarnings(ctx)
	if err != nil {
		m.logger.Warn("storage warnings unavailable", "err", err)
	} else {
		res.StorageWarnings = warnings
	}
	for _, w := range res.StorageWarnings {
		title := "storage space low"
		if w.Level == "critical" {
			title = "storage space critically low"
		}
		if m.alert(ctx, title, w.Message) {
			res.NotificationsSent++
		}
	}

	stats, err := m.Statistics(ctx)
	if err != nil {
		return res, err
	}
	res.SystemStats = &stats
	m.logger.Info("monitoring check finished", "warnings", len(res.StorageWarnings), "notifications", res.NotificationsSent)
	return res, nil
}

func (m *SystemMonitor) alert(ctx context.Context, title, message string) bool {
	if m.opts.Notifier == nil || m.opts.Recipients == nil {
		return false
	}
	to := m.opts.Recipients(ctx)
	if len(to) == 0 {
		m.logger.Warn("no admin recipients for alert", "alert", title)
		return false
	}
	body := fmt.Sprintf("System monitoring alert\n\nAlert: %s\nTime: %s\nDetails: %s\n\nPlease take care of it.",
		title, m.now().Format("2006-01-02 15:04:05"), message)
	if err := m.opts.Notifier.Send(ctx, "[Daoist video platform] "+title, body, to); err != nil {
		m.logger.Error("send alert failed", "alert", title, "err", err)
		return false
	}
	return true
}
