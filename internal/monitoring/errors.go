package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dchest/safefile"

	"github.com/daoistvideo/platform/internal/notify"
)

const (
	maxReportDetails = 100
	urgentWindow     = 10 * time.Minute
	urgentThreshold  = 20
	anonymousUser    = "Anonymous"
)

// ErrorEvent is one recorded failure, server side or reported by a client.
type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	ErrorID   string    `json:"error_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	User      string    `json:"user"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
}

// ClientError is an error report sent by the web front end.
type ClientError struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	URL            string `json:"url"`
	Stack          string `json:"stack"`
	ComponentStack string `json:"componentStack"`
	UserAgent      string `json:"userAgent"`
	Timestamp      string `json:"timestamp"`
	Endpoint       string `json:"endpoint"`
	StatusCode     any    `json:"statusCode"`
}

// Count is a ranked name.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ReportSummary totals a regular report.
type ReportSummary struct {
	TotalErrors      int `json:"total_errors"`
	UniqueErrorTypes int `json:"unique_error_types"`
	AffectedPaths    int `json:"affected_paths"`
	AffectedUsers    int `json:"affected_users"`
}

// Period bounds a regular report.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Report is written to disk and mailed to admins.
type Report struct {
	Type         string         `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	Message      string         `json:"message,omitempty"`
	Period       *Period        `json:"period,omitempty"`
	Summary      *ReportSummary `json:"summary,omitempty"`
	TopErrors    []Count        `json:"top_errors,omitempty"`
	TopPaths     []Count        `json:"top_paths,omitempty"`
	TopUsers     []Count        `json:"top_users,omitempty"`
	ErrorTypes   map[string]int `json:"error_types,omitempty"`
	RecentErrors []ErrorEvent   `json:"recent_errors"`
}

// ReportFile describes a saved report.
type ReportFile struct {
	Filename  string         `json:"filename"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Summary   *ReportSummary `json:"summary,omitempty"`
}

// ErrorStatistics aggregates saved reports.
type ErrorStatistics struct {
	TotalErrors   int            `json:"total_errors"`
	ErrorTypes    map[string]int `json:"error_types"`
	RecentReports []ReportFile   `json:"recent_reports"`
}

// Recipients resolves who receives reports and alerts.
type Recipients func(ctx context.Context) []string

// ErrorReporterOptions configures an ErrorReporter.
type ErrorReporterOptions struct {
	Dir        string
	Interval   time.Duration
	Notifier   notify.Notifier
	Recipients Recipients
	Logger     *slog.Logger
	Now        func() time.Time
}

// ErrorReporter counts errors by type and periodically writes reports.
type ErrorReporter struct {
	dir        string
	interval   time.Duration
	notifier   notify.Notifier
	recipients Recipients
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	counts     map[string]int
	details    []ErrorEvent
	lastReport time.Time
	lastUrgent time.Time
}

// NewErrorReporter builds a reporter writing into opts.Dir.
func NewErrorReporter(opts ErrorReporterOptions) *ErrorReporter {
	r := &ErrorReporter{
		dir:        opts.Dir,
		interval:   opts.Interval,
		notifier:   opts.Notifier,
		recipients: opts.Recipients,
		logger:     opts.Logger,
		now:        opts.Now,
		counts:     make(map[string]int),
	}
	if r.interval <= 0 {
		r.interval = time.Hour
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "error_reporting")
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	r.lastReport = r.now()
	return r
}

// Record adds ev. When 20 or more errors land within ten minutes an urgent
// report is written, at most once per window.
func (r *ErrorReporter) Record(ctx context.Context, ev ErrorEvent) {
	now := r.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if ev.Type == "" {
		ev.Type = "Unknown"
	}
	if ev.User == "" {
		ev.User = anonymousUser
	}

	r.mu.Lock()
	r.counts[ev.Type]++
	r.details = append(r.details, ev)
	if len(r.details) > maxReportDetails*2 {
		r.details = append([]ErrorEvent(nil), r.details[len(r.details)-maxReportDetails:]...)
	}

	var recent []ErrorEvent
	for _, d := range r.details {
		if d.Timestamp.After(now.Add(-urgentWindow)) {
			recent = append(recent, d)
		}
	}
	urgent := len(recent) >= urgentThreshold && now.Sub(r.lastUrgent) >= urgentWindow
	if urgent {
		r.lastUrgent = now
	}
	regularDue := now.Sub(r.lastReport) >= r.interval
	r.mu.Unlock()

	if urgent {
		if err := r.sendUrgent(ctx, recent); err != nil {
			r.logger.Error("urgent error report failed", "err", err)
		}
	}
	if regularDue {
		if _, _, err := r.Report(ctx); err != nil {
			r.logger.Error("error report failed", "err", err)
		}
	}
}

// RecordClientErrors records front end reports and returns how many were
// accepted.
func (r *ErrorReporter) RecordClientErrors(ctx context.Context, user, ip string, errs []ClientError) int {
	for _, ce := range errs {
		typ := ce.Type
		if typ == "" {
			typ = "unknown"
		}
		r.Record(ctx, ErrorEvent{
			ErrorID:   "client_" + ce.Timestamp,
			Type:      "ClientError_" + typ,
			Message:   ce.Message,
			Path:      ce.URL,
			Method:    "CLIENT",
			User:      user,
			IPAddress: ip,
			UserAgent: ce.UserAgent,
		})
		r.logger.Error("client error reported", "type", typ, "message", ce.Message, "url", ce.URL, "endpoint", ce.Endpoint, "user", user)
	}
	return len(errs)
}

// Pending reports how many errors await the next regular report.
func (r *ErrorReporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.counts {
		total += n
	}
	return total
}

// Report writes a regular report and resets the counters. It reports false
// when there was nothing to report.
func (r *ErrorReporter) Report(ctx context.Context) (Report, bool, error) {
	now := r.now()
	r.mu.Lock()
	r.lastReport = now
	if len(r.counts) == 0 {
		r.mu.Unlock()
		return Report{}, false, nil
	}
	report := r.buildLocked(now)
	r.counts = make(map[string]int)
	r.details = nil
	r.mu.Unlock()

	if err := r.save(report, false); err != nil {
		return report, true, err
	}
	r.mail(ctx, fmt.Sprintf("Daoist video platform - error report (%s)", now.Format(time.RFC3339)), regularBody(report))
	r.logger.Info("error report generated", "total_errors", report.Summary.TotalErrors)
	return report, true, nil
}

func (r *ErrorReporter) buildLocked(now time.Time) Report {
	paths := make(map[string]int)
	usersSeen := make(map[string]int)
	for _, d := range r.details {
		paths[d.Path]++
		if d.User != anonymousUser {
			usersSeen[d.User]++
		}
	}
	total := 0
	for _, n := range r.counts {
		total += n
	}
	recent := r.details
	if len(recent) > 20 {
		recent = recent[len(recent)-20:]
	}
	return Report{
		Type:      "regular",
		Timestamp: now,
		Period:    &Period{Start: now.Add(-r.interval), End: now},
		Summary: &ReportSummary{
			TotalErrors:      total,
			UniqueErrorTypes: len(r.counts),
			AffectedPaths:    len(paths),
			AffectedUsers:    len(usersSeen),
		},
		TopErrors:    top(r.counts, 10),
		TopPaths:     top(paths, 5),
		TopUsers:     top(usersSeen, 5),
		RecentErrors: append([]ErrorEvent(nil), recent...),
	}
}

func (r *ErrorReporter) sendUrgent(ctx context.Context, recent []ErrorEvent) error {
	types := make(map[string]int)
	for _, e := range recent {
		types[e.Type]++
	}
	last := recent
	if len(last) > 10 {
		last = last[len(last)-10:]
	}
	report := Report{
		Type:         "urgent",
		Timestamp:    r.now(),
		Message:      fmt.Sprintf("%d errors within 10 minutes", len(recent)),
		ErrorTypes:   types,
		RecentErrors: last,
	}
	if err := r.save(report, true); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Urgent error alert\n\nDetected: %s\nReason: %s\n\nError types:\n", report.Timestamp.Format(time.RFC3339), report.Message)
	for _, c := range top(types, len(types)) {
		fmt.Fprintf(&b, "- %s: %d\n", c.Name, c.Count)
	}
	b.WriteString("\nPlease check the system immediately.")
	r.mail(ctx, "[URGENT] Daoist video platform - error spike", b.String())
	r.logger.Warn("urgent error report generated", "errors", len(recent))
	return nil
}

func regularBody(rep Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error report\n\nGenerated: %s\nPeriod: %s to %s\n\n",
		rep.Timestamp.Format(time.RFC3339), rep.Period.Start.Format(time.RFC3339), rep.Period.End.Format(time.RFC3339))
	fmt.Fprintf(&b, "Total errors: %d\nError types: %d\nAffected paths: %d\nAffected users: %d\n\nTop errors:\n",
		rep.Summary.TotalErrors, rep.Summary.UniqueErrorTypes, rep.Summary.AffectedPaths, rep.Summary.AffectedUsers)
	for i, c := range rep.TopErrors {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "- %s: %d\n", c.Name, c.Count)
	}
	b.WriteString("\nTop paths:\n")
	for i, c := range rep.TopPaths {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "- %s: %d\n", c.Name, c.Count)
	}
	return b.String()
}

func (r *ErrorReporter) mail(ctx context.Context, subject, body string) {
	if r.notifier == nil || r.recipients == nil {
		return
	}
	to := r.recipients(ctx)
	if len(to) == 0 {
		return
	}
	if err := r.notifier.Send(ctx, subject, body, to); err != nil {
		r.logger.Error("mail error report failed", "err", err)
	}
}

func (r *ErrorReporter) save(report Report, urgent bool) error {
	if r.dir == "" {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	prefix := "regular_"
	if urgent {
		prefix = "urgent_"
	}
	name := fmt.Sprintf("%serror_report_%s.json", prefix, report.Timestamp.Format("20060102_150405"))

	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	f, err := safefile.Create(filepath.Join(r.dir, name), 0o644)
	if err != nil {
		return fmt.Errorf("create report %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write report %s: %w", name, err)
	}
	if err := f.Commit(); err != nil {
		return fmt.Errorf("commit report %s: %w", name, err)
	}
	r.logger.Info("error report saved", "path", filepath.Join(r.dir, name))
	return nil
}

// Statistics reads the reports saved within the last hours.
func (r *ErrorReporter) Statistics(hours int) (ErrorStatistics, error) {
	if hours <= 0 {
		hours = 24
	}
	out := ErrorStatistics{ErrorTypes: map[string]int{}, RecentReports: []ReportFile{}}
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return out, err
	}

	cutoff := r.now().Add(-time.Duration(hours) * time.Hour)
	types := make(map[string]int)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			r.logger.Warn("read error report failed", "file", e.Name(), "err", err)
			continue
		}
		var rep Report
		if err := json.Unmarshal(b, &rep); err != nil {
			r.logger.Warn("parse error report failed", "file", e.Name(), "err", err)
			continue
		}
		out.RecentReports = append(out.RecentReports, ReportFile{
			Filename:  e.Name(),
			Timestamp: rep.Timestamp,
			Type:      rep.Type,
			Summary:   rep.Summary,
		})
		if rep.Summary != nil {
			out.TotalErrors += rep.Summary.TotalErrors
		}
		for _, c := range rep.TopErrors {
			types[c.Name] += c.Count
		}
	}
	for _, c := range top(types, 10) {
		out.ErrorTypes[c.Name] = c.Count
	}
	sort.Slice(out.RecentReports, func(i, j int) bool {
		return out.RecentReports[i].Timestamp.After(out.RecentReports[j].Timestamp)
	})
	return out, nil
}

// Run writes a regular report every interval until ctx is done.
func (r *ErrorReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := r.Report(ctx); err != nil {
				r.logger.Error("periodic error report failed", "err", err)
			}
		}
	}
}

// top returns the n largest counts, ties broken by name.
func top(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Name: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
