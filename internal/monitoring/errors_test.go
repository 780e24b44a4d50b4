package monitoring_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/daoistvideo/platform/internal/logger"
	"github.com/daoistvideo/platform/internal/monitoring"
)

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *recordingNotifier) Send(_ context.Context, subject, _ string, _ []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.subjects...)
}

func admins(context.Context) []string { return []string{"admin@example.com"} }

func newReporter(t *testing.T, now *time.Time, n *recordingNotifier) (*monitoring.ErrorReporter, string) {
	t.Helper()
	dir := t.TempDir()
	return monitoring.NewErrorReporter(monitoring.ErrorReporterOptions{
		Dir:        dir,
		Interval:   time.Hour,
		Notifier:   n,
		Recipients: admins,
		Logger:     logger.Discard(),
		Now:        func() time.Time { return *now },
	}), dir
}

func TestReportSummarisesAndResets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	n := &recordingNotifier{}
	r, dir := newReporter(t, &now, n)

	r.Record(ctx, monitoring.ErrorEvent{Type: "ValueError", Path: "/api/videos", User: "laozi"})
	r.Record(ctx, monitoring.ErrorEvent{Type: "ValueError", Path: "/api/videos"})
	r.Record(ctx, monitoring.ErrorEvent{Type: "KeyError", Path: "/api/auth/login", User: "laozi"})

	rep, ok, err := r.Report(ctx)
	if err != nil || !ok {
		t.Fatalf("report failed: %v (%v)", err, ok)
	}
	if rep.Summary.TotalErrors != 3 || rep.Summary.UniqueErrorTypes != 2 || rep.Summary.AffectedPaths != 2 || rep.Summary.AffectedUsers != 1 {
		t.Fatalf("unexpected summary %+v", rep.Summary)
	}
	if rep.TopErrors[0].Name != "ValueError" || rep.TopErrors[0].Count != 2 {
		t.Fatalf("unexpected top errors %+v", rep.TopErrors)
	}
	if r.Pending() != 0 {
		t.Fatalf("counters not reset")
	}
	if _, ok, _ := r.Report(ctx); ok {
		t.Fatalf("empty report should not be written")
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || entries[0].Name() != "regular_error_report_20240315_120000.json" {
		t.Fatalf("unexpected report files %v (%v)", entries, err)
	}
	if subjects := n.sent(); len(subjects) != 1 || !strings.Contains(subjects[0], "error report") {
		t.Fatalf("unexpected mails %v", subjects)
	}

	stats, err := r.Statistics(24)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalErrors != 3 || stats.ErrorTypes["ValueError"] != 2 || len(stats.RecentReports) != 1 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
}

func TestUrgentReportOnErrorSpike(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	n := &recordingNotifier{}
	r, dir := newReporter(t, &now, n)

	for i := 0; i < 25; i++ {
		r.Record(ctx, monitoring.ErrorEvent{Type: "TimeoutError", Path: "/api/videos"})
	}

	var urgent int
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "urgent_") {
			urgent++
		}
	}
	if urgent != 1 {
		t.Fatalf("expected one urgent report, got %d", urgent)
	}
	if subjects := n.sent(); len(subjects) != 1 || !strings.Contains(subjects[0], "URGENT") {
		t.Fatalf("unexpected mails %v", subjects)
	}
	if r.Pending() != 25 {
		t.Fatalf("urgent reports must keep counters, got %d", r.Pending())
	}
}

func TestRegularReportWhenIntervalElapsed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	r, _ := newReporter(t, &now, &recordingNotifier{})

	r.Record(ctx, monitoring.ErrorEvent{Type: "A"})
	now = now.Add(61 * time.Minute)
	r.Record(ctx, monitoring.ErrorEvent{Type: "B"})
	if r.Pending() != 0 {
		t.Fatalf("expected a regular report to flush counters, %d pending", r.Pending())
	}
}

func TestRecordClientErrors(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	r, _ := newReporter(t, &now, &recordingNotifier{})

	got := r.RecordClientErrors(ctx, "laozi", "10.0.0.1", []monitoring.ClientError{
		{Type: "network", Message: "timeout", URL: "/videos"},
		{Message: "render failed"},
	})
	if got != 2 {
		t.Fatalf("expected 2 accepted, got %d", got)
	}
	rep, _, err := r.Report(ctx)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]int{}
	for _, c := range rep.TopErrors {
		names[c.Name] = c.Count
	}
	if names["ClientError_network"] != 1 || names["ClientError_unknown"] != 1 {
		t.Fatalf("unexpected client error types %v", names)
	}
}
