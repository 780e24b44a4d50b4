package janitor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daoistvideo/platform/internal/janitor"
	"github.com/daoistvideo/platform/internal/logger"
)

func TestRunOnceRunsEveryJob(t *testing.T) {
	var ran []string
	boom := errors.New("boom")
	j := janitor.New(time.Hour, logger.Discard(),
		janitor.Job{Name: "first", Run: func(context.Context) error { ran = append(ran, "first"); return boom }},
		janitor.Job{Name: "second", Run: func(context.Context) error { ran = append(ran, "second"); return nil }},
	)

	err := j.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined job error, got %v", err)
	}
	if len(ran) != 2 {
		t.Fatalf("expected both jobs to run, got %v", ran)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	var count atomic.Int32
	j := janitor.New(5*time.Millisecond, logger.Discard(),
		janitor.Job{Name: "tick", Run: func(context.Context) error { count.Add(1); return nil }},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for count.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not tick")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}
