package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/daoistvideo/platform/internal/logger"
)

func TestNewWithWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter("production", &buf)

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered in production, got %q", buf.String())
	}

	log.Info("visible", "task_id", "abc")
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["service"] != "daoist-video" || record["task_id"] != "abc" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestDevelopmentLogsDebug(t *testing.T) {
	var buf bytes.Buffer
	logger.NewWithWriter("development", &buf).Debug("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected debug output in development")
	}
}
