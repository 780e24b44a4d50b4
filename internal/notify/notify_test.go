package notify_test

import (
	"bytes"
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jordan-wright/email"

	"github.com/daoistvideo/platform/internal/logger"
	"github.com/daoistvideo/platform/internal/notify"
)

func TestSMTPBuildsMessage(t *testing.T) {
	n := notify.NewSMTP(notify.SMTPConfig{
		Addr:     "mail.example.com:587",
		Username: "alerts",
		Password: "secret",
		From:     "noreply@example.com",
	}, logger.Discard())

	var sent *email.Email
	var addr string
	n.SetSender(func(e *email.Email, a string, auth smtp.Auth) error {
		if auth == nil {
			t.Errorf("expected smtp auth")
		}
		sent, addr = e, a
		return nil
	})

	err := n.Send(context.Background(), "storage warning", "disk at 90%", []string{" ops@example.com ", "", "admin@example.com"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if addr != "mail.example.com:587" {
		t.Fatalf("unexpected address %s", addr)
	}
	if diff := cmp.Diff([]string{"ops@example.com", "admin@example.com"}, sent.To); diff != "" {
		t.Fatalf("recipients mismatch (-want +got):\n%s", diff)
	}
	if sent.Subject != "storage warning" || string(sent.Text) != "disk at 90%" || sent.From != "noreply@example.com" {
		t.Fatalf("unexpected message %+v", sent)
	}
}

func TestSMTPWrapsFailures(t *testing.T) {
	n := notify.NewSMTP(notify.SMTPConfig{Addr: "localhost:25"}, logger.Discard())
	boom := errors.New("connection refused")
	n.SetSender(func(*email.Email, string, smtp.Auth) error { return boom })

	if err := n.Send(context.Background(), "s", "b", []string{"a@example.com"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
	if err := n.Send(context.Background(), "s", "b", nil); !errors.Is(err, notify.ErrNoRecipients) {
		t.Fatalf("expected no recipients, got %v", err)
	}
}

func TestNewFallsBackToLog(t *testing.T) {
	var buf bytes.Buffer
	n := notify.New(notify.SMTPConfig{}, logger.NewWithWriter("development", &buf))
	if _, ok := n.(*notify.Log); !ok {
		t.Fatalf("expected log notifier, got %T", n)
	}
	if err := n.Send(context.Background(), "urgent error report", "20 errors", []string{"admin@example.com"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "urgent error report") {
		t.Fatalf("notification not logged: %s", buf.String())
	}
}
