// Package notify delivers operator notifications such as storage alerts and
// error reports.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

// ErrNoRecipients is returned when a message has nobody to go to.
var ErrNoRecipients = errors.New("notify: no recipients")

// Notifier sends a plain text message.
type Notifier interface {
	Send(ctx context.Context, subject, body string, recipients []string) error
}

// SMTPConfig configures the mail notifier.
type SMTPConfig struct {
	Addr     string
	Username string
	Password string
	From     string
}

// SMTP delivers notifications as mail.
type SMTP struct {
	cfg    SMTPConfig
	send   func(e *email.Email, addr string, a smtp.Auth) error
	logger *slog.Logger
}

var _ Notifier = (*SMTP)(nil)

// NewSMTP builds a mail notifier.
func NewSMTP(cfg SMTPConfig, logger *slog.Logger) *SMTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTP{
		cfg:    cfg,
		send:   func(e *email.Email, addr string, a smtp.Auth) error { return e.Send(addr, a) },
		logger: logger.With("component", "notify"),
	}
}

// Send mails body to recipients. It gives up when ctx is done, though the
// SMTP exchange itself cannot be interrupted.
func (s *SMTP) Send(ctx context.Context, subject, body string, recipients []string) error {
	to := compact(recipients)
	if len(to) == 0 {
		return ErrNoRecipients
	}

	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = to
	e.Subject = subject
	e.Text = []byte(body)

	var a smtp.Auth
	if s.cfg.Username != "" {
		host, _, err := net.SplitHostPort(s.cfg.Addr)
		if err != nil {
			host = s.cfg.Addr
		}
		a = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}

	done := make(chan error, 1)
	go func() { done <- s.send(e, s.cfg.Addr, a) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail %q: %w", subject, err)
		}
		s.logger.Info("notification mailed", "subject", subject, "recipients", len(to))
		return nil
	}
}

// Log only records notifications. It stands in when no SMTP server is set.
type Log struct {
	logger *slog.Logger
}

var _ Notifier = (*Log)(nil)

// NewLog builds a logging notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) Send(_ context.Context, subject, body string, recipients []string) error {
	to := compact(recipients)
	if len(to) == 0 {
		return ErrNoRecipients
	}
	l.logger.Info("notification", "subject", subject, "recipients", strings.Join(to, ","), "body", body)
	return nil
}

// New picks the SMTP notifier when an address is configured and the log
// notifier otherwise.
func New(cfg SMTPConfig, logger *slog.Logger) Notifier {
	if cfg.Addr == "" {
		return NewLog(logger)
	}
	return NewSMTP(cfg, logger)
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
