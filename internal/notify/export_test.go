package notify

import (
	"net/smtp"

	"github.com/jordan-wright/email"
)

// SetSender swaps the SMTP transport for tests.
func (s *SMTP) SetSender(fn func(e *email.Email, addr string, a smtp.Auth) error) {
	s.send = fn
}
