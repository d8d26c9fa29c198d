// Package mail delivers transactional email over SMTP. Verification and
// password-reset messages are enqueued as background jobs and sent by the
// worker, so a slow or unreachable relay never blocks a request handler.
package mail

import (
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
)

// SMTPConfig describes the outbound relay.
type SMTPConfig struct {
	Host string
	Port int
	From string
}

// SMTPSender sends messages through a plain SMTP relay. Local development
// targets Mailpit, which accepts unauthenticated connections.
type SMTPSender struct {
	addr string
	from string
}

// NewSMTPSender constructs an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from: cfg.From,
	}
}

// Send delivers a single plain-text message.
func (s *SMTPSender) Send(to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("mail: empty recipient")
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n")
	if err := smtp.SendMail(s.addr, nil, s.from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}
	return nil
}
