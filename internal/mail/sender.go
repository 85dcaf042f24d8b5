// Package mail delivers the service's outbound emails: verification and reset
// passcodes, login alerts, and API key notices. Delivery goes through the
// Sender interface so tests and mail-less deployments can swap the transport.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/api-manager/api-manager/internal/config"
	"github.com/api-manager/api-manager/internal/telemetry"
)

// Sender delivers one HTML email. A nil error means the message was accepted
// by the transport.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// New returns an SMTP sender when notifications are enabled and an SMTP host
// is configured, and a LogSender otherwise
func New(cfg *config.NotificationsConfig) Sender {
	if !cfg.Enabled || cfg.SMTP.Host == "" {
		slog.Info("email delivery disabled; outbound messages will only be logged")
		return &LogSender{}
	}
	return NewSMTPSender(&cfg.SMTP)
}

// Deliver sends a rendered message and records the outcome
func Deliver(ctx context.Context, sender Sender, to string, msg *Message) error {
	err := sender.Send(ctx, to, msg.Subject, msg.HTML)
	result := "sent"
	if err != nil {
		result = "failed"
	}
	telemetry.EmailsSentTotal.WithLabelValues(msg.Template, result).Inc()
	return err
}

// SMTPSender sends mail through an SMTP relay. UseTLS=true always means an
// encrypted connection: implicit TLS is tried first and STARTTLS is the
// fallback.
type SMTPSender struct {
	cfg  *config.SMTPConfig
	dial func(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error)
}

// NewSMTPSender creates an SMTPSender
func NewSMTPSender(cfg *config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, dial: dialTLS}
}

func dialTLS(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 10 * time.Second}, Config: tlsConfig}
	return d.DialContext(ctx, "tcp", addr)
}

// Send implements Sender
func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	from := s.cfg.SenderAddress()
	msg := buildMessage(from, to, subject, htmlBody)

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if s.cfg.UseTLS {
		return s.sendTLS(ctx, addr, auth, from, to, msg)
	}
	return smtp.SendMail(addr, auth, from, []string{to}, msg)
}

func buildMessage(from, to, subject, htmlBody string) []byte {
	headers := strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=utf-8",
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
	}, "\r\n")
	return []byte(headers + "\r\n\r\n" + htmlBody + "\r\n")
}

func (s *SMTPSender) sendTLS(ctx context.Context, addr string, auth smtp.Auth, from, to string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: s.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := s.dial(ctx, addr, tlsConfig)
	if err != nil {
		// Port 587: smtp.SendMail negotiates STARTTLS when the server offers it
		return smtp.SendMail(addr, auth, from, []string{to}, msg)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO %s: %w", to, err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}

// LogSender records messages instead of sending them. Bodies are never logged
// because they carry passcodes.
type LogSender struct {
	mu   sync.Mutex
	sent []SentMessage
}

// SentMessage is a message captured by LogSender
type SentMessage struct {
	To      string
	Subject string
	HTML    string
}

// Send implements Sender
func (l *LogSender) Send(_ context.Context, to, subject, htmlBody string) error {
	l.mu.Lock()
	l.sent = append(l.sent, SentMessage{To: to, Subject: subject, HTML: htmlBody})
	l.mu.Unlock()
	slog.Info("email not delivered (notifications disabled)", "to", to, "subject", subject)
	return nil
}

// Sent returns a copy of the captured messages
func (l *LogSender) Sent() []SentMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SentMessage, len(l.sent))
	copy(out, l.sent)
	return out
}
