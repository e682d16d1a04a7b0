// Package email provides an SMTP-based notifier for threshold notifications.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/Strob0t/CreditForge/internal/port/notifier"
)

const providerName = "email"

// SMTPConfig holds the configuration for SMTP connections and messages.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	To        []string
	Cc        []string
	Overwrite string // when set, every message goes only to this address
	StartTLS  bool
	Subject   string // text/template
	Body      string // text/template
}

// templateData is what subject and body templates see.
type templateData struct {
	Project   string
	Level     string
	Balance   string
	Used      string
	Granted   string
	Resolved  bool
	Timestamp time.Time
	Title     string
	Message   string
}

// sendFunc delivers a prepared message; replaced in tests.
type sendFunc func(ctx context.Context, cfg *SMTPConfig, rcpt []string, msg []byte) error

// Notifier sends email notifications via SMTP.
type Notifier struct {
	cfg     SMTPConfig
	subject *template.Template
	body    *template.Template
	send    sendFunc
}

// NewNotifier creates a new email notifier. Templates are parsed up front.
func NewNotifier(cfg SMTPConfig) (*Notifier, error) {
	subject, err := template.New("subject").Parse(cfg.Subject)
	if err != nil {
		return nil, fmt.Errorf("email subject template: %w", err)
	}
	body, err := template.New("body").Parse(cfg.Body)
	if err != nil {
		return nil, fmt.Errorf("email body template: %w", err)
	}
	return &Notifier{cfg: cfg, subject: subject, body: body, send: sendSMTP}, nil
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{}
}

// Recipients returns the envelope recipients of the next message.
func (n *Notifier) Recipients() []string {
	if n.cfg.Overwrite != "" {
		return []string{n.cfg.Overwrite}
	}
	rcpt := make([]string, 0, len(n.cfg.To)+len(n.cfg.Cc))
	rcpt = append(rcpt, n.cfg.To...)
	return append(rcpt, n.cfg.Cc...)
}

// Send renders and delivers the notification.
func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error { //nolint:gocritic // hugeParam: interface signature
	if n.cfg.Host == "" || n.cfg.From == "" {
		return notifier.ErrNotConfigured
	}
	rcpt := n.Recipients()
	if len(rcpt) == 0 {
		return notifier.ErrNotConfigured
	}

	msg, err := n.render(notification)
	if err != nil {
		return err
	}
	if err := n.send(ctx, &n.cfg, rcpt, msg); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

func (n *Notifier) render(notification notifier.Notification) ([]byte, error) { //nolint:gocritic // hugeParam
	data := templateData{
		Project:   notification.Project,
		Level:     notification.Threshold,
		Balance:   notification.Balance,
		Used:      notification.Used,
		Granted:   notification.Granted,
		Resolved:  notification.Resolved,
		Timestamp: notification.Timestamp,
		Title:     notification.Title,
		Message:   notification.Message,
	}

	var subject, body bytes.Buffer
	if err := n.subject.Execute(&subject, data); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	if err := n.body.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	if n.cfg.Overwrite != "" {
		fmt.Fprintf(&msg, "To: %s\r\n", n.cfg.Overwrite)
	} else {
		if len(n.cfg.To) > 0 {
			fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
		}
		if len(n.cfg.Cc) > 0 {
			fmt.Fprintf(&msg, "Cc: %s\r\n", strings.Join(n.cfg.Cc, ", "))
		}
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", strings.ReplaceAll(subject.String(), "\n", " "))
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

// sendSMTP delivers msg, upgrading with STARTTLS when configured.
func sendSMTP(ctx context.Context, cfg *SMTPConfig, rcpt []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer func() { _ = c.Close() }()

	if cfg.StartTLS {
		if err := c.StartTLS(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if cfg.Password != "" {
		user := cfg.Username
		if user == "" {
			user = cfg.From
		}
		if err := c.Auth(smtp.PlainAuth("", user, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(cfg.From); err != nil {
		return err
	}
	for _, to := range rcpt {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("rcpt %s: %w", to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
