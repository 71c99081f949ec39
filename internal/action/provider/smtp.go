package provider

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPConfig holds SMTP server settings.
type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
}

// SMTPProvider implements email sending via a plain SMTP relay, typically a
// local relay or MailHog in development.
type SMTPProvider struct {
	cfg SMTPConfig
}

// NewSMTPProvider creates a new SMTP email provider.
func NewSMTPProvider(cfg SMTPConfig) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

// Name returns the provider name.
func (p *SMTPProvider) Name() string {
	return "smtp"
}

// IsConfigured returns true if an SMTP host is set.
func (p *SMTPProvider) IsConfigured() bool {
	return p.cfg.Host != ""
}

// Send sends an email via SMTP.
func (p *SMTPProvider) Send(ctx context.Context, req *EmailRequest) error {
	if p.cfg.Host == "" {
		return fmt.Errorf("SMTP host not configured")
	}
	if len(req.To) == 0 {
		return fmt.Errorf("no recipients specified")
	}

	addr := fmt.Sprintf("%s:%s", p.cfg.Host, p.cfg.Port)
	var auth smtp.Auth
	if p.cfg.User != "" && p.cfg.Password != "" {
		auth = smtp.PlainAuth("", p.cfg.User, p.cfg.Password, p.cfg.Host)
	}

	msg := buildMessage(req)
	if err := smtp.SendMail(addr, auth, req.From, req.To, msg); err != nil {
		return fmt.Errorf("SMTP send failed: %w", err)
	}
	return nil
}

func buildMessage(req *EmailRequest) []byte {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("From: %s\r\n", req.From))
	sb.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(req.To, ", ")))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", req.Subject))
	sb.WriteString("MIME-Version: 1.0\r\n")
	if req.HTML != "" {
		sb.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		sb.WriteString(req.HTML)
	} else {
		sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		sb.WriteString(req.Body)
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
