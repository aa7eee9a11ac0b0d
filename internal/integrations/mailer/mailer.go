// Package mailer sends meeting notifications over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"pm-agent/internal/integrations/paramstore"
)

const defaultPasswordName = "smtp-password"

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Config addresses the SMTP relay.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	From     string `mapstructure:"from"`
}

// Mailer implements the notification adapter on net/smtp.
type Mailer struct {
	cfg          Config
	secrets      paramstore.SecretGetter
	passwordName string
	send         sendFunc
	now          func() time.Time
}

func New(cfg Config, secrets paramstore.SecretGetter) (*Mailer, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errors.New("mailer: host must not be empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mailer: from address must not be empty")
	}
	return &Mailer{
		cfg:          cfg,
		secrets:      secrets,
		passwordName: defaultPasswordName,
		send:         smtp.SendMail,
		now:          time.Now,
	}, nil
}

// Send delivers one plain-text message to a single recipient.
func (m *Mailer) Send(ctx context.Context, body, to, subject string) error {
	to = strings.TrimSpace(to)
	if to == "" || !strings.Contains(to, "@") {
		return fmt.Errorf("mailer: invalid recipient %q", to)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.secrets != nil {
		password, err := m.secrets.GetSecret(ctx, m.passwordName)
		if err != nil {
			return fmt.Errorf("mailer: resolve password: %w", err)
		}
		auth = smtp.PlainAuth("", m.cfg.Username, password, m.cfg.Host)
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.cfg.From, []string{to}, m.compose(to, subject, body)); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", to, err)
	}
	return nil
}

func (m *Mailer) compose(to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + m.cfg.From + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + sanitizeHeader(subject) + "\r\n")
	b.WriteString("Date: " + m.now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
