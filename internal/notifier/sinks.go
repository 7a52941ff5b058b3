package notifier

import (
	"context"
	"errors"
	"net"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"

	"buildorch/pkg/logx"
)

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
}

// EmailSink sends one mail per message to all recipients.
type EmailSink struct {
	cfg  EmailConfig
	auth smtp.Auth
	send func(e *email.Email, addr string, a smtp.Auth) error
}

func NewEmailSink(cfg EmailConfig) (*EmailSink, error) {
	if strings.TrimSpace(cfg.Addr) == "" || strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp addr and from are required")
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, err
	}
	s := &EmailSink{cfg: cfg, send: (*email.Email).Send}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return s, nil
}

func (s *EmailSink) Send(ctx context.Context, m Message) error {
	if len(m.Recipients) == 0 {
		return errors.New("email: no recipients")
	}
	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = m.Recipients
	e.Subject = m.Subject
	e.Text = []byte(m.Body)

	// net/smtp has no context; the send keeps running after ctx expires but
	// the worker moves on.
	done := make(chan error, 1)
	go func() { done <- s.send(e, s.cfg.Addr, s.auth) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes notifications as structured log lines.
type LogSink struct{ Log logx.Logger }

func (s LogSink) Send(_ context.Context, m Message) error {
	s.Log.Info("notification",
		logx.String("rule", m.Rule),
		logx.Int64("build", m.BuildID),
		logx.Strings("recipients", m.Recipients),
		logx.String("subject", m.Subject),
	)
	return nil
}
