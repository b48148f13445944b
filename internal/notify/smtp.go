package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"paymock/internal/config"

	"go.uber.org/zap"
)

const DefaultSMTPTimeout = 15 * time.Second

var errStartTLSUnsupported = errors.New("server does not offer STARTTLS")

// SMTPError names the protocol step a relay failed at.
type SMTPError struct {
	Step string
	Err  error
}

func (e *SMTPError) Error() string { return "smtp " + e.Step + ": " + e.Err.Error() }

func (e *SMTPError) Unwrap() error { return e.Err }

// SMTPMailer relays mail through one SMTP server. TLSMode is "tls" for an
// implicit TLS port, "starttls" to upgrade a plain connection, anything else
// for plain text.
type SMTPMailer struct {
	cfg     config.SMTPConfig
	addr    string
	domain  string
	timeout time.Duration
	now     func() time.Time
	log     *zap.Logger
}

func NewSMTPMailer(cfg config.SMTPConfig, log *zap.Logger) *SMTPMailer {
	domain := cfg.Host
	if domain == "" {
		domain = "paymock.local"
	}
	return &SMTPMailer{
		cfg:     cfg,
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		domain:  domain,
		timeout: DefaultSMTPTimeout,
		now:     time.Now,
		log:     log,
	}
}

func (m *SMTPMailer) Send(ctx context.Context, e Email) error {
	raw, err := buildMIMEMessage(e, m.domain, m.now())
	if err != nil {
		return &SMTPError{Step: "build", Err: err}
	}

	start := m.now()
	if err := m.relay(ctx, e, raw); err != nil {
		m.log.Warn("smtp relay failed",
			zap.String("addr", m.addr),
			zap.Strings("to", e.To),
			zap.String("subject", e.Subject),
			zap.Error(err),
		)
		return err
	}
	m.log.Debug("mail relayed",
		zap.String("addr", m.addr),
		zap.Strings("to", e.To),
		zap.Duration("elapsed", m.now().Sub(start)),
	)
	return nil
}

func (m *SMTPMailer) relay(ctx context.Context, e Email, raw string) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return &SMTPError{Step: "dial", Err: err}
	}
	defer conn.Close()

	deadline := m.now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return &SMTPError{Step: "greeting", Err: err}
	}
	defer c.Close()

	if err := c.Hello(m.domain); err != nil {
		return &SMTPError{Step: "hello", Err: err}
	}
	if m.mode() == "starttls" {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return &SMTPError{Step: "starttls", Err: errStartTLSUnsupported}
		}
		if err := c.StartTLS(m.tlsConfig()); err != nil {
			return &SMTPError{Step: "starttls", Err: err}
		}
	}
	if m.cfg.User != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)); err != nil {
				return &SMTPError{Step: "auth", Err: err}
			}
		}
	}

	if err := c.Mail(e.From); err != nil {
		return &SMTPError{Step: "mail from", Err: err}
	}
	for _, rcpt := range e.To {
		if err := c.Rcpt(rcpt); err != nil {
			return &SMTPError{Step: "rcpt " + rcpt, Err: err}
		}
	}

	w, err := c.Data()
	if err != nil {
		return &SMTPError{Step: "data", Err: err}
	}
	if _, err := w.Write([]byte(raw)); err != nil {
		_ = w.Close()
		return &SMTPError{Step: "data", Err: err}
	}
	if err := w.Close(); err != nil {
		return &SMTPError{Step: "data", Err: err}
	}
	if err := c.Quit(); err != nil {
		return &SMTPError{Step: "quit", Err: err}
	}
	return nil
}

func (m *SMTPMailer) dial(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: m.timeout}
	if m.mode() == "tls" {
		td := &tls.Dialer{NetDialer: nd, Config: m.tlsConfig()}
		return td.DialContext(ctx, "tcp", m.addr)
	}
	return nd.DialContext(ctx, "tcp", m.addr)
}

func (m *SMTPMailer) mode() string {
	return strings.ToLower(strings.TrimSpace(m.cfg.TLSMode))
}

func (m *SMTPMailer) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
}
