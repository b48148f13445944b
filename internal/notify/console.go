package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConsoleMailer logs messages instead of sending them. Used when no SMTP
// relay is configured so codes stay retrievable during local testing.
type ConsoleMailer struct {
	log *zap.Logger
}

func NewConsoleMailer(log *zap.Logger) *ConsoleMailer {
	return &ConsoleMailer{log: log}
}

func (m *ConsoleMailer) Send(_ context.Context, e Email) error {
	if _, err := buildMIMEMessage(e, "console", time.Now()); err != nil {
		return err
	}
	m.log.Info("email (console delivery)",
		zap.String("to", strings.Join(e.To, ", ")),
		zap.String("subject", e.Subject),
		zap.String("body", e.TextBody),
	)
	return nil
}

// Mock records sent mail for tests.
type Mock struct {
	mu   sync.Mutex
	Sent []Email
	Err  error
}

func (m *Mock) Send(_ context.Context, e Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, e)
	return m.Err
}

func (m *Mock) Messages() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Email(nil), m.Sent...)
}
