// Package notify delivers payer-facing e-mail: one-time codes and receipts.
package notify

import "context"

type Mailer interface {
	Send(ctx context.Context, e Email) error
}

type Email struct {
	FromName string
	From     string

	To []string

	Subject string

	TextBody string
	HTMLBody string

	Headers map[string]string
}
