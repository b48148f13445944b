package notify

import (
	"context"
	"fmt"

	"paymock/internal/models"

	"github.com/shopspring/decimal"
)

// Notifier renders payer messages and hands them to a Mailer.
type Notifier struct {
	mailer   Mailer
	from     string
	fromName string
}

func NewNotifier(mailer Mailer, from string) *Notifier {
	return &Notifier{mailer: mailer, from: from, fromName: "PayMock"}
}

// FormatAmount renders minor units as a major-unit decimal string.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// SendCode delivers a one-time code for paymentID to destination.
func (n *Notifier) SendCode(ctx context.Context, destination, paymentID, code string) error {
	err := n.mailer.Send(ctx, Email{
		FromName: n.fromName,
		From:     n.from,
		To:       []string{destination},
		Subject:  "Your payment confirmation code",
		TextBody: fmt.Sprintf("Your confirmation code is %s.\n\nPayment: %s\nDo not share this code with anyone.\n", code, paymentID),
		Headers:  map[string]string{"X-Payment-ID": paymentID},
	})
	if err != nil {
		return fmt.Errorf("send code for %s: %w", paymentID, err)
	}
	return nil
}

// SendReceipt confirms a paid payment to the payer.
func (n *Notifier) SendReceipt(ctx context.Context, p *models.Payment) error {
	if p.OTPEmail == "" {
		return nil
	}
	paidAt := p.UpdatedAt
	if p.PaidAt != nil {
		paidAt = *p.PaidAt
	}
	body := fmt.Sprintf("Payment received.\n\nReference: %s\nAmount: %s\nCard: %s\nPaid at: %s\nPayment ID: %s\n",
		p.Reference, FormatAmount(p.Amount), p.CardMask, paidAt.UTC().Format("2006-01-02 15:04:05 UTC"), p.ID)

	err := n.mailer.Send(ctx, Email{
		FromName: n.fromName,
		From:     n.from,
		To:       []string{p.OTPEmail},
		Subject:  "Payment receipt " + p.Reference,
		TextBody: body,
		Headers:  map[string]string{"X-Payment-ID": p.ID},
	})
	if err != nil {
		return fmt.Errorf("send receipt for %s: %w", p.ID, err)
	}
	return nil
}
