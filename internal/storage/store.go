// Package storage persists payments, their status history, webhook
// deliveries and the attempt trail.
package storage

import (
	"context"
	"errors"
	"time"

	"paymock/internal/idempotency"
	"paymock/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a compare-and-set lost: the stored row no longer
	// matches what the caller expected, or the row already exists.
	ErrConflict = errors.New("record changed concurrently")
)

type PaymentStore interface {
	InsertPayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	// UpdatePayment overwrites p only if the stored row still has status
	// expected and version p.Version, then increments p.Version. A status
	// change appends one StatusChange row in the same transaction.
	UpdatePayment(ctx context.Context, p *models.Payment, expected models.Status) error
	ListExpirable(ctx context.Context, now time.Time) ([]*models.Payment, error)
	ListTerminalWithoutDelivery(ctx context.Context) ([]*models.Payment, error)
	ListPaidByEmail(ctx context.Context, email string, limit int) ([]*models.Payment, error)
	StatusHistory(ctx context.Context, id string) ([]models.StatusChange, error)
}

type DeliveryStore interface {
	CreateDeliveryIfAbsent(ctx context.Context, d *models.Delivery) (bool, error)
	GetDelivery(ctx context.Context, paymentID string) (*models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	ListPendingDeliveries(ctx context.Context) ([]*models.Delivery, error)
	// AppendAttempt fails with ErrConflict when (PaymentID, Sequence) exists.
	AppendAttempt(ctx context.Context, a *models.WebhookAttempt) error
	ListAttempts(ctx context.Context, paymentID string) ([]models.WebhookAttempt, error)
}

type CardStore interface {
	SaveCard(ctx context.Context, c *models.SavedCard) error
	ListCards(ctx context.Context, email string) ([]models.SavedCard, error)
}

// Store is everything the gateway and dispatcher persist.
type Store interface {
	PaymentStore
	DeliveryStore
	CardStore
	idempotency.Store
	Close() error
}
