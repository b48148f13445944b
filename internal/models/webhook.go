package models

import "time"

// WebhookPayload is the exact field set delivered to the integrator.
type WebhookPayload struct {
	PaymentID string `json:"payment_id"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Status    Status `json:"status"`
	Timestamp string `json:"timestamp"`
	CardMask  string `json:"card_mask"`
}

func NewWebhookPayload(ev LifecycleEvent) WebhookPayload {
	return WebhookPayload{
		PaymentID: ev.PaymentID,
		Reference: ev.Reference,
		Amount:    ev.Amount,
		Status:    ev.Status,
		Timestamp: ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		CardMask:  ev.CardMask,
	}
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// Delivery is the durable retry-queue entry for one lifecycle event.
type Delivery struct {
	PaymentID     string        `json:"payment_id"`
	EventStatus   Status        `json:"event_status"`
	URL           string        `json:"url"`
	Payload       []byte        `json:"-"`
	Signature     string        `json:"signature"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// WebhookAttempt is one append-only row of the delivery audit trail.
type WebhookAttempt struct {
	PaymentID      string    `json:"payment_id"`
	Sequence       int       `json:"sequence"`
	URL            string    `json:"url"`
	Body           string    `json:"body"`
	Signature      string    `json:"signature"`
	ResponseStatus int       `json:"response_status,omitempty"`
	ResponseBody   string    `json:"response_body,omitempty"`
	Error          string    `json:"error,omitempty"`
	Success        bool      `json:"success"`
	DurationMs     int64     `json:"duration_ms"`
	AttemptedAt    time.Time `json:"attempted_at"`
}
