package models

import "time"

type Status string

const (
	StatusPending       Status = "pending"
	StatusWaitingForOTP Status = "waiting_for_otp"
	StatusPaid          Status = "paid"
	StatusFailed        Status = "failed"
	StatusExpired       Status = "expired"
	// StatusRefunded is part of the wire vocabulary but no transition reaches it.
	StatusRefunded Status = "refunded"
)

const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonInvalidOTP        = "invalid_otp"
)

var transitions = map[Status][]Status{
	StatusPending:       {StatusWaitingForOTP, StatusFailed, StatusExpired},
	StatusWaitingForOTP: {StatusPaid, StatusFailed, StatusExpired},
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is an edge of the lifecycle graph.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWaitingForOTP, StatusPaid, StatusFailed, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

type Payment struct {
	ID             string     `json:"id"`
	Amount         int64      `json:"amount"`
	Reference      string     `json:"reference"`
	WebhookURL     string     `json:"webhook_url"`
	RedirectURL    string     `json:"redirect_url"`
	Status         Status     `json:"status"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CardMask       string     `json:"card_mask,omitempty"`
	OTPEmail       string     `json:"otp_email,omitempty"`
	OTPAttempts    int        `json:"otp_attempts"`
	OTPHash        string     `json:"-"`
	SaveCard       bool       `json:"-"`
	CardHash       string     `json:"-"`
	CardExpiry     string     `json:"-"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	// Version is bumped by every stored update.
	Version        int64      `json:"-"`
}

// Expired reports whether the payment's window has closed at now.
func (p *Payment) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

type StatusChange struct {
	PaymentID string    `json:"payment_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// LifecycleEvent is emitted once per transition into a terminal status.
type LifecycleEvent struct {
	PaymentID  string    `json:"payment_id"`
	Reference  string    `json:"reference"`
	Amount     int64     `json:"amount"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	CardMask   string    `json:"card_mask"`
	WebhookURL string    `json:"webhook_url"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewLifecycleEvent(p *Payment, at time.Time) LifecycleEvent {
	return LifecycleEvent{
		PaymentID:  p.ID,
		Reference:  p.Reference,
		Amount:     p.Amount,
		Status:     p.Status,
		Reason:     p.FailureReason,
		CardMask:   p.CardMask,
		WebhookURL: p.WebhookURL,
		OccurredAt: at,
	}
}
