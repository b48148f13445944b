package models

import "time"

type IdempotencyRecord struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	PaymentID   string    `json:"payment_id"`
	Result      []byte    `json:"result"`
	CreatedAt   time.Time `json:"created_at"`
}
