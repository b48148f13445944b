package models

import "time"

// SavedCard never holds the card number; ID is a hash of number and email.
type SavedCard struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CardMask  string    `json:"card_mask"`
	Expiry    string    `json:"expiry"`
	CreatedAt time.Time `json:"created_at"`
}
