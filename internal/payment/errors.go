package payment

import (
	"errors"
	"fmt"

	"paymock/internal/models"
)

var (
	ErrInvalidAmount = errors.New("amount must be a positive integer in minor units")
	ErrInvalidURL    = errors.New("must be an absolute http or https URL")
	ErrInvalidCard   = errors.New("card number is required")
	ErrInvalidEmail  = errors.New("a valid e-mail address is required")

	ErrNotFound        = errors.New("payment not found")
	ErrAlreadyTerminal = errors.New("payment has already been processed")
	ErrExpired         = errors.New("payment session has expired")
	ErrWrongState      = errors.New("payment is not awaiting a confirmation code")
)

// ValidationError rejects a request before any state is touched.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StateConflictError reports an operation the payment's current status does
// not allow.
type StateConflictError struct {
	PaymentID string
	Status    models.Status
	Err       error
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("payment %s is %s: %v", e.PaymentID, e.Status, e.Err)
}

func (e *StateConflictError) Unwrap() error { return e.Err }
