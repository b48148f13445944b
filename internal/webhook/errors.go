package webhook

import (
	"errors"
	"fmt"
)

// ErrPermanentFailure marks a delivery whose retry budget is used up.
var ErrPermanentFailure = errors.New("webhook delivery failed permanently")

// DeliveryError is a single failed POST. StatusCode is zero when no response
// was received.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook request failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
