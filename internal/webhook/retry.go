package webhook

import "time"

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
)

// RetryPolicy bounds automatic delivery attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

// Delay is the wait before attempt n. The first attempt goes out
// immediately; attempt n >= 2 waits BaseDelay * 2^(n-1).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	return p.BaseDelay << (n - 1)
}

// Exhausted reports whether attempts used up the budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
