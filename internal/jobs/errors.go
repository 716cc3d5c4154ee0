package jobs

import (
	"errors"
	"fmt"

	"github.com/eventpulse/ig-events-worker/pkg/client"
)

// AuthError means credentials for a scraper path are missing or expired.
// Retrying cannot help until an operator intervenes.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error: %s", e.Reason)
}

// RateLimitError means the provider throttled us. The queue's backoff policy
// is the right response.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRetriable reports whether re-running the job through the queue's backoff
// policy could plausibly succeed. Auth failures and exhausted quota are
// excluded: the former needs an operator, the latter a new billing period.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) || client.IsQuotaExhausted(err) {
		return false
	}
	return true
}
