package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrRunTimeout is returned when an actor run does not reach a terminal
// state before the polling deadline elapses.
var ErrRunTimeout = errors.New("actor run timed out")

// quotaExhaustedSignature is the message fragment Apify emits when the
// monthly platform usage limit is hit. Matching on it lets the job layer
// short-circuit retries that cannot succeed within the billing period.
const quotaExhaustedSignature = "monthly usage hard limit exceeded"

// ClientError is a non-retriable request/response problem: a malformed
// request, an unexpected response shape, or a provider-side run failure.
type ClientError struct {
	Message    string
	StatusCode int
}

func (e *ClientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("apify client error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("apify client error: %s", e.Message)
}

// FallbackError tags a runner failure with whether the other execution path
// should be tried. Missing binaries and malformed runner output are
// fallback-eligible; a genuine run failure (e.g. quota exceeded) is not.
type FallbackError struct {
	Err            error
	ShouldFallback bool
}

func (e *FallbackError) Error() string { return e.Err.Error() }
func (e *FallbackError) Unwrap() error { return e.Err }

// ShouldFallback reports whether err allows switching to the other runner path.
func ShouldFallback(err error) bool {
	var fe *FallbackError
	return errors.As(err, &fe) && fe.ShouldFallback
}

// IsQuotaExhausted reports whether err carries Apify's monthly-usage-limit
// signature. Such failures are terminal for the current billing period.
func IsQuotaExhausted(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), quotaExhaustedSignature)
}

// IsRateLimited reports whether err was caused by provider throttling.
func IsRateLimited(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.StatusCode == http.StatusTooManyRequests
	}
	return false
}
