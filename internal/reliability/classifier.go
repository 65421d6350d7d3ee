package reliability

import (
	"net/http"
	"time"
)

// statusOverloaded is returned by Anthropic when the API is temporarily overloaded.
const statusOverloaded = 529

// maxBackoffShift bounds the doubling so base<<attempt cannot overflow.
const maxBackoffShift = 30

// IsRetryableHTTPStatus reports whether a provider response status is worth
// another attempt: throttling, request timeouts and server-side failures.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, statusOverloaded:
		return true
	}
	return code >= http.StatusInternalServerError && code != http.StatusNotImplemented
}

// isClientRejection reports a 4xx status that a retry would repeat verbatim.
func isClientRejection(code int) bool {
	return code >= http.StatusBadRequest && code < http.StatusInternalServerError && !IsRetryableHTTPStatus(code)
}

// ExponentialBackoff returns base doubled attempt times, capped at cap when cap > 0.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	d := base << uint(attempt)
	if cap > 0 && (d > cap || d <= 0) {
		return cap
	}
	return d
}
