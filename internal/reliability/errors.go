// Package reliability defines the error taxonomy shared by the queue, engine
// and provider layers, plus the classifiers that drive fallback and retry.
package reliability

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrValidation marks a rejected submission. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is returned when a task or workflow id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied is returned when a requester may not act on a resource.
	ErrAccessDenied = errors.New("access denied")
	// ErrNoProviderAvailable is returned when every provider is saturated or unbudgeted.
	ErrNoProviderAvailable = errors.New("no provider available")
	// ErrNonRetryable marks failures that must not consume retries.
	ErrNonRetryable = errors.New("non-retryable error")
	// ErrTimeout is returned when a task exceeds its execution budget.
	ErrTimeout = errors.New("task timed out")
	// ErrRateLimited marks provider calls rejected for rate or quota reasons.
	ErrRateLimited = errors.New("rate limited")
	// ErrDisallowedTool is returned when a task asks for a tool outside its whitelist.
	ErrDisallowedTool = errors.New("disallowed tool")
)

// ValidationError describes why a submission was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// Is reports ErrValidation so callers can use errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ProviderCallError is a failed call against a provider backend.
type ProviderCallError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderCallError) Error() string {
	var b strings.Builder
	b.WriteString("provider ")
	b.WriteString(e.Provider)
	b.WriteString(" call failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// Is maps status codes onto the taxonomy sentinels.
func (e *ProviderCallError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == 429 || matchesAny(e.Message, rateLimitSignatures)
	case ErrNonRetryable:
		return isClientRejection(e.StatusCode) || e.StatusCode == http.StatusNotImplemented
	}
	return false
}

// NonRetryableError wraps a failure that must terminate the task immediately.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// Is reports ErrNonRetryable.
func (e *NonRetryableError) Is(target error) bool {
	return target == ErrNonRetryable
}

// NonRetryable marks err as non-retryable. nil stays nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

var rateLimitSignatures = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"quota",
	"resource_exhausted",
	"resource exhausted",
	"overloaded",
}

var nonRetryableSignatures = []string{
	"access denied",
	"permission denied",
	"unauthorized",
	"authentication",
	"invalid api key",
	"invalid x-api-key",
	"invalid input",
	"disallowed tool",
}

func matchesAny(msg string, signatures []string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range signatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// IsRateLimit reports whether err looks like a rate-limit or quota rejection.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return matchesAny(err.Error(), rateLimitSignatures)
}

// IsNonRetryable reports whether err must fail a task without further attempts.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNonRetryable),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrDisallowedTool),
		errors.Is(err, ErrNoProviderAvailable):
		return true
	}
	if IsRateLimit(err) {
		return false
	}
	return matchesAny(err.Error(), nonRetryableSignatures)
}
