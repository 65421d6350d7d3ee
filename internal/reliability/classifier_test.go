package reliability

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{501, false},
		{503, true},
		{529, true},
	}
	for _, tc := range cases {
		if got := IsRetryableHTTPStatus(tc.code); got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := ExponentialBackoff(tt.attempt, base, 0); got != tt.want {
			t.Errorf("attempt %d = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := ExponentialBackoff(10, 100*time.Millisecond, 700*time.Millisecond); got != 700*time.Millisecond {
		t.Errorf("expected cap to apply, got %v", got)
	}
	if got := ExponentialBackoff(200, time.Second, time.Hour); got != time.Hour {
		t.Errorf("large attempt should hit the cap, got %v", got)
	}
	if got := ExponentialBackoff(-1, time.Second, 0); got != time.Second {
		t.Errorf("negative attempt = %v, want base", got)
	}
}

func TestIsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 429", &ProviderCallError{Provider: "p", StatusCode: 429}, true},
		{"quota message", errors.New("monthly quota exceeded"), true},
		{"wrapped sentinel", fmt.Errorf("call: %w", ErrRateLimited), true},
		{"server error", &ProviderCallError{Provider: "p", StatusCode: 500, Message: "boom"}, false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimit(tt.err); got != tt.want {
				t.Errorf("IsRateLimit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"access denied text", errors.New("Access denied"), true},
		{"validation", Invalid("instruction", "too long"), true},
		{"wrapped access denied", fmt.Errorf("cancel: %w", ErrAccessDenied), true},
		{"no provider", fmt.Errorf("select: %w", ErrNoProviderAvailable), true},
		{"disallowed tool", fmt.Errorf("tool: %w", ErrDisallowedTool), true},
		{"marked", NonRetryable(errors.New("bad request")), true},
		{"status 401", &ProviderCallError{Provider: "p", StatusCode: 401}, true},
		{"rate limit wins", &ProviderCallError{Provider: "p", StatusCode: 429, Message: "unauthorized burst"}, false},
		{"timeout", ErrTimeout, false},
		{"transient", &ProviderCallError{Provider: "p", StatusCode: 503}, false},
		{"model not found", &ProviderCallError{Provider: "p", StatusCode: 404}, true},
		{"unprocessable", &ProviderCallError{Provider: "p", StatusCode: 422}, true},
		{"request timeout", &ProviderCallError{Provider: "p", StatusCode: 408}, false},
		{"not implemented", &ProviderCallError{Provider: "p", StatusCode: 501}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNonRetryable(tt.err); got != tt.want {
				t.Errorf("IsNonRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := Invalid("priority", "unknown value %q", "urgent")
	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected errors.Is(err, ErrValidation)")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "priority" {
		t.Fatalf("expected ValidationError for priority, got %v", err)
	}
	if err.Error() != `validation error: priority: unknown value "urgent"` {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestNonRetryable(t *testing.T) {
	if NonRetryable(nil) != nil {
		t.Error("NonRetryable(nil) should be nil")
	}
	base := errors.New("denied")
	err := NonRetryable(base)
	if !errors.Is(err, base) {
		t.Error("expected wrapped error to be preserved")
	}
	if err.Error() != "denied" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
