package admission

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth is returned for a missing, unknown or inactive API key.
	ErrAuth = errors.New("invalid or inactive API key")

	// ErrModelNotAllowed is returned when the caller may not use the model.
	ErrModelNotAllowed = errors.New("model not allowed for this caller")

	// ErrRateLimited is returned when a rate threshold would be exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrQuotaExceeded is returned when a token or spend cap is reached.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Rejection describes why a request was not admitted.
type Rejection struct {
	Kind   error
	Reason string

	// Set for rate limit rejections.
	RetryAfter      time.Duration
	MinuteRemaining int
	HourRemaining   int

	// Spend is true when a spend cap, not a token cap, was reached.
	Spend bool
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return r.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return r.Kind
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, at least one.
func (r *Rejection) RetryAfterSeconds() int {
	secs := int((r.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
