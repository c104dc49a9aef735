package cloud

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotConfigured is returned when no cloud API key is set.
	ErrNotConfigured = errors.New("cloud provider not configured")

	// ErrCloud is matched by Error.
	ErrCloud = errors.New("cloud provider failed")
)

// Error is a failed cloud call. StatusCode is the provider status, or a
// gateway status (502/504) when no response was received.
type Error struct {
	StatusCode int
	Message    string
	Header     http.Header
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrCloud, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return ErrCloud
}

// ClientError reports whether the provider rejected the request itself.
func (e *Error) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}
