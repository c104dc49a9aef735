// Package retryclient builds the retryable HTTP clients used to reach nodes,
// the cloud provider and the local inference engine.
package retryclient

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// New creates a retryable HTTP client that retries connection failures only.
// retryMax 0 means a single try.
func New(retryMax int, retryWaitMin, retryWaitMax time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.Logger = nil
	client.CheckRetry = RetryOnConnectionError
	// Hand back the last error instead of retryablehttp's generic "giving up" wrapper
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// RetryOnConnectionError retries only when no response was received.
// Any response, including 5xx, is handed back to the caller untouched.
func RetryOnConnectionError(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if resp != nil {
		return false, nil
	}

	if err != nil {
		return true, nil //nolint:nilerr // retryablehttp keeps the error for the final report
	}

	return false, nil
}
