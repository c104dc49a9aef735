package server

import (
	"errors"
	"net/http"
	"strconv"

	"llmhub/pkg/admission"
	"llmhub/pkg/cloud"
	"llmhub/pkg/dispatch"
	"llmhub/pkg/log"
	"llmhub/pkg/models"
	"llmhub/pkg/router"

	"github.com/labstack/echo/v4"
)

// ErrInvalidRequest is returned for job bodies that cannot be routed.
var ErrInvalidRequest = errors.New("invalid request")

// statusFor maps an error to the HTTP status the gateway answers with.
func statusFor(err error) int {
	var (
		rejection *admission.Rejection
		provider  *dispatch.ProviderError
		cloudErr  *cloud.Error
	)

	switch {
	case errors.As(err, &rejection):
		switch {
		case errors.Is(err, admission.ErrAuth):
			return http.StatusUnauthorized
		case errors.Is(err, admission.ErrRateLimited):
			return http.StatusTooManyRequests
		case errors.Is(err, admission.ErrQuotaExceeded) && rejection.Spend:
			return http.StatusPaymentRequired
		default:
			return http.StatusForbidden
		}
	case errors.As(err, &provider):
		return provider.StatusCode
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNoHealthyNodes),
		errors.Is(err, dispatch.ErrAllNodesFailed),
		errors.Is(err, router.ErrNoProvider):
		return http.StatusServiceUnavailable
	case errors.As(err, &cloudErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends the error response for err.
func writeError(ctx echo.Context, err error) error {
	status := statusFor(err)

	var (
		rejection *admission.Rejection
		provider  *dispatch.ProviderError
		allFailed *dispatch.AllNodesFailedError
	)

	switch {
	case errors.As(err, &provider):
		// Relayed verbatim
		return ctx.Blob(provider.StatusCode, provider.ContentType(), provider.Body)

	case errors.As(err, &allFailed):
		return ctx.JSON(status, models.ErrorResponse{Detail: allFailed.Detail()})

	case errors.As(err, &rejection) && errors.Is(err, admission.ErrRateLimited):
		retryAfter := rejection.RetryAfterSeconds()
		ctx.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
		return ctx.JSON(status, models.ErrorResponse{Detail: models.RateLimitDetail{
			Message:         admission.ErrRateLimited.Error(),
			RetryAfter:      retryAfter,
			MinuteRemaining: rejection.MinuteRemaining,
			HourRemaining:   rejection.HourRemaining,
		}})

	case errors.As(err, &rejection):
		if errors.Is(err, admission.ErrAuth) {
			ctx.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
		}
		return ctx.JSON(status, models.ErrorResponse{Detail: rejection.Error()})

	case status == http.StatusInternalServerError:
		log.Error().Err(err).Msg("Internal error")
		return ctx.JSON(status, models.ErrorResponse{Detail: "internal server error"})

	default:
		return ctx.JSON(status, models.ErrorResponse{Detail: detailMessage(err)})
	}
}

// detailMessage keeps the fixed wording of the routing sentinels.
func detailMessage(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrNoHealthyNodes):
		return dispatch.ErrNoHealthyNodes.Error()
	case errors.Is(err, router.ErrNoProvider):
		return router.ErrNoProvider.Error()
	default:
		return err.Error()
	}
}
