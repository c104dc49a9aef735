package server

import (
	"net/http"
	"strconv"

	"llmhub/pkg/models"

	"github.com/labstack/echo/v4"
)

const defaultLogLimit = 100

func (srv *Server) recentLogs(ctx echo.Context) error {
	limit := defaultLogLimit
	if raw := ctx.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Detail: "limit must be a positive integer"})
		}
		limit = min(n, srv.deps.RequestLog.Cap())
	}

	entries := srv.deps.RequestLog.Recent(limit)
	return ctx.JSON(http.StatusOK, map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}

func (srv *Server) callerUsage(ctx echo.Context) error {
	period := ctx.QueryParam("period")
	if period == "" {
		period = "day"
	}
	if period != "day" && period != "month" {
		return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Detail: "period must be day or month"})
	}

	callerID := ctx.Param("id")
	totals, err := srv.deps.Admission.Usage(ctx.Request().Context(), callerID, period == "month")
	if err != nil {
		return writeError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"caller_id": callerID,
		"period":    period,
		"usage":     totals,
	})
}
