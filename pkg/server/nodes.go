package server

import (
	"errors"
	"net/http"

	"llmhub/pkg/heartbeat"
	"llmhub/pkg/log"
	"llmhub/pkg/models"

	"github.com/labstack/echo/v4"
)

func (srv *Server) nodeHeartbeat(ctx echo.Context) error {
	var req models.HeartbeatRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Detail: "invalid heartbeat body"})
	}

	resp, err := srv.deps.Heartbeats.Receive(req, ctx.RealIP(), ctx.Request().Header.Get(heartbeat.SecretHeader))
	switch {
	case errors.Is(err, heartbeat.ErrUnauthorized):
		log.Warn().Str("node_id", req.NodeID).Str("remote_ip", ctx.RealIP()).Msg("Heartbeat with invalid node secret")
		return ctx.JSON(http.StatusForbidden, models.ErrorResponse{Detail: "Invalid node secret"})
	case err != nil:
		return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Detail: err.Error()})
	}

	return ctx.JSON(http.StatusOK, resp)
}

func (srv *Server) listNodes(ctx echo.Context) error {
	nodes := srv.deps.Registry.List()

	views := make([]models.NodeView, 0, len(nodes))
	for _, node := range nodes {
		views = append(views, node.View())
	}

	return ctx.JSON(http.StatusOK, models.NodeListResponse{Nodes: views, Count: len(views)})
}

func (srv *Server) getNode(ctx echo.Context) error {
	node, ok := srv.deps.Registry.Get(ctx.Param("id"))
	if !ok {
		return ctx.JSON(http.StatusNotFound, models.ErrorResponse{Detail: "Node not found"})
	}
	return ctx.JSON(http.StatusOK, node.View())
}

func (srv *Server) deleteNode(ctx echo.Context) error {
	nodeID := ctx.Param("id")
	if !srv.deps.Registry.Remove(nodeID) {
		return ctx.JSON(http.StatusNotFound, models.ErrorResponse{Detail: "Node not found"})
	}

	return ctx.JSON(http.StatusOK, map[string]string{
		"status":  "removed",
		"node_id": nodeID,
	})
}
