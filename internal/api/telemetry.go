package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/worldland/worldland-broker/internal/domain"
)

// StatusIngestor accepts node telemetry.
type StatusIngestor interface {
	Apply(status domain.NodeStatus) error
}

// TelemetryHandler receives status pushes from node agents
type TelemetryHandler struct {
	ingestor StatusIngestor
	logger   *slog.Logger
}

func NewTelemetryHandler(ingestor StatusIngestor, logger *slog.Logger) *TelemetryHandler {
	return &TelemetryHandler{ingestor: ingestor, logger: logger}
}

func (h *TelemetryHandler) Register(r *gin.Engine) {
	r.POST("/api/v1/nodes/status", h.HandleNodeStatus) // POST /api/v1/nodes/status
}

// HandleNodeStatus handles POST /api/v1/nodes/status
func (h *TelemetryHandler) HandleNodeStatus(c *gin.Context) {
	var status domain.NodeStatus
	if err := c.ShouldBindJSON(&status); err != nil {
		writeBadRequest(c, "invalid request body")
		return
	}

	if err := h.ingestor.Apply(status); err != nil {
		h.logger.Warn("rejected node status", "node", status.NodeID, "error", err)
		writeError(c, err)
		return
	}
	h.logger.Debug("node status applied", "node", status.NodeID, "gpus", len(status.GPUs))
	c.JSON(http.StatusAccepted, StatusResponse{Status: "ok"})
}
