package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/worldland/worldland-broker/internal/broker"
	"github.com/worldland/worldland-broker/internal/domain"
)

// Allocator defines operations needed from the broker
type Allocator interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	FindBestGPU(ctx context.Context, req broker.FindRequest) (*broker.Candidate, error)
	Reserve(ctx context.Context, req broker.ReserveRequest) (*broker.Reserved, error)
	Finish(ctx context.Context, req broker.FinishRequest) (*broker.Freed, error)
	Reset(ctx context.Context) error
	History(ctx context.Context, nodeID, gpuID string) ([]domain.Reservation, error)
	Config() broker.Config
}

var _ Allocator = (*broker.Broker)(nil)

// GPUView is a GPU as rendered by GET /api/v1/nodes.
type GPUView struct {
	GPUID        string               `json:"gpu_id"`
	MaxMemoryGB  decimal.Decimal      `json:"max_mem"`
	BaselineGB   decimal.Decimal      `json:"mem_usage"`
	TotalUsageGB decimal.Decimal      `json:"total_usage"`
	AvailableGB  decimal.Decimal      `json:"available_mem"`
	Processes    []domain.Process     `json:"processes"`
	Reservations []domain.Reservation `json:"reservations"`
}

// NodeView is a node as rendered by GET /api/v1/nodes.
type NodeView struct {
	NodeID        string          `json:"node_id"`
	CPUUsage      decimal.Decimal `json:"cpu_usage"`
	MemoryUsageGB decimal.Decimal `json:"mem_usage"`
	UpdatedAt     string          `json:"timestamp"`
	GPUs          []GPUView       `json:"gpus"`
}

// ClusterResponse is returned by GET /api/v1/nodes
type ClusterResponse struct {
	BufferGB     decimal.Decimal `json:"buffer_gb"`
	SingleTenant bool            `json:"single_tenant"`
	Nodes        []NodeView      `json:"nodes"`
}

// HistoryResponse is returned by GET /api/v1/nodes/:node/gpus/:gpu/history
type HistoryResponse struct {
	NodeID       string               `json:"node_id"`
	GPUID        string               `json:"gpu_id"`
	Reservations []domain.Reservation `json:"reservations"`
}

// StatusResponse acknowledges requests without a richer result.
type StatusResponse struct {
	Status string `json:"status"`
}

// BrokerHandler handles HTTP requests for the allocation operations
type BrokerHandler struct {
	broker Allocator
	logger *slog.Logger
}

func NewBrokerHandler(b Allocator, logger *slog.Logger) *BrokerHandler {
	return &BrokerHandler{broker: b, logger: logger}
}

func (h *BrokerHandler) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.GET("/nodes", h.HandleListNodes)                       // GET /api/v1/nodes
		v1.POST("/gpus/find", h.HandleFindGPU)                    // POST /api/v1/gpus/find
		v1.POST("/reservations", h.HandleReserve)                 // POST /api/v1/reservations
		v1.POST("/reservations/finish", h.HandleFinish)           // POST /api/v1/reservations/finish
		v1.POST("/reset", h.HandleReset)                          // POST /api/v1/reset
		v1.GET("/nodes/:node/gpus/:gpu/history", h.HandleHistory) // GET /api/v1/nodes/:node/gpus/:gpu/history
	}
}

// HandleListNodes handles GET /api/v1/nodes
func (h *BrokerHandler) HandleListNodes(c *gin.Context) {
	snap, err := h.broker.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	cfg := h.broker.Config()
	resp := ClusterResponse{BufferGB: cfg.BufferGB, SingleTenant: cfg.SingleTenant, Nodes: make([]NodeView, 0, len(snap))}
	for _, nodeID := range snap.NodeIDs() {
		n := snap[nodeID]
		nv := NodeView{
			NodeID:        n.ID,
			CPUUsage:      n.CPUUsage,
			MemoryUsageGB: n.MemoryUsageGB,
			UpdatedAt:     n.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			GPUs:          make([]GPUView, 0, len(n.GPUs)),
		}
		for _, gpuID := range n.GPUIDs() {
			g := n.GPUs[gpuID]
			nv.GPUs = append(nv.GPUs, GPUView{
				GPUID:        gpuID,
				MaxMemoryGB:  g.MaxMemoryGB,
				BaselineGB:   g.BaselineUsageGB,
				TotalUsageGB: g.TotalUsage(),
				AvailableGB:  g.Available(cfg.BufferGB),
				Processes:    g.Processes,
				Reservations: g.Reservations,
			})
		}
		resp.Nodes = append(resp.Nodes, nv)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleFindGPU handles POST /api/v1/gpus/find
func (h *BrokerHandler) HandleFindGPU(c *gin.Context) {
	var req broker.FindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body")
		return
	}

	cand, err := h.broker.FindBestGPU(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cand)
}

// HandleReserve handles POST /api/v1/reservations
func (h *BrokerHandler) HandleReserve(c *gin.Context) {
	var req broker.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body")
		return
	}

	reserved, err := h.broker.Reserve(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reserved)
}

// HandleFinish handles POST /api/v1/reservations/finish
func (h *BrokerHandler) HandleFinish(c *gin.Context) {
	var req broker.FinishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body")
		return
	}

	freed, err := h.broker.Finish(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, freed)
}

// HandleReset handles POST /api/v1/reset
func (h *BrokerHandler) HandleReset(c *gin.Context) {
	if err := h.broker.Reset(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "reset"})
}

// HandleHistory handles GET /api/v1/nodes/:node/gpus/:gpu/history
func (h *BrokerHandler) HandleHistory(c *gin.Context) {
	nodeID, gpuID := c.Param("node"), c.Param("gpu")

	hist, err := h.broker.History(c.Request.Context(), nodeID, gpuID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{NodeID: nodeID, GPUID: gpuID, Reservations: hist})
}
