package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/worldland/worldland-broker/internal/domain"
)

// ErrorResponse for error cases
type ErrorResponse struct {
	Error         string           `json:"error"`
	Code          string           `json:"code,omitempty"`
	NodeID        string           `json:"node_id,omitempty"`
	GPUID         string           `json:"gpu_id,omitempty"`
	ReservationID string           `json:"reservation_id,omitempty"`
	AvailableGB   *decimal.Decimal `json:"available_mem,omitempty"`
	RequiredGB    *decimal.Decimal `json:"mem_required,omitempty"`
}

// writeError maps a domain error to its status code and structured body.
func writeError(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError
	resp.Code = "INTERNAL_ERROR"

	var (
		nf *domain.NotFoundError
		im *domain.InsufficientMemoryError
		nc *domain.NoCapacityError
	)
	switch {
	case errors.As(err, &nf):
		status = http.StatusNotFound
		resp.NodeID, resp.GPUID, resp.ReservationID = nf.NodeID, nf.GPUID, nf.ReservationID
		switch nf.Kind {
		case domain.NodeKind:
			resp.Code = "NODE_NOT_FOUND"
		case domain.GPUKind:
			resp.Code = "GPU_NOT_FOUND"
		default:
			resp.Code = "RESERVATION_NOT_FOUND"
		}
	case errors.As(err, &im):
		status = http.StatusConflict
		resp.Code = "INSUFFICIENT_MEMORY"
		resp.NodeID, resp.GPUID = im.NodeID, im.GPUID
		resp.AvailableGB, resp.RequiredGB = &im.AvailableGB, &im.RequiredGB
	case errors.As(err, &nc):
		status = http.StatusConflict
		resp.Code = "NO_CAPACITY"
		resp.RequiredGB = &nc.RequiredGB
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		resp.Code = "STORE_UNAVAILABLE"
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
		resp.Code = "INVALID_REQUEST"
	}
	c.JSON(status, resp)
}

func writeBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_REQUEST"})
}
