package ridehistory

import (
	"net/http"
	"strings"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/common"
	"github.com/gidigo/ride-coordinator/pkg/pagination"
	"github.com/gin-gonic/gin"
)

const dateLayout = "2006-01-02"

// Handler handles HTTP requests for trip history
type Handler struct {
	service *Service
}

// NewHandler creates a new trip history handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// ListTrips returns past trips
// GET /api/v1/trips?status=COMPLETED&start=2024-02-01&end=2024-02-29&limit=20&offset=0
func (h *Handler) ListTrips(c *gin.Context) {
	filter := Filter{Status: StatusFilter(strings.ToUpper(c.Query("status")))}

	for _, bound := range []struct {
		param string
		dst   **time.Time
	}{
		{"start", &filter.Start},
		{"end", &filter.End},
	} {
		raw := c.Query(bound.param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			common.ErrorResponse(c, http.StatusBadRequest, "invalid "+bound.param+" date, expected YYYY-MM-DD")
			return
		}
		*bound.dst = &t
	}

	trips, err := h.service.ListTrips(c.Request.Context(), filter)
	if err != nil {
		common.HandleError(c, err, "failed to list trips")
		return
	}

	page := pagination.ParseParams(c)
	common.SuccessResponseWithMeta(c, pagination.Slice(trips, page), pagination.BuildMeta(page.Limit, page.Offset, int64(len(trips))))
}

// GetReceipt returns the receipt of a completed trip
// GET /api/v1/trips/:id/receipt
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, err := h.service.GetReceipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.HandleError(c, err, "failed to get receipt")
		return
	}
	if receipt == nil {
		common.AppErrorResponse(c, common.NewNotFoundError("receipt not found", nil))
		return
	}

	common.SuccessResponse(c, receipt)
}

// GetEarnings returns the driver earnings of a completed trip
// GET /api/v1/trips/:id/earnings
func (h *Handler) GetEarnings(c *gin.Context) {
	earnings, err := h.service.GetEarnings(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.HandleError(c, err, "failed to get earnings")
		return
	}
	if earnings == nil {
		common.AppErrorResponse(c, common.NewNotFoundError("earnings not found", nil))
		return
	}

	common.SuccessResponse(c, earnings)
}

// RegisterRoutes registers trip history routes on rg, which carries the
// authentication middleware.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	trips := rg.Group("/trips")
	{
		trips.GET("", h.ListTrips)
		trips.GET("/:id/receipt", h.GetReceipt)
		trips.GET("/:id/earnings", h.GetEarnings)
	}
}
