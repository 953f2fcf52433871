package pipeline

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/exec-api/internal/types"
	"github.com/ksred/exec-api/pkg/response"
)

// GinHandlers contains HTTP handlers for order submission endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// batchRequest is the POST /orders/batch body.
type batchRequest struct {
	Mode   string              `json:"mode"`
	Orders []types.OrderIntent `json:"orders" binding:"required"`
}

// PlaceOrderHandler handles POST requests to submit a single order.
// Requires a valid JWT token. Request body is the order intent.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var intent types.OrderIntent
		if err := c.ShouldBindJSON(&intent); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		res := h.service.SubmitOne(c.Request.Context(), intent)
		if !res.OK {
			response.Handle(c, nil, types.NewError(res.Kind, "%s", res.Error))
			return
		}
		response.Success(c, res)
	}
}

// PlaceBatchHandler handles POST requests to submit a batch of orders with a
// CONTINUE or ROLLBACK failure policy.
func (h *GinHandlers) PlaceBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req batchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if len(req.Orders) == 0 {
			response.BadRequest(c, "orders must not be empty")
			return
		}

		res := h.service.SubmitBatch(c.Request.Context(), req.Orders, req.Mode)
		response.Success(c, res)
	}
}
