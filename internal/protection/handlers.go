package protection

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/pkg/response"
)

// GinHandlers contains HTTP handlers for protection group endpoints
type GinHandlers struct {
	registry *Registry
	broker   Broker
}

func NewGinHandlers(registry *Registry, b Broker) *GinHandlers {
	return &GinHandlers{registry: registry, broker: b}
}

// ListGroupsHandler handles GET requests for protection groups. By default it
// returns only open groups; ?all=true includes closed ones.
func (h *GinHandlers) ListGroupsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("all") == "true" {
			response.Success(c, h.registry.ListGroups())
			return
		}
		response.Success(c, h.registry.ListOpenGroups())
	}
}

// GetGroupHandler handles GET requests for one group by id.
func (h *GinHandlers) GetGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		g, ok := h.registry.Get(c.Param("group_id"))
		if !ok {
			response.NotFound(c, "Protection group not found")
			return
		}
		response.Success(c, g)
	}
}

// CloseGroupHandler handles POST requests to manually close a group: both
// legs are cancelled best-effort and the group is marked closed.
func (h *GinHandlers) CloseGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		g, ok := h.registry.Get(c.Param("group_id"))
		if !ok {
			response.NotFound(c, "Protection group not found")
			return
		}
		if g.Closed {
			response.Success(c, g)
			return
		}

		ctx := c.Request.Context()
		h.cancelLeg(ctx, g.Stop)
		h.cancelLeg(ctx, g.Target)

		if err := h.registry.MarkClosed(g.ID, ReasonManual); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if clientID := c.GetString("clientID"); clientID != "" {
			_ = h.registry.AppendNote(g.ID, "manually closed by "+clientID)
		}

		closed, _ := h.registry.Get(g.ID)
		response.Success(c, closed)
	}
}

func (h *GinHandlers) cancelLeg(ctx context.Context, leg *Leg) {
	if leg == nil || leg.OrderID == "" {
		return
	}
	h.broker.Cancel(ctx, leg.OrderID, broker.CancelHints{
		Variety:    leg.Order.Variety,
		Venue:      leg.Order.Venue,
		Instrument: leg.Order.Instrument,
		Product:    leg.Order.Product,
	})
}

// PurgeClosedHandler handles POST requests to drop closed groups from the
// registry.
func (h *GinHandlers) PurgeClosedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		removed, err := h.registry.PurgeClosed()
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"removed": removed})
	}
}
