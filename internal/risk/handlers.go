package risk

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/exec-api/internal/metrics"
	"github.com/ksred/exec-api/pkg/response"
)

// GinHandlers contains HTTP handlers for risk status and the operator
// endpoints.
type GinHandlers struct {
	gate     *Gate
	enforcer *Enforcer
}

func NewGinHandlers(gate *Gate, enforcer *Enforcer) *GinHandlers {
	return &GinHandlers{gate: gate, enforcer: enforcer}
}

// StatusHandler handles GET requests for the current risk posture.
func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engaged, rec := h.gate.Halt().Engaged()
		if engaged {
			metrics.KillSwitchEngaged.Set(1)
		} else {
			metrics.KillSwitchEngaged.Set(0)
		}

		status := gin.H{
			"halted": engaged,
		}
		if engaged {
			status["halt_reason"] = rec.Reason
			status["halt_at"] = rec.At
		}
		if pnl, err := h.enforcer.SessionPnL(c.Request.Context()); err == nil {
			status["session_pnl"] = pnl
		} else {
			status["session_pnl_error"] = err.Error()
		}
		response.Success(c, status)
	}
}

// KillSwitchHandler handles POST requests to engage the kill switch manually:
// flatten everything and persist the halt for the rest of the day.
func (h *GinHandlers) KillSwitchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		pnl, _ := h.enforcer.SessionPnL(ctx)

		flattenErr := h.enforcer.FlattenAll(ctx, "manual_kill")
		if err := h.gate.Halt().Engage("manual kill switch", pnl); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		metrics.KillSwitchEngaged.Set(1)
		if h.enforcer.onEngage != nil {
			h.enforcer.onEngage()
		}

		result := gin.H{"halted": true, "session_pnl": pnl}
		if flattenErr != nil {
			result["flatten_error"] = flattenErr.Error()
		}
		response.Success(c, result)
	}
}

// SquareOffHandler handles POST requests to flatten the book without engaging
// the daily halt: open orders cancelled, positions marketed out.
func (h *GinHandlers) SquareOffHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.enforcer.FlattenAll(c.Request.Context(), "square_off"); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"flat": true})
	}
}

// ClearHaltHandler handles POST requests to lift the halt. Deliberately
// manual: the engine never un-halts itself within a day.
func (h *GinHandlers) ClearHaltHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.gate.Halt().Clear(); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		metrics.KillSwitchEngaged.Set(0)
		response.Success(c, gin.H{"halted": false})
	}
}
