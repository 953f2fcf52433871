package audit

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/exec-api/internal/types"
	"github.com/ksred/exec-api/pkg/response"
)

// Service writes the dual audit trail. Recording must never block or fail a
// live order, so errors are logged and swallowed.
type Service struct {
	db  *Database
	csv *TradeLog
}

// NewService creates an audit service. Either sink may be nil to disable it.
func NewService(gormDB *gorm.DB, tradeLogPath string) *Service {
	s := &Service{}
	if gormDB != nil {
		s.db = NewDatabase(gormDB)
	}
	if tradeLogPath != "" {
		s.csv = NewTradeLog(tradeLogPath)
	}
	return s
}

// RecordAttempt persists one placement attempt to both sinks.
func (s *Service) RecordAttempt(mode string, o types.CanonicalOrder, res types.PlacementResult, note string) {
	if s == nil {
		return
	}
	if s.csv != nil {
		err := s.csv.Record(Entry{
			Mode:         mode,
			Instrument:   o.Instrument,
			Venue:        o.Venue,
			Side:         o.Side,
			Kind:         o.Kind,
			Quantity:     o.Quantity,
			Price:        o.Price,
			TriggerPrice: o.TriggerPrice,
			OrderID:      res.OrderID,
			Note:         note,
			Tag:          o.Tag,
		})
		if err != nil {
			log.Error().Err(err).Str("component", "audit").Msg("trade log append failed")
		}
	}
	if s.db != nil {
		attempt := &types.PlacementAttempt{
			AttemptID:    uuid.New().String(),
			Mode:         mode,
			Instrument:   o.Instrument,
			Venue:        o.Venue,
			Side:         o.Side,
			Kind:         o.Kind,
			Quantity:     o.Quantity,
			Price:        o.Price,
			TriggerPrice: o.TriggerPrice,
			OrderID:      res.OrderID,
			Note:         note,
			Tag:          o.Tag,
			CreatedAt:    time.Now(),
		}
		if err := s.db.CreateAttempt(attempt); err != nil {
			log.Error().Err(err).Str("component", "audit").Msg("attempt row insert failed")
		}
	}
}

// GinHandlers contains HTTP handlers for the audit trail endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListAttemptsHandler handles GET requests for recent placement attempts.
// Optional query parameters: instrument, limit.
func (h *GinHandlers) ListAttemptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.service == nil || h.service.db == nil {
			response.NotFound(c, "Audit database not configured")
			return
		}
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = n
		}

		var (
			attempts []types.PlacementAttempt
			err      error
		)
		if instrument := c.Query("instrument"); instrument != "" {
			attempts, err = h.service.db.ListAttemptsByInstrument(instrument, limit)
		} else {
			attempts, err = h.service.db.ListAttempts(limit)
		}
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, attempts)
	}
}
