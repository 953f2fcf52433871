package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/internal/config"
	"github.com/ksred/exec-api/internal/types"
)

// Broker is the slice of the adapter the risk layer needs.
type Broker interface {
	Orders(ctx context.Context) ([]types.BrokerOrder, error)
	Positions(ctx context.Context) ([]types.Position, error)
	LTP(ctx context.Context, venue, instrument string) (float64, error)
	Funds(ctx context.Context) (float64, error)
	Place(ctx context.Context, o types.CanonicalOrder) types.PlacementResult
	Cancel(ctx context.Context, orderID string, hints broker.CancelHints) types.PlacementResult
}

// Gate is the pre-trade check every submission passes before touching the
// broker. It consults the durable halt record on every call, so a halt
// engaged by another process (or left over from a crash earlier today) blocks
// immediately.
type Gate struct {
	cfg    config.RiskConfig
	halt   *HaltStore
	broker Broker
	now    func() time.Time

	openHH, openMM   int
	closeHH, closeMM int
	exitHH, exitMM   int
}

func NewGate(cfg config.RiskConfig, halt *HaltStore, b Broker) *Gate {
	g := &Gate{cfg: cfg, halt: halt, broker: b, now: time.Now}
	g.openHH, g.openMM, _ = config.ParseHHMM(cfg.MarketOpen)
	g.closeHH, g.closeMM, _ = config.ParseHHMM(cfg.MarketClose)
	g.exitHH, g.exitMM, _ = config.ParseHHMM(cfg.TimedExit)
	return g
}

// Halt exposes the underlying store for status reporting.
func (g *Gate) Halt() *HaltStore { return g.halt }

func (g *Gate) minutesNow() int {
	now := g.now()
	return now.Hour()*60 + now.Minute()
}

// Check admits or rejects a set of proposed orders as one unit. A batch is
// checked against the quantity cap in aggregate so it cannot sneak past the
// limit order by order.
func (g *Gate) Check(ctx context.Context, proposed []types.CanonicalOrder) error {
	if g.cfg.Disabled {
		return nil
	}

	if engaged, rec := g.halt.Engaged(); engaged {
		log.Warn().Str("component", "risk_gate").Str("reason", rec.Reason).
			Float64("pnl", rec.PnL).Msg("submission blocked: trading halted")
		return types.ErrKillSwitchEngaged
	}

	if g.cfg.EnforceMarketHours && !g.allAfterHours(proposed) {
		mins := g.minutesNow()
		openMins := g.openHH*60 + g.openMM
		closeMins := g.closeHH*60 + g.closeMM
		if mins < openMins || mins >= closeMins {
			return types.NewError(types.ErrInvalidOrder,
				"outside market hours (%s-%s)", g.cfg.MarketOpen, g.cfg.MarketClose)
		}
	}

	if g.cfg.TimedExitEnabled {
		if g.minutesNow() >= g.exitHH*60+g.exitMM {
			return types.NewError(types.ErrInvalidOrder,
				"past timed exit cutoff %s, no new entries", g.cfg.TimedExit)
		}
	}

	if g.cfg.MaxTotalQuantity > 0 {
		open, err := g.openQuantity(ctx)
		if err != nil {
			// Position book unreadable: fail closed on the cap.
			return types.WrapError(types.ErrTransientBroker, err, "quantity cap check failed")
		}
		var want int
		for _, o := range proposed {
			want += o.Quantity
		}
		if open+want > g.cfg.MaxTotalQuantity {
			return types.NewError(types.ErrInvalidOrder,
				"quantity cap exceeded: open %d + proposed %d > max %d", open, want, g.cfg.MaxTotalQuantity)
		}
	}

	if g.cfg.MinCashWarn > 0 {
		if cash, err := g.broker.Funds(ctx); err == nil && cash > 0 && cash < g.cfg.MinCashWarn {
			// Advisory only: margin math is the broker's job.
			log.Warn().Str("component", "risk_gate").Float64("cash", cash).
				Float64("threshold", g.cfg.MinCashWarn).Msg("available cash below warning threshold")
		}
	}

	return nil
}

func (g *Gate) allAfterHours(proposed []types.CanonicalOrder) bool {
	if len(proposed) == 0 {
		return false
	}
	for _, o := range proposed {
		if !o.IsAfterHours() {
			return false
		}
	}
	return true
}

func (g *Gate) openQuantity(ctx context.Context) (int, error) {
	positions, err := g.broker.Positions(ctx)
	if err != nil {
		return 0, err
	}
	var total int
	for _, p := range positions {
		total += abs(p.NetQuantity)
	}
	return total, nil
}
