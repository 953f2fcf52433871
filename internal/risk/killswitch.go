package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/internal/metrics"
	"github.com/ksred/exec-api/internal/notify"
	"github.com/ksred/exec-api/internal/types"
)

// Enforcer watches session P&L and, once the daily loss limit is breached,
// flattens the book and engages the durable halt. The flatten runs once; the
// halt record keeps every later submission blocked for the rest of the day.
type Enforcer struct {
	broker       Broker
	halt         *HaltStore
	notifier     notify.Notifier
	maxDailyLoss float64 // negative, 0 disables
	tradeLogPath string
	workers      int
	interval     time.Duration

	// onEngage lets the wiring stop trailing workers when the switch fires.
	onEngage func()
}

func NewEnforcer(b Broker, halt *HaltStore, notifier notify.Notifier, maxDailyLoss float64, tradeLogPath string, workers int, interval time.Duration) *Enforcer {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if workers < 1 {
		workers = 4
	}
	if workers > 8 {
		workers = 8
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Enforcer{
		broker:       b,
		halt:         halt,
		notifier:     notifier,
		maxDailyLoss: maxDailyLoss,
		tradeLogPath: tradeLogPath,
		workers:      workers,
		interval:     interval,
	}
}

// OnEngage registers a callback invoked once when the kill switch fires.
func (e *Enforcer) OnEngage(fn func()) { e.onEngage = fn }

// SessionPnL estimates today's mark-to-market P&L across open positions. The
// broker figure is trusted when present; otherwise it is reconstructed from
// the last traded price. If the position book itself is unreadable, realized
// P&L from the trade log serves as the conservative fallback.
func (e *Enforcer) SessionPnL(ctx context.Context) (float64, error) {
	positions, err := e.broker.Positions(ctx)
	if err != nil {
		if e.tradeLogPath == "" {
			return 0, err
		}
		rows, lerr := ReadTradeLog(e.tradeLogPath)
		if lerr != nil {
			return 0, fmt.Errorf("position book unreadable (%v) and trade log fallback failed: %w", err, lerr)
		}
		pnl := RealizedPnL(rows)
		log.Warn().Err(err).Float64("realized_pnl", pnl).
			Msg("position book unreadable, using trade log realized pnl")
		return pnl, nil
	}

	var total float64
	for _, p := range positions {
		if p.NetQuantity == 0 && !p.HasPnL {
			continue
		}
		if p.HasPnL {
			total += p.PnL
			continue
		}
		ltp, err := e.broker.LTP(ctx, p.Venue, p.Instrument)
		if err != nil {
			log.Warn().Err(err).Str("instrument", p.Instrument).Msg("ltp unavailable for pnl estimate")
			continue
		}
		total += (ltp - p.AveragePrice) * float64(p.NetQuantity)
	}
	return total, nil
}

// EnforceOnce runs one evaluation. It returns ErrKillSwitchEngaged both when
// the switch fires now and when it was already engaged.
func (e *Enforcer) EnforceOnce(ctx context.Context) error {
	if e.maxDailyLoss == 0 {
		return nil
	}
	if engaged, _ := e.halt.Engaged(); engaged {
		return types.ErrKillSwitchEngaged
	}

	pnl, err := e.SessionPnL(ctx)
	if err != nil {
		return types.WrapError(types.ErrTransientBroker, err, "pnl estimate failed")
	}
	if pnl > e.maxDailyLoss {
		return nil
	}

	log.Error().Str("component", "kill_switch").Float64("pnl", pnl).
		Float64("max_daily_loss", e.maxDailyLoss).Msg("daily loss limit breached, flattening")
	e.notifier.Notify(ctx, notify.SeverityCritical, "kill switch engaged",
		fmt.Sprintf("session pnl %.2f breached limit %.2f, flattening all positions", pnl, e.maxDailyLoss))

	if err := e.FlattenAll(ctx, "kill_switch"); err != nil {
		// The halt still engages: a partial flatten must not keep trading live.
		log.Error().Err(err).Msg("flatten incomplete")
	}
	if err := e.halt.Engage("daily loss limit breached", pnl); err != nil {
		log.Error().Err(err).Msg("failed to persist halt record")
	}
	metrics.KillSwitchEngaged.Set(1)
	if e.onEngage != nil {
		e.onEngage()
	}
	return types.ErrKillSwitchEngaged
}

// Start polls until the context ends or the switch fires.
func (e *Enforcer) Start(ctx context.Context) {
	logger := log.With().Str("component", "kill_switch").Logger()
	if e.maxDailyLoss == 0 {
		logger.Info().Msg("kill switch disabled (max_daily_loss=0)")
		return
	}
	logger.Info().Float64("max_daily_loss", e.maxDailyLoss).Dur("interval", e.interval).Msg("kill switch watching")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down kill switch watcher")
			return
		case <-ticker.C:
			if err := e.EnforceOnce(ctx); err != nil {
				if types.IsKillSwitch(err) {
					logger.Info().Msg("halt engaged, watcher exiting")
					return
				}
				logger.Warn().Err(err).Msg("enforcement pass failed")
			}
		}
	}
}

// FlattenAll cancels every open order and markets out every open position.
// Cancels and exits each run through a small worker pool so a slow broker
// does not serialize the unwind.
func (e *Enforcer) FlattenAll(ctx context.Context, reason string) error {
	logger := log.With().Str("component", "kill_switch").Str("reason", reason).Logger()

	var failures int

	book, err := e.broker.Orders(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("order book unreadable during flatten")
		failures++
	} else {
		var open []types.BrokerOrder
		for _, o := range book {
			if broker.IsOpenStatus(o.Status) {
				open = append(open, o)
			}
		}
		failures += e.cancelAll(ctx, open)
	}

	positions, err := e.broker.Positions(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("position book unreadable during flatten")
		return fmt.Errorf("flatten incomplete: positions unreadable: %w", err)
	}
	failures += e.exitAll(ctx, positions, reason)

	if failures > 0 {
		return fmt.Errorf("flatten incomplete: %d operations failed", failures)
	}
	logger.Info().Msg("book flat")
	return nil
}

func (e *Enforcer) cancelAll(ctx context.Context, open []types.BrokerOrder) int {
	jobs := make(chan types.BrokerOrder)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures int

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for o := range jobs {
				res := e.broker.Cancel(ctx, o.OrderID, broker.CancelHints{
					Variety: o.Variety, Venue: o.Venue, Instrument: o.Instrument,
				})
				if !res.OK {
					log.Error().Str("order_id", o.OrderID).Str("error", res.Error).Msg("flatten cancel failed")
					mu.Lock()
					failures++
					mu.Unlock()
				}
			}
		}()
	}
	for _, o := range open {
		jobs <- o
	}
	close(jobs)
	wg.Wait()
	return failures
}

func (e *Enforcer) exitAll(ctx context.Context, positions []types.Position, reason string) int {
	jobs := make(chan types.Position)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures int

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				side := types.SideSell
				qty := p.NetQuantity
				if qty < 0 {
					side = types.SideBuy
					qty = -qty
				}
				product := p.Product
				if product == "" {
					product = "INTRADAY"
				}
				exit := types.CanonicalOrder{
					Instrument: p.Instrument,
					Venue:      p.Venue,
					Side:       side,
					Quantity:   qty,
					Kind:       types.KindMarket,
					Product:    product,
					Duration:   "DAY",
					Variety:    types.VarietyNormal,
					Tag:        truncate(reason, types.TagMaxLen),
				}
				res := e.broker.Place(ctx, exit)
				if !res.OK {
					log.Error().Str("instrument", p.Instrument).Str("error", res.Error).Msg("flatten exit failed")
					mu.Lock()
					failures++
					mu.Unlock()
				} else {
					log.Info().Str("instrument", p.Instrument).Str("side", side).Int("quantity", qty).
						Str("order_id", res.OrderID).Msg("position squared off")
				}
			}
		}()
	}
	for _, p := range positions {
		if p.NetQuantity == 0 {
			continue
		}
		jobs <- p
	}
	close(jobs)
	wg.Wait()
	return failures
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
