// Package trailing ratchets protective stop orders tighter as a short leg
// moves into profit. One background worker per protected leg; the applied
// trigger is a monotonic high-water mark that only ever tightens.
package trailing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/internal/orders"
	"github.com/ksred/exec-api/internal/types"
)

// Quoter supplies last traded prices.
type Quoter interface {
	LTP(ctx context.Context, venue, instrument string) (float64, error)
}

// Modifier issues verified stop modifications.
type Modifier interface {
	Modify(ctx context.Context, orderID string, u broker.ModifyUpdates) types.PlacementResult
}

// Params configures one trailing worker. EntryCombined is the reference
// combined premium at entry: both legs of a straddle-like structure when
// OtherInstrument is set, otherwise the single leg's premium is doubled as an
// approximation.
type Params struct {
	Instrument      string
	Venue           string
	OtherInstrument string
	StopOrderID     string
	EntryPrice      float64
	EntryCombined   float64

	ArmFrac         float64       // fractional credit drop required before trailing starts
	Cooldown        time.Duration // minimum elapsed time since entry before arming is evaluated
	LockFrac        float64       // share of further favorable movement converted into a tighter stop
	Throttle        time.Duration
	MinDeltaTicks   int
	BufferTicks     int // keep trigger this many ticks above LTP
	LimitExtraTicks int // limit = trigger + N ticks
	TickSize        float64

	CutoffEnabled bool
	CutoffHH      int
	CutoffMM      int
}

// Trailer is the in-memory state of one worker. Never persisted: a restart
// simply stops trailing until legs are re-discovered.
type Trailer struct {
	quoter   Quoter
	modifier Modifier
	p        Params

	entryAt time.Time
	armed   bool
	stopCh  chan struct{}

	mu          sync.Mutex
	lastTrigger float64 // read by callers while the worker writes

	now func() time.Time
}

func NewTrailer(q Quoter, m Modifier, p Params) *Trailer {
	if p.Throttle <= 0 {
		p.Throttle = 15 * time.Second
	}
	if p.TickSize <= 0 {
		p.TickSize = 0.05
	}
	return &Trailer{
		quoter:   q,
		modifier: m,
		p:        p,
		entryAt:  time.Now(),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Stop signals the worker to exit at its next iteration boundary.
func (t *Trailer) Stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

// LastTrigger returns the current high-water mark (0 before the first
// applied modification).
func (t *Trailer) LastTrigger() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTrigger
}

func (t *Trailer) setLastTrigger(v float64) {
	t.mu.Lock()
	t.lastTrigger = v
	t.mu.Unlock()
}

func (t *Trailer) afterCutoff() bool {
	if !t.p.CutoffEnabled {
		return false
	}
	now := t.now()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), t.p.CutoffHH, t.p.CutoffMM, 0, 0, now.Location())
	return !now.Before(cutoff)
}

// combinedPremium reads the current combined credit of the structure.
func (t *Trailer) combinedPremium(ctx context.Context) (float64, error) {
	a, err := t.quoter.LTP(ctx, t.p.Venue, t.p.Instrument)
	if err != nil {
		return 0, err
	}
	if t.p.OtherInstrument == "" {
		return a * 2, nil
	}
	b, err := t.quoter.LTP(ctx, t.p.Venue, t.p.OtherInstrument)
	if err != nil {
		return 0, err
	}
	return a + b, nil
}

// armIfReady arms the trailer once the combined credit has dropped by the arm
// fraction and the cooldown has elapsed.
func (t *Trailer) armIfReady(ctx context.Context) {
	if t.armed || t.now().Sub(t.entryAt) < t.p.Cooldown {
		return
	}
	credit, err := t.combinedPremium(ctx)
	if err != nil {
		log.Debug().Err(err).Str("instrument", t.p.Instrument).Msg("combined premium read failed")
		return
	}
	drop := t.p.EntryCombined - credit
	if drop <= 0 || t.p.EntryCombined <= 0 {
		return
	}
	if drop/t.p.EntryCombined >= t.p.ArmFrac {
		t.armed = true
		log.Info().Str("component", "trailer").Str("instrument", t.p.Instrument).
			Float64("gain_frac", drop/t.p.EntryCombined).Msg("trailing armed")
	}
}

// candidate computes the next (trigger, limit) for the buy-to-cover stop.
// The first applied move pulls the trigger to at least breakeven; afterwards
// the trigger only ever decreases (the stop only tightens for a short).
func (t *Trailer) candidate(ltp float64) (trigger, limit float64) {
	if !t.armed || ltp <= 0 {
		return 0, 0
	}
	entry := t.p.EntryPrice
	raw := entry - t.p.LockFrac*maxf(0, entry-ltp)
	desired := maxf(ltp+orders.Ticks(t.p.BufferTicks, t.p.TickSize), raw)

	if last := t.LastTrigger(); last > 0 {
		trigger = minf(last, desired)
	} else {
		trigger = maxf(entry, desired)
	}
	trigger = orders.RoundTick(trigger, t.p.TickSize)
	limit = orders.RoundTick(trigger+orders.Ticks(t.p.LimitExtraTicks, t.p.TickSize), t.p.TickSize)
	return trigger, limit
}

// Step runs one iteration: arm check, candidate computation, and a broker
// modify when the change is at least the minimum tick delta. Exposed so the
// ratchet is testable without the loop.
func (t *Trailer) Step(ctx context.Context) {
	t.armIfReady(ctx)
	if !t.armed {
		return
	}

	ltp, err := t.quoter.LTP(ctx, t.p.Venue, t.p.Instrument)
	if err != nil {
		log.Debug().Err(err).Str("instrument", t.p.Instrument).Msg("ltp read failed")
		return
	}
	trigger, limit := t.candidate(ltp)
	if trigger <= 0 || limit <= 0 {
		return
	}

	minDelta := orders.Ticks(t.p.MinDeltaTicks, t.p.TickSize)
	if absf(trigger-t.LastTrigger()) < minDelta {
		return
	}

	res := t.modifier.Modify(ctx, t.p.StopOrderID, broker.ModifyUpdates{
		Kind:         types.KindStopLimit,
		TriggerPrice: trigger,
		Price:        limit,
	})
	if res.OK {
		t.setLastTrigger(trigger)
		log.Info().Str("component", "trailer").Str("stop_order_id", t.p.StopOrderID).
			Float64("trigger", trigger).Float64("limit", limit).Msg("stop tightened")
	} else {
		log.Warn().Str("component", "trailer").Str("stop_order_id", t.p.StopOrderID).
			Str("error", res.Error).Msg("stop modify failed")
	}
}

// Run is the worker loop: throttled steps until cutoff, stop signal, or
// context cancellation.
func (t *Trailer) Run(ctx context.Context) {
	logger := log.With().Str("component", "trailer").
		Str("instrument", t.p.Instrument).Str("stop_order_id", t.p.StopOrderID).Logger()
	logger.Info().Float64("entry", t.p.EntryPrice).Msg("trailing worker started")

	ticker := time.NewTicker(t.p.Throttle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("trailing worker stopped: context cancelled")
			return
		case <-t.stopCh:
			logger.Info().Msg("trailing worker stopped: stop signal")
			return
		case <-ticker.C:
			if t.afterCutoff() {
				logger.Info().Msg("trailing worker stopped: daily cutoff")
				return
			}
			t.Step(ctx)
		}
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absf(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}
