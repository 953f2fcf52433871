package protection

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/internal/metrics"
	"github.com/ksred/exec-api/internal/types"
)

// Broker is the slice of the adapter the watcher needs.
type Broker interface {
	Orders(ctx context.Context) ([]types.BrokerOrder, error)
	Cancel(ctx context.Context, orderID string, hints broker.CancelHints) types.PlacementResult
}

// Watcher polls the order book and closes brackets whose stop or target has
// filled, cancelling the surviving sibling. One pass is idempotent: it can
// run inside the long-lived loop or as repeated one-shot invocations.
type Watcher struct {
	registry *Registry
	broker   Broker
	interval time.Duration
}

func NewWatcher(registry *Registry, b Broker, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Watcher{registry: registry, broker: b, interval: interval}
}

// Start runs the polling loop until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	logger := log.With().Str("component", "protection_watcher").Logger()
	logger.Info().Dur("interval", w.interval).Msg("starting protection watcher")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down protection watcher")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("watcher pass failed")
			}
		}
	}
}

// RunOnce performs a single pass: fetch the order book once, then resolve
// every open group against it.
func (w *Watcher) RunOnce(ctx context.Context) error {
	logger := log.With().Str("component", "protection_watcher").Logger()

	book, err := w.broker.Orders(ctx)
	if err != nil {
		return err
	}
	status := make(map[string]string, len(book))
	for _, o := range book {
		status[o.OrderID] = o.Status
	}

	for _, g := range w.registry.ListOpenGroups() {
		stopFilled := legFilled(g.Stop, status)
		targetFilled := legFilled(g.Target, status)

		switch {
		case stopFilled:
			w.closeGroup(ctx, g, g.Target, ReasonExitByStop)
		case targetFilled:
			w.closeGroup(ctx, g, g.Stop, ReasonExitByTarget)
		default:
			// Legs absent from the book are "not yet known", not failures;
			// the group stays open until a terminal fill shows up.
			logger.Debug().Str("group_id", g.ID).Msg("group still open")
		}
	}
	metrics.OpenGroups.Set(float64(len(w.registry.ListOpenGroups())))
	return nil
}

// legFilled reports whether the leg's order shows a terminal fill. A leg with
// no order id, or an id not (yet) in the book, is not filled.
func legFilled(leg *Leg, status map[string]string) bool {
	if leg == nil || leg.OrderID == "" {
		return false
	}
	st, ok := status[leg.OrderID]
	if !ok {
		return false
	}
	return broker.IsFilledStatus(st)
}

// closeGroup cancels the surviving sibling (best-effort: cancelling an
// already-filled order is a harmless no-op at the broker) and marks the group
// closed.
func (w *Watcher) closeGroup(ctx context.Context, g Group, survivor *Leg, reason string) {
	logger := log.With().Str("component", "protection_watcher").
		Str("group_id", g.ID).Str("reason", reason).Logger()

	if survivor != nil && survivor.OrderID != "" {
		res := w.broker.Cancel(ctx, survivor.OrderID, broker.CancelHints{
			Variety:    survivor.Order.Variety,
			Venue:      survivor.Order.Venue,
			Instrument: survivor.Order.Instrument,
			Product:    survivor.Order.Product,
		})
		if !res.OK {
			logger.Warn().Str("order_id", survivor.OrderID).Str("error", res.Error).
				Msg("sibling cancel failed, closing group anyway")
		} else {
			logger.Info().Str("order_id", survivor.OrderID).Bool("verified", res.Verified).
				Msg("sibling cancelled")
		}
	}

	if err := w.registry.MarkClosed(g.ID, reason); err != nil {
		logger.Error().Err(err).Msg("failed to mark group closed")
		return
	}
	logger.Info().Msg("protection group closed")
}
