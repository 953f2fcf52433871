// Package pipeline is the submission path: normalize, risk gate, dedup,
// spread gate, auto-pricing, placement, and bracket protection, in that
// order. Everything upstream of the broker is cheap and fails fast; the
// broker call happens only once per order.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/audit"
	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/internal/config"
	"github.com/ksred/exec-api/internal/metrics"
	"github.com/ksred/exec-api/internal/notify"
	"github.com/ksred/exec-api/internal/orders"
	"github.com/ksred/exec-api/internal/protection"
	"github.com/ksred/exec-api/internal/risk"
	"github.com/ksred/exec-api/internal/trailing"
	"github.com/ksred/exec-api/internal/types"
)

// Broker is the slice of the adapter the pipeline needs.
type Broker interface {
	Place(ctx context.Context, o types.CanonicalOrder) types.PlacementResult
	Cancel(ctx context.Context, orderID string, hints broker.CancelHints) types.PlacementResult
	Quote(ctx context.Context, venue, instrument string) (types.Quote, error)
	LTP(ctx context.Context, venue, instrument string) (float64, error)
}

// Service runs submissions through the full execution path.
type Service struct {
	cfg        config.PipelineConfig
	normalizer *orders.Normalizer
	broker     Broker
	gate       *risk.Gate
	registry   *protection.Registry
	trailing   *trailing.Manager
	audit      *audit.Service
	notifier   notify.Notifier
	dedup      *dedupStore
	mode       string
}

func NewService(cfg config.PipelineConfig, b Broker, gate *risk.Gate, registry *protection.Registry,
	trailingMgr *trailing.Manager, auditSvc *audit.Service, notifier notify.Notifier, dryRun bool) *Service {
	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Service{
		cfg:        cfg,
		normalizer: orders.NewNormalizer(cfg.TickSize),
		broker:     b,
		gate:       gate,
		registry:   registry,
		trailing:   trailingMgr,
		audit:      auditSvc,
		notifier:   notifier,
		dedup:      newDedupStore(cfg.DedupeWindow),
		mode:       mode,
	}
}

func failure(kind types.ErrorKind, err error) types.PlacementResult {
	return types.PlacementResult{OK: false, Error: err.Error(), Kind: kind}
}

// SubmitOne runs a single intent through the pipeline. A successful entry
// order also gets its protective bracket placed and registered.
func (s *Service) SubmitOne(ctx context.Context, intent types.OrderIntent) types.PlacementResult {
	o, err := s.normalizer.Normalize(intent)
	if err != nil {
		metrics.BlockedTotal.WithLabelValues("invalid").Inc()
		return failure(types.KindOf(err), err)
	}
	if err := s.gate.Check(ctx, []types.CanonicalOrder{o}); err != nil {
		metrics.BlockedTotal.WithLabelValues("risk_gate").Inc()
		return failure(types.KindOf(err), err)
	}
	res := s.placeChecked(ctx, o)
	if res.OK {
		s.protect(ctx, o, res)
	}
	return res
}

// placeChecked runs the per-order checks (dedup, spread, auto-price) and the
// broker call, plus audit and metrics. It does not place brackets.
func (s *Service) placeChecked(ctx context.Context, o types.CanonicalOrder) types.PlacementResult {
	logger := log.With().Str("component", "pipeline").
		Str("instrument", o.Instrument).Str("side", o.Side).Str("kind", o.Kind).Logger()

	if s.dedup.Blocked(o.Fingerprint) {
		metrics.BlockedTotal.WithLabelValues("duplicate").Inc()
		logger.Warn().Str("fingerprint", o.Fingerprint[:12]).Msg("duplicate submission blocked")
		err := types.NewError(types.ErrDuplicateBlocked,
			"duplicate of an order submitted within the last %s", s.cfg.DedupeWindow)
		s.audit.RecordAttempt(s.mode, o, types.PlacementResult{}, "blocked: duplicate")
		return failure(types.ErrDuplicateBlocked, err)
	}

	if err := s.checkSpread(ctx, o); err != nil {
		metrics.BlockedTotal.WithLabelValues("wide_spread").Inc()
		s.audit.RecordAttempt(s.mode, o, types.PlacementResult{}, "blocked: wide spread")
		return failure(types.ErrWideSpread, err)
	}

	if err := s.autoPrice(ctx, &o); err != nil {
		metrics.BlockedTotal.WithLabelValues("no_price").Inc()
		s.audit.RecordAttempt(s.mode, o, types.PlacementResult{}, "blocked: no usable price")
		return failure(types.KindOf(err), err)
	}

	start := time.Now()
	res := s.broker.Place(ctx, o)
	metrics.PlacementLatency.Observe(time.Since(start).Seconds())

	if res.OK {
		metrics.PlacementsTotal.WithLabelValues("ok").Inc()
		s.audit.RecordAttempt(s.mode, o, res, "placed")
	} else {
		metrics.PlacementsTotal.WithLabelValues("failed").Inc()
		s.audit.RecordAttempt(s.mode, o, res, "failed: "+res.Error)
		if res.Kind == types.ErrTerminalBroker {
			s.notifier.Notify(ctx, notify.SeverityWarning, "placement rejected",
				fmt.Sprintf("%s %s %d %s: %s", o.Side, o.Instrument, o.Quantity, o.Kind, res.Error))
		}
	}
	return res
}

// checkSpread blocks orders into an observably wide book. A book with no
// usable two-sided quote does not block here: illiquid instruments still
// price through LTP, and the broker's own validation is the backstop.
func (s *Service) checkSpread(ctx context.Context, o types.CanonicalOrder) error {
	if s.cfg.MaxSpreadFrac <= 0 || o.IsAfterHours() {
		return nil
	}
	q, err := s.broker.Quote(ctx, o.Venue, o.Instrument)
	if err != nil {
		log.Warn().Err(err).Str("instrument", o.Instrument).Msg("quote unavailable, skipping spread gate")
		return nil
	}
	spread := q.SpreadOverMid()
	if spread < 0 {
		return nil
	}
	if spread > s.cfg.MaxSpreadFrac {
		return types.NewError(types.ErrWideSpread,
			"spread %.4f exceeds max %.4f for %s", spread, s.cfg.MaxSpreadFrac, o.Instrument)
	}
	return nil
}

// autoPrice fills in a missing limit price from LTP plus a slippage
// allowance in the direction of the order: pay up a little on a BUY, give a
// little on a SELL.
func (s *Service) autoPrice(ctx context.Context, o *types.CanonicalOrder) error {
	if o.Kind != types.KindLimit && o.Kind != types.KindStopLimit {
		return nil
	}
	if o.Price > 0 {
		return nil
	}
	ltp, err := s.broker.LTP(ctx, o.Venue, o.Instrument)
	if err != nil {
		return types.WrapError(types.KindOf(err), err, "auto-price failed for %s", o.Instrument)
	}
	px := ltp * (1 + s.cfg.SlippageFrac)
	if o.Side == types.SideSell {
		px = ltp * (1 - s.cfg.SlippageFrac)
	}
	o.Price = orders.RoundTick(px, s.cfg.TickSize)
	log.Info().Str("component", "pipeline").Str("instrument", o.Instrument).
		Float64("ltp", ltp).Float64("price", o.Price).Msg("auto-priced limit order")
	return nil
}

// SubmitBatch places a set of intents sequentially. CONTINUE keeps going past
// failures; ROLLBACK stops at the first failure and cancels everything placed
// so far in reverse order, exactly once each. Brackets in ROLLBACK mode are
// deferred until the whole batch lands so a rollback never has protective
// legs to chase.
func (s *Service) SubmitBatch(ctx context.Context, intents []types.OrderIntent, mode string) types.BatchResult {
	if mode == "" {
		mode = types.BatchContinue
	}
	if mode != types.BatchContinue && mode != types.BatchRollback {
		return types.BatchResult{Status: types.BatchPartial, Results: []types.PlacementResult{
			failure(types.ErrInvalidOrder, types.NewError(types.ErrInvalidOrder, "unknown batch mode %q", mode)),
		}}
	}
	logger := log.With().Str("component", "pipeline").Str("mode", mode).Int("items", len(intents)).Logger()

	// Normalize what we can upfront so the risk gate sees the batch as one
	// aggregate unit.
	var proposed []types.CanonicalOrder
	for _, in := range intents {
		if o, err := s.normalizer.Normalize(in); err == nil {
			proposed = append(proposed, o)
		}
	}
	if err := s.gate.Check(ctx, proposed); err != nil {
		metrics.BlockedTotal.WithLabelValues("risk_gate").Inc()
		logger.Warn().Err(err).Msg("batch blocked by risk gate")
		// Nothing was placed, so there is nothing to roll back in either mode.
		results := make([]types.PlacementResult, len(intents))
		for i := range results {
			results[i] = failure(types.KindOf(err), err)
		}
		return types.BatchResult{Status: types.BatchPartial, Results: results}
	}

	var (
		results []types.PlacementResult
		placed  []placedItem
		failed  bool
	)

	for i, in := range intents {
		o, err := s.normalizer.Normalize(in)
		if err != nil {
			metrics.BlockedTotal.WithLabelValues("invalid").Inc()
			results = append(results, failure(types.KindOf(err), err))
			failed = true
			if mode == types.BatchRollback {
				break
			}
			continue
		}

		res := s.placeChecked(ctx, o)
		results = append(results, res)
		if !res.OK {
			failed = true
			if mode == types.BatchRollback {
				logger.Warn().Int("index", i).Str("error", res.Error).Msg("batch item failed, rolling back")
				break
			}
			continue
		}
		placed = append(placed, placedItem{order: o, result: res})

		if mode == types.BatchContinue {
			s.protect(ctx, o, res)
		}
	}

	if mode == types.BatchRollback && failed {
		// With nothing placed there is nothing to unwind; report partial so
		// the caller inspects per-item results instead of assuming a rollback.
		status := types.BatchPartial
		if s.rollback(ctx, placed) > 0 {
			status = types.BatchRolledBack
		}
		return types.BatchResult{Status: status, Results: results}
	}

	if mode == types.BatchRollback {
		for _, p := range placed {
			s.protect(ctx, p.order, p.result)
		}
	}

	status := types.BatchOK
	if failed {
		status = types.BatchPartial
	}
	return types.BatchResult{Status: status, Results: results}
}

type placedItem struct {
	order  types.CanonicalOrder
	result types.PlacementResult
}

// rollback cancels placed orders newest-first and reports how many cancels
// landed. Each order is attempted exactly once; a failed cancel is reported
// but not retried here, because the adapter has already done its own
// verification.
func (s *Service) rollback(ctx context.Context, placed []placedItem) int {
	var succeeded int
	for i := len(placed) - 1; i >= 0; i-- {
		p := placed[i]
		res := s.broker.Cancel(ctx, p.result.OrderID, broker.CancelHints{
			Variety:    p.order.Variety,
			Venue:      p.order.Venue,
			Instrument: p.order.Instrument,
			Product:    p.order.Product,
		})
		outcome := "ok"
		switch {
		case res.OK && res.Verified:
			outcome = "verified"
		case !res.OK:
			outcome = "failed"
		}
		metrics.CancelsTotal.WithLabelValues(outcome).Inc()
		s.audit.RecordAttempt(s.mode, p.order, p.result, "rollback cancel: "+outcome)
		if res.OK {
			succeeded++
		} else {
			log.Error().Str("component", "pipeline").Str("order_id", p.result.OrderID).
				Str("error", res.Error).Msg("rollback cancel failed, manual intervention may be needed")
			s.notifier.Notify(ctx, notify.SeverityCritical, "rollback cancel failed",
				fmt.Sprintf("order %s (%s) could not be cancelled during rollback", p.result.OrderID, p.order.Instrument))
		}
	}
	return succeeded
}
