package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/metrics"
	"github.com/ksred/exec-api/internal/notify"
	"github.com/ksred/exec-api/internal/orders"
	"github.com/ksred/exec-api/internal/trailing"
	"github.com/ksred/exec-api/internal/types"
)

// protect places the stop and target siblings for a filled-or-working entry
// order and records the bracket in the registry. Protective legs bypass the
// dedup and spread gates: they are exits, and blocking them would leave a
// naked position.
func (s *Service) protect(ctx context.Context, o types.CanonicalOrder, res types.PlacementResult) {
	if s.registry == nil || !s.cfg.AutoStops && !s.cfg.AutoTargets {
		return
	}
	// Only short entries get brackets: the engine's job is protecting sold
	// premium, and after-hours orders have no live market to bracket against.
	if o.Kind != types.KindMarket && o.Kind != types.KindLimit {
		return
	}
	if !o.IsShort() || o.IsAfterHours() {
		return
	}
	logger := log.With().Str("component", "pipeline").
		Str("instrument", o.Instrument).Str("entry_order_id", res.OrderID).Logger()

	// The bracket reference is the market, not our slippage-padded limit.
	ref, err := s.broker.LTP(ctx, o.Venue, o.Instrument)
	if err != nil || ref <= 0 {
		ref = o.Price
	}
	if ref <= 0 {
		logger.Error().Msg("no reference price for bracket, position unprotected")
		s.notifier.Notify(ctx, notify.SeverityCritical, "bracket skipped",
			"no reference price for "+o.Instrument+", position unprotected")
		return
	}

	groupID, err := s.registry.CreateGroup(o.Instrument)
	if err != nil {
		logger.Error().Err(err).Msg("protection group creation failed, position unprotected")
		return
	}
	if err := s.registry.RecordPrimary(groupID, o); err != nil {
		logger.Error().Err(err).Str("group_id", groupID).Msg("failed to record primary leg")
	}

	if s.cfg.AutoStops {
		stop := s.stopLeg(o, ref)
		stopRes := s.broker.Place(ctx, stop)
		s.audit.RecordAttempt(s.mode, stop, stopRes, "protective stop for "+groupID)
		if stopRes.OK {
			if err := s.registry.RecordStop(groupID, stopRes.OrderID, stop); err != nil {
				logger.Error().Err(err).Str("group_id", groupID).Msg("failed to record stop leg")
			}
			if o.IsShort() && s.trailing != nil {
				s.trailing.Spawn(trailing.Params{
					Instrument:    o.Instrument,
					Venue:         o.Venue,
					StopOrderID:   stopRes.OrderID,
					EntryPrice:    ref,
					EntryCombined: ref * 2,
				}, s.cfg.TickSize)
			}
		} else {
			logger.Error().Str("group_id", groupID).Str("error", stopRes.Error).Msg("stop leg placement failed")
			s.notifier.Notify(ctx, notify.SeverityCritical, "stop leg failed",
				o.Instrument+" has no working stop: "+stopRes.Error)
		}
	}

	if s.cfg.AutoTargets {
		target := s.targetLeg(o, ref)
		targetRes := s.broker.Place(ctx, target)
		s.audit.RecordAttempt(s.mode, target, targetRes, "profit target for "+groupID)
		if targetRes.OK {
			if err := s.registry.RecordTarget(groupID, targetRes.OrderID, target); err != nil {
				logger.Error().Err(err).Str("group_id", groupID).Msg("failed to record target leg")
			}
		} else {
			logger.Warn().Str("group_id", groupID).Str("error", targetRes.Error).Msg("target leg placement failed")
		}
	}

	metrics.OpenGroups.Set(float64(len(s.registry.ListOpenGroups())))
	logger.Info().Str("group_id", groupID).Float64("reference", ref).Msg("protection bracket recorded")
}

func exitSide(entry string) string {
	if entry == types.SideSell {
		return types.SideBuy
	}
	return types.SideSell
}

// stopLeg builds the protective stop: a buy-back above the reference, with
// the limit a small buffer past the trigger so the stop can actually fill.
func (s *Service) stopLeg(o types.CanonicalOrder, ref float64) types.CanonicalOrder {
	tick := s.cfg.TickSize
	trigger := orders.RoundTick(ref*(1+s.cfg.StopLossFrac), tick)
	limit := orders.RoundTick(trigger*(1+s.cfg.StopLimitBufferPct), tick)
	leg := types.CanonicalOrder{
		Instrument:   o.Instrument,
		Venue:        o.Venue,
		Side:         exitSide(o.Side),
		Quantity:     o.Quantity,
		Kind:         types.KindStopLimit,
		Price:        limit,
		TriggerPrice: trigger,
		Product:      o.Product,
		Duration:     o.Duration,
		Variety:      types.VarietyNormal,
		Tag:          o.Tag,
	}
	leg.Fingerprint = orders.Fingerprint(leg)
	return leg
}

// targetLeg builds the profit target, a plain buy-back limit below the
// reference. Floored to the tick grid so rounding never pushes it through
// the intended level.
func (s *Service) targetLeg(o types.CanonicalOrder, ref float64) types.CanonicalOrder {
	tick := s.cfg.TickSize
	price := orders.FloorTick(ref*(1-s.cfg.TargetFrac), tick)
	leg := types.CanonicalOrder{
		Instrument: o.Instrument,
		Venue:      o.Venue,
		Side:       exitSide(o.Side),
		Quantity:   o.Quantity,
		Kind:       types.KindLimit,
		Price:      price,
		Product:    o.Product,
		Duration:   o.Duration,
		Variety:    types.VarietyNormal,
		Tag:        o.Tag,
	}
	leg.Fingerprint = orders.Fingerprint(leg)
	return leg
}
