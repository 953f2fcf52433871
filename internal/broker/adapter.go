// Package broker is the only component that talks to the remote trading API.
// It absorbs call-signature drift across broker API versions, retries
// transient failures with bounded backoff, and verifies ambiguous cancels
// against the order book instead of trusting the transport.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/orders"
	"github.com/ksred/exec-api/internal/types"
)

// Config tunes the adapter's retry and fallback behavior.
type Config struct {
	MaxAttempts         int
	TickSize            float64
	StopLimitBufferFrac float64
}

// Adapter wraps a Transport with shape probing, retries and cancel
// verification. The winning call shape per operation is cached behind a
// read-mostly lock so subsequent calls skip the trial-and-error.
type Adapter struct {
	transport Transport
	cfg       Config

	mu     sync.RWMutex
	shapes map[string]int // op -> index into its shape list

	// sleep is swappable in tests.
	sleep func(context.Context, time.Duration)
}

func NewAdapter(t Transport, cfg Config) *Adapter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.TickSize <= 0 {
		cfg.TickSize = 0.05
	}
	return &Adapter{
		transport: t,
		cfg:       cfg,
		shapes:    make(map[string]int),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (a *Adapter) cachedShape(op string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, ok := a.shapes[op]
	return i, ok
}

func (a *Adapter) cacheShape(op string, idx int) {
	a.mu.Lock()
	a.shapes[op] = idx
	a.mu.Unlock()
}

// ---------- payload shaping ----------

func orderPayload(o types.CanonicalOrder) map[string]any {
	p := map[string]any{
		"variety":         o.Variety,
		"instrument":      o.Instrument,
		"venue":           o.Venue,
		"transactiontype": o.Side,
		"ordertype":       o.Kind,
		"producttype":     o.Product,
		"duration":        o.Duration,
		"quantity":        o.Quantity,
	}
	if o.Kind == types.KindMarket {
		p["price"] = "0"
	} else if o.Price > 0 {
		p["price"] = fmt.Sprintf("%.2f", o.Price)
	}
	if o.TriggerPrice > 0 {
		p["triggerprice"] = fmt.Sprintf("%.2f", o.TriggerPrice)
	}
	if o.Tag != "" {
		p["ordertag"] = o.Tag
	}
	return p
}

// placeShapes: the newer API wraps the payload under "orderparams", the older
// one takes it bare.
var placeShapes = []func(payload map[string]any) map[string]any{
	func(p map[string]any) map[string]any { return map[string]any{"orderparams": p} },
	func(p map[string]any) map[string]any { return p },
}

// Place submits a canonical order. Transient failures retry with exponential
// backoff up to the configured bound; a terminal "invalid order type"
// rejection walks the stop-kind fallback ladder once.
func (a *Adapter) Place(ctx context.Context, o types.CanonicalOrder) types.PlacementResult {
	res := a.placeOnce(ctx, o)
	if res.OK {
		return res
	}
	if invalidOrderType(res) && (o.Kind == types.KindStopLimit || o.Kind == types.KindStop) {
		return a.placeStopFallback(ctx, o)
	}
	return res
}

func (a *Adapter) placeOnce(ctx context.Context, o types.CanonicalOrder) types.PlacementResult {
	logger := log.With().Str("component", "broker_adapter").
		Str("instrument", o.Instrument).Str("side", o.Side).Str("kind", o.Kind).Logger()

	payload := orderPayload(o)
	start := 0
	if i, ok := a.cachedShape(OpPlaceOrder); ok {
		start = i
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		for off := 0; off < len(placeShapes); off++ {
			idx := (start + off) % len(placeShapes)
			raw, err := a.transport.Invoke(ctx, OpPlaceOrder, placeShapes[idx](payload))
			if err != nil {
				lastErr = err
				if isTransient(err) {
					logger.Debug().Err(err).Int("attempt", attempt).Msg("transient place failure")
					break // retry the whole attempt after backoff
				}
				continue // try the next shape
			}
			resp := normalizeResponse(raw)
			if resp.OK {
				a.cacheShape(OpPlaceOrder, idx)
				logger.Info().Str("order_id", resp.OrderID).Msg("order placed")
				return types.PlacementResult{OK: true, OrderID: resp.OrderID, Raw: resp.Raw}
			}
			// Non-success response is terminal: surface it with the payload
			// for audit.
			logger.Error().Interface("payload", payload).Str("message", resp.Message).Msg("place rejected")
			return types.PlacementResult{
				OK: false, Raw: resp.Raw,
				Error: fmt.Sprintf("place rejected: %s", resp.Message),
				Kind:  types.ErrTerminalBroker,
			}
		}
		if lastErr != nil && !isTransient(lastErr) {
			break
		}
		if attempt < a.cfg.MaxAttempts-1 {
			a.sleep(ctx, retryBackoff(attempt))
		}
	}

	kind := types.ErrTerminalBroker
	if isTransient(lastErr) {
		kind = types.ErrTransientBroker
	}
	logger.Error().Err(lastErr).Interface("payload", payload).Msg("place failed")
	return types.PlacementResult{OK: false, Error: errString(lastErr), Kind: kind}
}

// placeStopFallback retries a rejected stop order as canonical STOPLOSS, then
// the legacy SL alias, then a plain LIMIT a buffer above the trigger.
func (a *Adapter) placeStopFallback(ctx context.Context, o types.CanonicalOrder) types.PlacementResult {
	logger := log.With().Str("component", "broker_adapter").Str("instrument", o.Instrument).Logger()

	trig := o.TriggerPrice
	if trig <= 0 {
		trig = o.Price
	}
	if trig <= 0 {
		return types.PlacementResult{OK: false, Error: "stop fallback: no usable trigger price", Kind: types.ErrTerminalBroker}
	}
	limit := orders.RoundTick(trig*(1+a.cfg.StopLimitBufferFrac), a.cfg.TickSize)

	for _, kind := range []string{types.KindStop, "SL"} {
		alt := o
		alt.Kind = kind
		alt.TriggerPrice = orders.RoundTick(trig, a.cfg.TickSize)
		alt.Price = limit
		logger.Warn().Str("fallback_kind", kind).Msg("retrying stop order with fallback kind")
		if res := a.placeOnce(ctx, alt); res.OK {
			return res
		}
	}

	alt := o
	alt.Kind = types.KindLimit
	alt.TriggerPrice = 0
	alt.Price = limit
	logger.Warn().Msg("retrying stop order as plain LIMIT")
	return a.placeOnce(ctx, alt)
}

func invalidOrderType(res types.PlacementResult) bool {
	if res.Raw != nil {
		if code, ok := res.Raw["errorcode"].(string); ok && code == "AB1020" {
			return true
		}
	}
	return strings.Contains(strings.ToLower(res.Error), "invalid order type")
}

// ---------- cancel ----------

// CancelHints are optional fields that unlock the non-core probe shapes.
type CancelHints struct {
	Variety    string
	Venue      string
	Instrument string
	Product    string
}

type cancelShape struct {
	name  string
	core  bool
	build func(orderID string, h CancelHints) map[string]any
}

func cancelShapes(h CancelHints) []cancelShape {
	shapes := []cancelShape{
		{"snake-pair", true, func(id string, h CancelHints) map[string]any {
			return map[string]any{"variety": h.Variety, "orderid": id}
		}},
		{"id-only", true, func(id string, h CancelHints) map[string]any {
			return map[string]any{"orderid": id}
		}},
		{"camel", true, func(id string, h CancelHints) map[string]any {
			return map[string]any{"orderId": id}
		}},
		{"camel-pair", true, func(id string, h CancelHints) map[string]any {
			return map[string]any{"variety": h.Variety, "orderId": id}
		}},
	}
	if h.Venue != "" {
		shapes = append(shapes,
			cancelShape{"venue", false, func(id string, h CancelHints) map[string]any {
				return map[string]any{"venue": h.Venue, "orderid": id}
			}},
			cancelShape{"venue-full", false, func(id string, h CancelHints) map[string]any {
				return map[string]any{
					"variety": h.Variety, "venue": h.Venue, "orderid": id,
					"instrument": h.Instrument, "producttype": h.Product,
				}
			}},
		)
	}
	return shapes
}

// Cancel cancels an order, probing call shapes in order and remembering the
// first core shape that works. A transient transport error does not
// necessarily mean the cancel failed: the order book is consulted, and an
// order that is gone or terminal counts as a verified success.
func (a *Adapter) Cancel(ctx context.Context, orderID string, hints CancelHints) types.PlacementResult {
	logger := log.With().Str("component", "broker_adapter").Str("order_id", orderID).Logger()
	if hints.Variety == "" {
		hints.Variety = types.VarietyNormal
	}
	shapes := cancelShapes(hints)

	// Cached strategy first.
	if idx, ok := a.cachedShape(OpCancelOrder); ok && idx < len(shapes) {
		raw, err := a.transport.Invoke(ctx, OpCancelOrder, shapes[idx].build(orderID, hints))
		if err == nil {
			if resp := normalizeResponse(raw); resp.OK {
				return types.PlacementResult{OK: true, OrderID: orderID, Raw: resp.Raw}
			}
		}
		logger.Debug().Msg("cached cancel shape did not confirm; re-probing")
	}

	var lastErr string
	for idx, shape := range shapes {
		raw, err := a.transport.Invoke(ctx, OpCancelOrder, shape.build(orderID, hints))
		if err == nil {
			resp := normalizeResponse(raw)
			if resp.OK {
				if shape.core {
					a.cacheShape(OpCancelOrder, idx)
				}
				logger.Info().Str("shape", shape.name).Msg("cancel confirmed")
				return types.PlacementResult{OK: true, OrderID: orderID, Raw: resp.Raw}
			}
			lastErr = fmt.Sprintf("%s: non-success response", shape.name)
			continue
		}
		if !isTransient(err) {
			lastErr = fmt.Sprintf("%s: %v", shape.name, err)
			continue
		}

		// Ambiguous transport failure: verify against the order book.
		logger.Debug().Err(err).Str("shape", shape.name).Msg("transient cancel failure, verifying via order book")
		a.sleep(ctx, 250*time.Millisecond)
		status, found, verr := a.OrderStatus(ctx, orderID)
		if verr == nil {
			if !found {
				if shape.core {
					a.cacheShape(OpCancelOrder, idx)
				}
				logger.Info().Msg("cancel verified: order absent from book")
				return types.PlacementResult{OK: true, OrderID: orderID, Verified: true,
					Raw: map[string]any{"verified": true, "orderid": orderID}}
			}
			if !IsOpenStatus(status) {
				if shape.core {
					a.cacheShape(OpCancelOrder, idx)
				}
				logger.Info().Str("status", status).Msg("cancel verified: order in terminal state")
				return types.PlacementResult{OK: true, OrderID: orderID, Verified: true,
					Raw: map[string]any{"verified": true, "orderid": orderID, "status": status}}
			}
		}
		lastErr = fmt.Sprintf("%s: transient error, verify shows status=%s", shape.name, status)
	}

	// Last chance: the cancel may have landed on an earlier probe.
	status, found, verr := a.OrderStatus(ctx, orderID)
	if verr == nil && (!found || !IsOpenStatus(status)) {
		logger.Info().Str("status", status).Msg("cancel verified on final pass")
		return types.PlacementResult{OK: true, OrderID: orderID, Verified: true,
			Raw: map[string]any{"verified": true, "orderid": orderID, "status": status}}
	}
	if lastErr == "" {
		lastErr = "cancel: no compatible call shape worked"
	}
	logger.Error().Str("last_error", lastErr).Msg("cancel failed")
	return types.PlacementResult{OK: false, Error: lastErr, Kind: types.ErrTerminalBroker}
}

// ---------- modify ----------

// ModifyUpdates carries the fields a modify may change; zero values are
// omitted from the wire call.
type ModifyUpdates struct {
	Kind         string
	Price        float64
	TriggerPrice float64
	Quantity     int
	Variety      string
}

var modifyShapes = []struct {
	name  string
	build func(orderID string, u ModifyUpdates) map[string]any
}{
	{"snake", func(id string, u ModifyUpdates) map[string]any {
		p := map[string]any{"orderid": id, "variety": u.Variety}
		if u.Kind != "" {
			p["ordertype"] = u.Kind
		}
		if u.Price > 0 {
			p["price"] = fmt.Sprintf("%.2f", u.Price)
		}
		if u.TriggerPrice > 0 {
			p["triggerprice"] = fmt.Sprintf("%.2f", u.TriggerPrice)
		}
		if u.Quantity > 0 {
			p["quantity"] = u.Quantity
		}
		return p
	}},
	{"camel", func(id string, u ModifyUpdates) map[string]any {
		p := map[string]any{"orderId": id, "variety": u.Variety}
		if u.Kind != "" {
			p["orderType"] = u.Kind
		}
		if u.Price > 0 {
			p["price"] = fmt.Sprintf("%.2f", u.Price)
		}
		if u.TriggerPrice > 0 {
			p["triggerPrice"] = fmt.Sprintf("%.2f", u.TriggerPrice)
		}
		if u.Quantity > 0 {
			p["quantity"] = u.Quantity
		}
		return p
	}},
}

// Modify updates a working order, probing parameter spellings and caching the
// winner. Transient failures retry with backoff.
func (a *Adapter) Modify(ctx context.Context, orderID string, u ModifyUpdates) types.PlacementResult {
	logger := log.With().Str("component", "broker_adapter").Str("order_id", orderID).Logger()
	if u.Variety == "" {
		u.Variety = types.VarietyNormal
	}

	start := 0
	if i, ok := a.cachedShape(OpModifyOrder); ok {
		start = i
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		for off := 0; off < len(modifyShapes); off++ {
			idx := (start + off) % len(modifyShapes)
			shape := modifyShapes[idx]
			raw, err := a.transport.Invoke(ctx, OpModifyOrder, shape.build(orderID, u))
			if err != nil {
				lastErr = err
				if isTransient(err) {
					break
				}
				continue
			}
			resp := normalizeResponse(raw)
			if resp.OK {
				a.cacheShape(OpModifyOrder, idx)
				logger.Info().Str("shape", shape.name).Float64("trigger", u.TriggerPrice).Msg("order modified")
				return types.PlacementResult{OK: true, OrderID: orderID, Raw: resp.Raw}
			}
			return types.PlacementResult{OK: false, Raw: resp.Raw,
				Error: fmt.Sprintf("modify rejected: %s", resp.Message), Kind: types.ErrTerminalBroker}
		}
		if lastErr != nil && !isTransient(lastErr) {
			break
		}
		if attempt < a.cfg.MaxAttempts-1 {
			a.sleep(ctx, retryBackoff(attempt))
		}
	}

	kind := types.ErrTerminalBroker
	if isTransient(lastErr) {
		kind = types.ErrTransientBroker
	}
	return types.PlacementResult{OK: false, Error: errString(lastErr), Kind: kind}
}

func errString(err error) string {
	if err == nil {
		return "no compatible call shape worked"
	}
	return err.Error()
}
