// Package orders canonicalizes loosely-typed order intents into the strict
// payloads the broker adapter places.
package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ksred/exec-api/internal/types"
)

// Normalizer applies type coercion, enum casing, tick rounding and fingerprint
// computation. It is stateless and safe for concurrent use.
type Normalizer struct {
	tickSize float64
}

func NewNormalizer(tickSize float64) *Normalizer {
	if tickSize <= 0 {
		tickSize = 0.05
	}
	return &Normalizer{tickSize: tickSize}
}

// Normalize validates and canonicalizes an intent. The only hard failures are
// a missing instrument/venue, a non-positive quantity, or an unknown
// side/kind: anything else is coerced or defaulted. A LIMIT or STOP_LIMIT
// order without a price passes through untouched for the pipeline's
// auto-pricing step. Normalizing an already-canonical order is idempotent
// apart from fingerprint recomputation.
func (n *Normalizer) Normalize(in types.OrderIntent) (types.CanonicalOrder, error) {
	if strings.TrimSpace(in.Instrument) == "" || strings.TrimSpace(in.Venue) == "" {
		return types.CanonicalOrder{}, types.NewError(types.ErrInvalidOrder,
			"order missing instrument/venue: instrument=%q venue=%q", in.Instrument, in.Venue)
	}

	qty := int(in.Quantity)
	if qty <= 0 {
		return types.CanonicalOrder{}, types.NewError(types.ErrInvalidOrder, "quantity must be positive, got %v", in.Quantity)
	}

	o := types.CanonicalOrder{
		Instrument:   strings.TrimSpace(in.Instrument),
		Venue:        upperOr(in.Venue, ""),
		Side:         upperOr(in.Side, types.SideBuy),
		Quantity:     qty,
		Kind:         upperOr(in.Kind, types.KindLimit),
		Product:      upperOr(in.Product, "INTRADAY"),
		Duration:     upperOr(in.Duration, "DAY"),
		Variety:      upperOr(in.Variety, types.VarietyNormal),
		Tag:          truncateTag(in.Tag),
		Price:        in.Price,
		TriggerPrice: in.TriggerPrice,
	}

	switch o.Side {
	case types.SideBuy, types.SideSell:
	default:
		return types.CanonicalOrder{}, types.NewError(types.ErrInvalidOrder, "unknown side %q", o.Side)
	}

	switch o.Kind {
	case types.KindMarket:
		// MARKET never carries a price or trigger.
		o.Price = types.NoPrice
		o.TriggerPrice = 0
	case types.KindLimit:
		o.TriggerPrice = 0
		if o.Price > 0 {
			o.Price = RoundTick(o.Price, n.tickSize)
		}
	case types.KindStopLimit, types.KindStop:
		if o.Price > 0 {
			o.Price = RoundTick(o.Price, n.tickSize)
		}
		if o.TriggerPrice > 0 {
			o.TriggerPrice = RoundTick(o.TriggerPrice, n.tickSize)
		}
		if o.Price > 0 && o.TriggerPrice > 0 {
			if err := checkStopOrdering(o); err != nil {
				return types.CanonicalOrder{}, err
			}
		}
	default:
		return types.CanonicalOrder{}, types.NewError(types.ErrInvalidOrder, "unknown order kind %q", o.Kind)
	}

	o.Fingerprint = Fingerprint(o)
	return o, nil
}

// checkStopOrdering enforces trigger/price ordering consistent with side: a
// stop BUY (covering a short) triggers below its limit, a stop SELL above.
func checkStopOrdering(o types.CanonicalOrder) error {
	if o.Side == types.SideBuy && o.Price < o.TriggerPrice {
		return types.NewError(types.ErrInvalidOrder,
			"stop BUY limit %.2f below trigger %.2f", o.Price, o.TriggerPrice)
	}
	if o.Side == types.SideSell && o.Price > o.TriggerPrice {
		return types.NewError(types.ErrInvalidOrder,
			"stop SELL limit %.2f above trigger %.2f", o.Price, o.TriggerPrice)
	}
	return nil
}

// Fingerprint hashes the identity-defining fields. Price and tag are excluded
// so a retried submission with a slightly different price still collides
// within the dedup window.
func Fingerprint(o types.CanonicalOrder) string {
	key := strings.Join([]string{
		o.Instrument, o.Side, o.Venue, o.Kind,
		fmt.Sprintf("%d", o.Quantity), o.Variety,
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RoundTick rounds a price to the nearest multiple of the tick size, then to
// two decimals. Decimal arithmetic avoids the float drift that makes
// 99.00000000001 fail broker validation.
func RoundTick(price, tick float64) float64 {
	if tick <= 0 {
		tick = 0.05
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t).Round(0)
	out, _ := steps.Mul(t).Round(2).Float64()
	return out
}

// FloorTick rounds a price down to the tick grid.
func FloorTick(price, tick float64) float64 {
	if tick <= 0 {
		tick = 0.05
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t).Floor()
	out, _ := steps.Mul(t).Round(2).Float64()
	return out
}

// Ticks returns n ticks worth of price.
func Ticks(n int, tick float64) float64 {
	if n < 0 {
		n = 0
	}
	if tick <= 0 {
		tick = 0.05
	}
	out, _ := decimal.NewFromFloat(tick).Mul(decimal.NewFromInt(int64(n))).Round(2).Float64()
	return out
}

func upperOr(s, def string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return def
	}
	return s
}

func truncateTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if len(tag) > types.TagMaxLen {
		return tag[:types.TagMaxLen]
	}
	return tag
}
