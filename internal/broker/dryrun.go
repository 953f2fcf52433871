package broker

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DryRunTransport short-circuits the network entirely: placements return
// synthetic order ids and are tracked in an in-memory book so the rest of the
// pipeline (dedup, protection groups, trailing, the watcher) can be exercised
// end to end. Quotes come from a seeded price table.
type DryRunTransport struct {
	mu         sync.Mutex
	book       map[string]map[string]any
	order      []string // insertion order, for stable listings
	prices     map[string]float64
	spreadFrac float64
	cash       float64
}

func NewDryRunTransport() *DryRunTransport {
	return &DryRunTransport{
		book:       make(map[string]map[string]any),
		prices:     make(map[string]float64),
		spreadFrac: 0.01,
		cash:       1_000_000,
	}
}

// SetPrice seeds the synthetic last-traded price for an instrument.
func (t *DryRunTransport) SetPrice(instrument string, px float64) {
	t.mu.Lock()
	t.prices[instrument] = px
	t.mu.Unlock()
}

// SetSpread adjusts the synthetic bid/ask width.
func (t *DryRunTransport) SetSpread(frac float64) {
	t.mu.Lock()
	t.spreadFrac = frac
	t.mu.Unlock()
}

// FillOrder marks a tracked order as complete, simulating a broker fill.
func (t *DryRunTransport) FillOrder(orderID string) {
	t.mu.Lock()
	if row, ok := t.book[orderID]; ok {
		row["status"] = "COMPLETE"
		row["averageprice"] = row["price"]
	}
	t.mu.Unlock()
}

func (t *DryRunTransport) price(instrument string) float64 {
	if px, ok := t.prices[instrument]; ok {
		return px
	}
	return 100.0
}

func (t *DryRunTransport) Invoke(_ context.Context, op string, params map[string]any) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch op {
	case OpPlaceOrder:
		payload := params
		if inner, ok := params["orderparams"].(map[string]any); ok {
			payload = inner
		}
		id := "DRY" + strings.ToUpper(uuid.New().String()[:7])
		row := make(map[string]any, len(payload)+2)
		for k, v := range payload {
			row[k] = v
		}
		row["orderid"] = id
		row["status"] = "OPEN"
		if kind, _ := payload["ordertype"].(string); kind == "MARKET" {
			// Market orders fill immediately at the seeded price.
			row["status"] = "COMPLETE"
			inst, _ := payload["instrument"].(string)
			row["averageprice"] = t.price(inst)
		}
		t.book[id] = row
		t.order = append(t.order, id)
		log.Debug().Str("component", "dry_run").Str("order_id", id).Interface("payload", payload).Msg("synthetic placement")
		return map[string]any{"status": true, "message": "dry-run preview", "orderid": id}, nil

	case OpCancelOrder:
		id := firstString(params, "orderid", "orderId", "order_id")
		if row, ok := t.book[id]; ok && IsOpenStatus(row["status"].(string)) {
			row["status"] = "CANCELLED"
			return map[string]any{"status": true, "orderid": id}, nil
		}
		return map[string]any{"status": false, "message": "order not open"}, nil

	case OpModifyOrder:
		id := firstString(params, "orderid", "orderId", "order_id")
		row, ok := t.book[id]
		if !ok {
			return map[string]any{"status": false, "message": "unknown order id"}, nil
		}
		for _, k := range []string{"price", "triggerprice", "triggerPrice", "ordertype", "orderType", "quantity"} {
			if v, present := params[k]; present {
				row[strings.ToLower(k)] = v
			}
		}
		return map[string]any{"status": true, "orderid": id}, nil

	case OpOrderBook:
		data := make([]any, 0, len(t.order))
		for _, id := range t.order {
			data = append(data, t.book[id])
		}
		return map[string]any{"status": true, "data": data}, nil

	case OpPositions:
		return map[string]any{"status": true, "data": t.positionRows()}, nil

	case OpQuote:
		inst := firstString(params, "instrument")
		px := t.price(inst)
		half := px * t.spreadFrac / 2
		return map[string]any{"status": true, "data": map[string]any{
			"best_bid_price": px - half,
			"best_ask_price": px + half,
			"ltp":            px,
		}}, nil

	case OpLTP:
		inst := firstString(params, "instrument")
		return map[string]any{"status": true, "data": map[string]any{"ltp": t.price(inst)}}, nil

	case OpFunds:
		return map[string]any{"status": true, "data": map[string]any{"availablecash": t.cash}}, nil
	}
	return map[string]any{"status": false, "message": "unsupported operation"}, nil
}

// positionRows nets the filled synthetic orders into position rows.
func (t *DryRunTransport) positionRows() []any {
	type pos struct {
		qty   int
		value float64
		venue string
	}
	agg := make(map[string]*pos)
	for _, id := range t.order {
		row := t.book[id]
		status, _ := row["status"].(string)
		if !IsFilledStatus(status) {
			continue
		}
		inst := firstString(row, "instrument")
		qty := int(firstFloat(row, "quantity"))
		px := firstFloat(row, "averageprice", "price")
		p, ok := agg[inst]
		if !ok {
			p = &pos{venue: firstString(row, "venue")}
			agg[inst] = p
		}
		if side := firstString(row, "transactiontype"); side == "SELL" {
			qty = -qty
		}
		p.qty += qty
		p.value += float64(qty) * px
	}
	out := make([]any, 0, len(agg))
	for inst, p := range agg {
		avg := 0.0
		if p.qty != 0 {
			avg = p.value / float64(p.qty)
		}
		ltp := t.price(inst)
		out = append(out, map[string]any{
			"instrument": inst,
			"venue":      p.venue,
			"netqty":     p.qty,
			"avgprice":   avg,
			"pnl":        (ltp - avg) * float64(p.qty),
		})
	}
	return out
}
