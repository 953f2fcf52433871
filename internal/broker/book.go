package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/ksred/exec-api/internal/types"
)

// invokeRetry runs a read-only operation with bounded retries on transient
// failures.
func (a *Adapter) invokeRetry(ctx context.Context, op string, params map[string]any) (any, error) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		raw, err := a.transport.Invoke(ctx, op, params)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !isTransient(err) {
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
	return nil, types.WrapError(kind, lastErr, "%s failed", op)
}

// rows extracts the list payload from a response that may be a bare array or
// wrapped under "data".
func rows(raw any) []map[string]any {
	var list []any
	switch v := raw.(type) {
	case []any:
		list = v
	case map[string]any:
		if d, ok := v["data"].([]any); ok {
			list = d
		}
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Orders fetches the order book once and normalizes the rows.
func (a *Adapter) Orders(ctx context.Context) ([]types.BrokerOrder, error) {
	raw, err := a.invokeRetry(ctx, OpOrderBook, map[string]any{})
	if err != nil {
		return nil, err
	}
	var out []types.BrokerOrder
	for _, r := range rows(raw) {
		out = append(out, types.BrokerOrder{
			OrderID:      firstString(r, "orderid", "orderId", "order_id"),
			Instrument:   firstString(r, "instrument", "tradingsymbol", "symbol"),
			Venue:        firstString(r, "venue", "exchange", "exch_seg"),
			Side:         strings.ToUpper(firstString(r, "transactiontype", "transactionType", "side")),
			Kind:         strings.ToUpper(firstString(r, "ordertype", "orderType")),
			Status:       strings.ToUpper(firstString(r, "status", "Status")),
			Quantity:     int(firstFloat(r, "quantity", "qty")),
			Price:        firstFloat(r, "price"),
			TriggerPrice: firstFloat(r, "triggerprice", "triggerPrice"),
			AveragePrice: firstFloat(r, "averageprice", "averagePrice", "avg_price"),
			Variety:      strings.ToUpper(firstString(r, "variety")),
			Tag:          firstString(r, "ordertag", "orderTag", "tag"),
		})
	}
	return out, nil
}

// OrderStatus looks one order up in the book. found=false means the id is not
// present at all, which for cancel verification counts as "gone".
func (a *Adapter) OrderStatus(ctx context.Context, orderID string) (status string, found bool, err error) {
	book, err := a.Orders(ctx)
	if err != nil {
		return "", false, err
	}
	for _, o := range book {
		if o.OrderID == orderID {
			if o.Status == "" {
				return "UNKNOWN", true, nil
			}
			return o.Status, true, nil
		}
	}
	return "", false, nil
}

// Positions fetches and normalizes the position book.
func (a *Adapter) Positions(ctx context.Context) ([]types.Position, error) {
	raw, err := a.invokeRetry(ctx, OpPositions, map[string]any{})
	if err != nil {
		return nil, err
	}
	var out []types.Position
	for _, r := range rows(raw) {
		p := types.Position{
			Instrument:   firstString(r, "instrument", "tradingsymbol", "symbol"),
			Venue:        firstString(r, "venue", "exchange", "exch_seg"),
			Product:      strings.ToUpper(firstString(r, "producttype", "productType")),
			NetQuantity:  int(firstFloat(r, "netqty", "netQty", "net_quantity")),
			AveragePrice: firstFloat(r, "avgprice", "avgPrice", "averageprice"),
		}
		if v, ok := lookupFloat(r, "pnl"); ok {
			p.PnL = v
			p.HasPnL = true
		}
		out = append(out, p)
	}
	return out, nil
}

// LTP returns the last traded price for an instrument.
func (a *Adapter) LTP(ctx context.Context, venue, instrument string) (float64, error) {
	raw, err := a.invokeRetry(ctx, OpLTP, map[string]any{"venue": venue, "instrument": instrument})
	if err != nil {
		return 0, err
	}
	resp := normalizeResponse(raw)
	data := resp.Data
	if data == nil {
		data = resp.Raw
	}
	ltp := firstFloat(data, "ltp", "last_price", "lastPrice", "lp")
	if ltp <= 0 {
		return 0, types.NewError(types.ErrTerminalBroker, "no usable last price for %s", instrument)
	}
	return ltp, nil
}

// Quote returns a normalized top-of-book snapshot, falling back to LTP when
// the quote payload lacks one.
func (a *Adapter) Quote(ctx context.Context, venue, instrument string) (types.Quote, error) {
	raw, err := a.invokeRetry(ctx, OpQuote, map[string]any{"venue": venue, "instrument": instrument})
	if err != nil {
		return types.Quote{}, err
	}
	resp := normalizeResponse(raw)
	data := resp.Data
	if data == nil {
		data = resp.Raw
	}
	q := types.Quote{
		Bid: firstFloat(data, "best_bid_price", "bestBid", "best_bid", "bp"),
		Ask: firstFloat(data, "best_ask_price", "bestAsk", "best_ask", "ap"),
		LTP: firstFloat(data, "ltp", "last_price", "lastPrice", "lp"),
	}
	// Some variants nest the book under "depth".
	if q.Bid == 0 || q.Ask == 0 {
		if depth, ok := data["depth"].(map[string]any); ok {
			if q.Bid == 0 {
				q.Bid = topOfDepth(depth, "buy")
			}
			if q.Ask == 0 {
				q.Ask = topOfDepth(depth, "sell")
			}
		}
	}
	if q.LTP == 0 {
		if ltp, err := a.LTP(ctx, venue, instrument); err == nil {
			q.LTP = ltp
		}
	}
	return q, nil
}

func topOfDepth(depth map[string]any, side string) float64 {
	arr, ok := depth[side].([]any)
	if !ok || len(arr) == 0 {
		return 0
	}
	if m, ok := arr[0].(map[string]any); ok {
		return firstFloat(m, "price")
	}
	return 0
}

// Funds returns available cash, 0 when the response has no usable figure.
func (a *Adapter) Funds(ctx context.Context) (float64, error) {
	raw, err := a.invokeRetry(ctx, OpFunds, map[string]any{})
	if err != nil {
		return 0, err
	}
	resp := normalizeResponse(raw)
	root := resp.Data
	if root == nil {
		root = resp.Raw
	}
	if root == nil {
		return 0, nil
	}
	if v := firstFloat(root, "availablecash", "availableCash", "available_funds", "availablefunds"); v > 0 {
		return v, nil
	}
	for _, k := range []string{"cash", "net", "equity"} {
		if sub, ok := root[k].(map[string]any); ok {
			if v := firstFloat(sub, "available", "availableCash", "availablecash"); v > 0 {
				return v, nil
			}
		}
	}
	return 0, nil
}

// ---------- tolerant field extraction ----------

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		case float64:
			return strings.TrimSpace(fmt.Sprintf("%v", v))
		}
	}
	return ""
}

func firstFloat(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := lookupFloat(m, k); ok {
			return v
		}
	}
	return 0
}

func lookupFloat(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
