package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/exec-api/internal/types"
)

// scriptTransport routes every Invoke through a test-supplied handler and
// records the call sequence.
type scriptTransport struct {
	calls   []scriptCall
	handler func(op string, params map[string]any) (any, error)
}

type scriptCall struct {
	op     string
	params map[string]any
}

func (t *scriptTransport) Invoke(_ context.Context, op string, params map[string]any) (any, error) {
	t.calls = append(t.calls, scriptCall{op: op, params: params})
	return t.handler(op, params)
}

func newTestAdapter(t *scriptTransport) *Adapter {
	a := NewAdapter(t, Config{MaxAttempts: 3, TickSize: 0.05, StopLimitBufferFrac: 0.005})
	a.sleep = func(context.Context, time.Duration) {}
	return a
}

func sellOrder() types.CanonicalOrder {
	return types.CanonicalOrder{
		Instrument: "NIFTY24AUGFUT", Venue: "NSE", Side: "SELL",
		Quantity: 50, Kind: "LIMIT", Price: 100.00,
		Product: "INTRADAY", Duration: "DAY", Variety: "NORMAL",
	}
}

func TestPlaceCachesWinningShape(t *testing.T) {
	// Only the bare (unwrapped) payload shape succeeds.
	st := &scriptTransport{handler: func(op string, params map[string]any) (any, error) {
		if op != OpPlaceOrder {
			t.Fatalf("unexpected op %s", op)
		}
		if _, wrapped := params["orderparams"]; wrapped {
			return nil, errors.New("unknown field orderparams")
		}
		return map[string]any{"status": true, "orderid": "A100"}, nil
	}}
	a := newTestAdapter(st)

	res := a.Place(context.Background(), sellOrder())
	if !res.OK || res.OrderID != "A100" {
		t.Fatalf("expected success with order id, got %+v", res)
	}
	firstCalls := len(st.calls)

	// Second placement should go straight to the cached shape.
	res = a.Place(context.Background(), sellOrder())
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := len(st.calls) - firstCalls; got != 1 {
		t.Errorf("expected 1 call after shape cached, got %d", got)
	}
	if _, wrapped := st.calls[len(st.calls)-1].params["orderparams"]; wrapped {
		t.Error("cached shape should be the bare payload")
	}
}

func TestPlaceTransientExhaustion(t *testing.T) {
	st := &scriptTransport{handler: func(op string, params map[string]any) (any, error) {
		return nil, Transient(errors.New("gateway timeout"))
	}}
	a := newTestAdapter(st)

	res := a.Place(context.Background(), sellOrder())
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.Kind != types.ErrTransientBroker {
		t.Errorf("expected transient kind, got %s", res.Kind)
	}
}

func TestPlaceStopFallbackLadder(t *testing.T) {
	// The broker rejects STOPLOSS_LIMIT and STOPLOSS with the invalid order
	// type code; the legacy SL alias works.
	var kinds []string
	st := &scriptTransport{handler: func(op string, params map[string]any) (any, error) {
		payload := params
		if inner, ok := params["orderparams"].(map[string]any); ok {
			payload = inner
		}
		kind, _ := payload["ordertype"].(string)
		kinds = append(kinds, kind)
		if kind == "STOPLOSS_LIMIT" || kind == "STOPLOSS" {
			return map[string]any{"status": false, "message": "invalid order type", "errorcode": "AB1020"}, nil
		}
		return map[string]any{"status": true, "orderid": "SL1"}, nil
	}}
	a := newTestAdapter(st)

	o := sellOrder()
	o.Side = "BUY"
	o.Kind = types.KindStopLimit
	o.TriggerPrice = 102.00
	o.Price = 102.55

	res := a.Place(context.Background(), o)
	if !res.OK || res.OrderID != "SL1" {
		t.Fatalf("expected fallback success, got %+v", res)
	}

	// Ladder order: original kind, then STOPLOSS, then SL.
	want := []string{"STOPLOSS_LIMIT", "STOPLOSS", "SL"}
	seen := make(map[string]bool)
	var distinct []string
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			distinct = append(distinct, k)
		}
	}
	if len(distinct) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, distinct)
	}
	for i := range want {
		if distinct[i] != want[i] {
			t.Fatalf("expected kinds %v, got %v", want, distinct)
		}
	}
}

func TestCancelVerifiedWhenOrderGone(t *testing.T) {
	// Every cancel call times out, but the order book shows the order is no
	// longer there: that is a verified success, not a failure.
	st := &scriptTransport{handler: func(op string, params map[string]any) (any, error) {
		switch op {
		case OpCancelOrder:
			return nil, Transient(errors.New("read timeout"))
		case OpOrderBook:
			return map[string]any{"status": true, "data": []any{}}, nil
		}
		t.Fatalf("unexpected op %s", op)
		return nil, nil
	}}
	a := newTestAdapter(st)

	res := a.Cancel(context.Background(), "GONE1", CancelHints{})
	if !res.OK {
		t.Fatalf("expected verified success, got %+v", res)
	}
	if !res.Verified {
		t.Error("expected Verified flag on book-verified cancel")
	}
}

func TestCancelVerifiedWhenOrderTerminal(t *testing.T) {
	st := &scriptTransport{handler: func(op string, params map[string]any) (any, error) {
		switch op {
		case OpCancelOrder:
			return nil, Transient(errors.New("connection reset"))
		case OpOrderBook:
			return map[string]any{"status": true, "data": []any{
				map[string]any{"orderid": "T1", "status": "CANCELLED"},
			}}, nil
		}
		return nil, nil
	}}
	a := newTestAdapter(st)

	res := a.Cancel(context.Background(), "T1", CancelHints{})
	if !res.OK || !res.Verified {
		t.Fatalf("expected verified success for terminal order, got %+v", res)
	}
}

func TestCancelFailsWhenOrderStillOpen(t *testing.T) {
	st := &scriptTransport{handler: func(op string, params map[string]any) (any, error) {
		switch op {
		case OpCancelOrder:
			return nil, Transient(errors.New("read timeout"))
		case OpOrderBook:
			return map[string]any{"status": true, "data": []any{
				map[string]any{"orderid": "O1", "status": "OPEN"},
			}}, nil
		}
		return nil, nil
	}}
	a := newTestAdapter(st)

	res := a.Cancel(context.Background(), "O1", CancelHints{})
	if res.OK {
		t.Fatalf("cancel must not claim success while the order is open: %+v", res)
	}
}

func TestModifyProbesAndCaches(t *testing.T) {
	// The snake-case spelling errors at the transport; the camel-case one
	// works. The winner should be cached for the next call.
	st := &scriptTransport{handler: func(op string, params map[string]any) (any, error) {
		if op != OpModifyOrder {
			t.Fatalf("unexpected op %s", op)
		}
		if _, ok := params["orderId"]; !ok {
			return nil, errors.New("unknown field orderid")
		}
		return map[string]any{"status": true, "orderid": "M1"}, nil
	}}
	a := newTestAdapter(st)

	res := a.Modify(context.Background(), "M1", ModifyUpdates{TriggerPrice: 101.00, Price: 101.10})
	if !res.OK {
		t.Fatalf("expected success via camel shape, got %+v", res)
	}
	firstCalls := len(st.calls)

	res = a.Modify(context.Background(), "M1", ModifyUpdates{TriggerPrice: 100.50, Price: 100.60})
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := len(st.calls) - firstCalls; got != 1 {
		t.Errorf("expected 1 call after shape cached, got %d", got)
	}
}

func TestOrderStatusAbsent(t *testing.T) {
	st := &scriptTransport{handler: func(op string, params map[string]any) (any, error) {
		return map[string]any{"status": true, "data": []any{
			map[string]any{"orderid": "X1", "status": "OPEN"},
		}}, nil
	}}
	a := newTestAdapter(st)

	status, found, err := a.OrderStatus(context.Background(), "MISSING")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found || status != "" {
		t.Errorf("expected not found, got status=%q found=%v", status, found)
	}
}
