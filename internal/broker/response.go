package broker

import (
	"strings"
)

// Response is the single {ok, data, error} shape every upstream component
// sees. The broker's raw responses vary by call and API version: sometimes a
// boolean "status", sometimes a message string, sometimes a bare order id.
type Response struct {
	OK      bool
	OrderID string
	Message string
	Data    map[string]any
	Raw     map[string]any
}

// normalizeResponse folds the broker's response variants into a Response.
func normalizeResponse(raw any) Response {
	switch v := raw.(type) {
	case nil:
		return Response{}
	case bool:
		return Response{OK: v, Raw: map[string]any{"status": v}}
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return Response{}
		}
		// A bare non-empty string is an order id unless it reads like a
		// failure message.
		low := strings.ToLower(s)
		if strings.Contains(low, "error") || strings.Contains(low, "fail") {
			return Response{Message: s, Raw: map[string]any{"raw": s}}
		}
		return Response{OK: true, OrderID: s, Raw: map[string]any{"raw": s}}
	case map[string]any:
		return normalizeMap(v)
	default:
		return Response{}
	}
}

func normalizeMap(m map[string]any) Response {
	r := Response{Raw: m}
	if msg, ok := m["message"].(string); ok {
		r.Message = msg
	}
	if data, ok := m["data"].(map[string]any); ok {
		r.Data = data
	}

	switch st := m["status"].(type) {
	case bool:
		r.OK = st
	default:
		if strings.Contains(strings.ToLower(r.Message), "success") {
			r.OK = true
		} else if len(r.Data) > 0 {
			r.OK = true
		}
	}

	r.OrderID = extractOrderID(m)
	if r.OrderID == "" && r.Data != nil {
		r.OrderID = extractOrderID(r.Data)
	}
	return r
}

func extractOrderID(m map[string]any) string {
	for _, k := range []string{"orderid", "orderId", "order_id"} {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Open-ish order-book statuses: anything here means the order is still
// working and a cancel cannot be considered done.
var openStatuses = map[string]struct{}{
	"OPEN":                {},
	"PENDING":             {},
	"TRIGGER PENDING":     {},
	"AMO REQ RECEIVED":    {},
	"OPEN PENDING":        {},
	"MODIFY PENDING":      {},
	"OPEN PENDING,MODIFY": {},
	"OPEN PENDING,CANCEL": {},
}

// Terminal fill statuses used by the protection watcher.
var filledStatuses = map[string]struct{}{
	"COMPLETE":  {},
	"COMPLETED": {},
	"FILLED":    {},
	"EXECUTED":  {},
}

// IsOpenStatus reports whether the order-book status means "still working".
func IsOpenStatus(status string) bool {
	_, ok := openStatuses[strings.ToUpper(strings.TrimSpace(status))]
	return ok
}

// IsFilledStatus reports whether the order-book status is a terminal fill.
func IsFilledStatus(status string) bool {
	_, ok := filledStatuses[strings.ToUpper(strings.TrimSpace(status))]
	return ok
}
