package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Transport operations. The adapter speaks in these; a Transport maps them to
// whatever wire calls the broker session actually supports.
const (
	OpPlaceOrder  = "order.place"
	OpModifyOrder = "order.modify"
	OpCancelOrder = "order.cancel"
	OpOrderBook   = "orders.list"
	OpPositions   = "positions.list"
	OpQuote       = "quote"
	OpLTP         = "ltp"
	OpFunds       = "funds"
)

// Transport is the authenticated broker session. Implementations must return
// transientError-wrapped failures for network/timeout/rate-limit conditions
// so the adapter knows what is safe to retry.
type Transport interface {
	Invoke(ctx context.Context, op string, params map[string]any) (any, error)
}

// transientError marks a failure as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as a retryable transport failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// isTransient reports whether the error chain carries a transient marker or a
// recognizable network/timeout condition.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// endpoint routing for the HTTP transport.
var httpEndpoints = map[string]string{
	OpPlaceOrder:  "/rest/secure/orders/place",
	OpModifyOrder: "/rest/secure/orders/modify",
	OpCancelOrder: "/rest/secure/orders/cancel",
	OpOrderBook:   "/rest/secure/orders/book",
	OpPositions:   "/rest/secure/positions",
	OpQuote:       "/rest/secure/market/quote",
	OpLTP:         "/rest/secure/market/ltp",
	OpFunds:       "/rest/secure/user/rms",
}

// HTTPTransport talks JSON over an authenticated HTTP session with distinct
// connect and read timeouts and a client-side rate limiter, so a stalled
// broker cannot pile up blocked goroutines or trip server-side limits.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPTransport builds the production transport.
func NewHTTPTransport(baseURL, apiKey string, connectTimeout, readTimeout time.Duration, ratePerSec float64) *HTTPTransport {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: connectTimeout,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

func (t *HTTPTransport) Invoke(ctx context.Context, op string, params map[string]any) (any, error) {
	path, ok := httpEndpoints[op]
	if !ok {
		return nil, fmt.Errorf("unknown broker operation %q", op)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, Transient(err)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("%s: %w", op, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Transient(fmt.Errorf("%s read body: %w", op, err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, Transient(fmt.Errorf("%s: rate limited", op))
	case resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("%s: broker returned %d", op, resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s: broker rejected request (%d): %s", op, resp.StatusCode, truncate(string(raw), 200))
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		// The broker occasionally answers an accepted call with an empty
		// body. Treat as transient so the caller verifies instead of trusts.
		return nil, Transient(fmt.Errorf("%s: empty response body", op))
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Non-JSON bodies are usually a bare order id string.
		return strings.TrimSpace(string(raw)), nil
	}
	return decoded, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
