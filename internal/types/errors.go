package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed operation so callers know whether to retry,
// surface, or stop the session.
type ErrorKind string

const (
	ErrInvalidOrder     ErrorKind = "INVALID_ORDER"
	ErrDuplicateBlocked ErrorKind = "DUPLICATE_BLOCKED"
	ErrWideSpread       ErrorKind = "WIDE_SPREAD_BLOCKED"
	ErrTransientBroker  ErrorKind = "TRANSIENT_BROKER_ERROR"
	ErrTerminalBroker   ErrorKind = "TERMINAL_BROKER_ERROR"
	ErrKillSwitch       ErrorKind = "KILL_SWITCH_ENGAGED"
)

// TradeError carries the taxonomy kind alongside a wrapped cause.
type TradeError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *TradeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *TradeError) Unwrap() error { return e.Err }

// NewError builds a TradeError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds a TradeError around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ErrKillSwitchEngaged is the fatal session error: once returned, no further
// order submission may happen in this process for the day.
var ErrKillSwitchEngaged = &TradeError{Kind: ErrKillSwitch, Msg: "daily loss limit breached, trading halted"}

// KindOf extracts the taxonomy kind from an error chain; unknown errors
// report as terminal broker failures.
func KindOf(err error) ErrorKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrTerminalBroker
}

// IsTransient reports whether the error is worth retrying with backoff.
func IsTransient(err error) bool { return KindOf(err) == ErrTransientBroker }

// IsKillSwitch reports whether the error must terminate the trading session.
func IsKillSwitch(err error) bool { return KindOf(err) == ErrKillSwitch }
