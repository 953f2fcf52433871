// Package notify fans important execution events out to an operator channel.
// The default implementation only logs; a webhook or chat sender can be
// swapped in behind the same interface.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Severity levels for operator notifications.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Notifier delivers one operator-facing message. Implementations must be safe
// for concurrent use and must not block order flow for long.
type Notifier interface {
	Notify(ctx context.Context, severity, title, body string)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, severity, title, body string) {
	evt := log.Info()
	switch severity {
	case SeverityWarning:
		evt = log.Warn()
	case SeverityCritical:
		evt = log.Error()
	}
	evt.Str("component", "notifier").Str("title", title).Msg(body)
}

// NopNotifier drops everything. Useful in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string, string) {}
