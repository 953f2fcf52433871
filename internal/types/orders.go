package types

import (
	"time"

	"gorm.io/gorm"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order kinds accepted from strategies. StopLimit carries both a limit price
// and a trigger price; the broker also understands the legacy aliases the
// adapter falls back to (see broker.Adapter.Place).
const (
	KindMarket    = "MARKET"
	KindLimit     = "LIMIT"
	KindStopLimit = "STOPLOSS_LIMIT"
	KindStop      = "STOPLOSS"
)

// Order varieties.
const (
	VarietyNormal     = "NORMAL"
	VarietyAfterHours = "AMO"
)

// NoPrice is the sentinel the broker expects for MARKET orders.
const NoPrice = 0.0

// TagMaxLen is the broker's hard limit on the free-text order tag.
const TagMaxLen = 19

// OrderIntent is the loosely-typed trade intent a strategy hands to the
// pipeline. Quantity may arrive as a float from upstream JSON; the normalizer
// coerces it. Price/TriggerPrice of zero mean "not set".
type OrderIntent struct {
	Instrument   string  `json:"instrument" binding:"required"`
	Venue        string  `json:"venue" binding:"required"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	Kind         string  `json:"kind"`
	Price        float64 `json:"price"`
	TriggerPrice float64 `json:"trigger_price"`
	Product      string  `json:"product"`
	Duration     string  `json:"duration"`
	Variety      string  `json:"variety"`
	Tag          string  `json:"tag"`
}

// CanonicalOrder is the strict payload produced by the normalizer. Prices are
// tick-rounded to two decimals; enumerated fields are uppercase; Fingerprint
// is the dedup hash over the identity-defining fields (price and tag are
// deliberately excluded so a retried submission with a slightly different
// price still collides).
type CanonicalOrder struct {
	Instrument   string  `json:"instrument"`
	Venue        string  `json:"venue"`
	Side         string  `json:"side"`
	Quantity     int     `json:"quantity"`
	Kind         string  `json:"kind"`
	Price        float64 `json:"price"`
	TriggerPrice float64 `json:"trigger_price"`
	Product      string  `json:"product"`
	Duration     string  `json:"duration"`
	Variety      string  `json:"variety"`
	Tag          string  `json:"tag"`
	Fingerprint  string  `json:"fingerprint"`
}

// IsShort reports whether this order opens a short leg.
func (o CanonicalOrder) IsShort() bool { return o.Side == SideSell }

// IsAfterHours reports whether this order is queued for the after-market slot.
func (o CanonicalOrder) IsAfterHours() bool { return o.Variety == VarietyAfterHours }

// PlacementResult is the immutable outcome of one broker placement attempt.
// OrderID is present on success, or on an ambiguous call whose effect was
// confirmed via the order book (Verified=true).
type PlacementResult struct {
	OK       bool           `json:"ok"`
	OrderID  string         `json:"order_id,omitempty"`
	Verified bool           `json:"verified,omitempty"`
	Raw      map[string]any `json:"raw,omitempty"`
	Error    string         `json:"error,omitempty"`
	Kind     ErrorKind      `json:"error_kind,omitempty"`
	GroupID  string         `json:"group_id,omitempty"`
}

// Batch submission modes.
const (
	BatchContinue = "CONTINUE"
	BatchRollback = "ROLLBACK"
)

// Batch outcome statuses.
const (
	BatchOK         = "ok"
	BatchPartial    = "partial"
	BatchRolledBack = "rolled_back_due_to_failure"
)

// BatchResult reports per-item outcomes plus an overall status.
type BatchResult struct {
	Status  string            `json:"status"`
	Results []PlacementResult `json:"results"`
}

// BrokerOrder is one normalized row of the broker's order book.
type BrokerOrder struct {
	OrderID      string  `json:"order_id"`
	Instrument   string  `json:"instrument"`
	Venue        string  `json:"venue"`
	Side         string  `json:"side"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	Quantity     int     `json:"quantity"`
	Price        float64 `json:"price"`
	TriggerPrice float64 `json:"trigger_price"`
	AveragePrice float64 `json:"average_price"`
	Variety      string  `json:"variety"`
	Tag          string  `json:"tag"`
}

// Position is one normalized row of the broker's position book. PnL is the
// broker-reported mark-to-market when available; HasPnL distinguishes a true
// zero from a missing field.
type Position struct {
	Instrument   string  `json:"instrument"`
	Venue        string  `json:"venue"`
	Product      string  `json:"product"`
	NetQuantity  int     `json:"net_quantity"`
	AveragePrice float64 `json:"average_price"`
	PnL          float64 `json:"pnl"`
	HasPnL       bool    `json:"has_pnl"`
}

// Quote is a normalized top-of-book snapshot. Bid/Ask of zero mean no
// observable depth.
type Quote struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	LTP  float64 `json:"ltp"`
	Time time.Time
}

// SpreadOverMid returns (ask-bid)/mid, or -1 when the book is unusable.
func (q Quote) SpreadOverMid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
		return -1
	}
	mid := (q.Bid + q.Ask) / 2
	if mid <= 0 {
		return -1
	}
	return (q.Ask - q.Bid) / mid
}

// PlacementAttempt is the audit row persisted for every placement attempt,
// successful or not. One row per attempt, append-only.
type PlacementAttempt struct {
	gorm.Model   `json:"-"`
	AttemptID    string    `gorm:"uniqueIndex" json:"attempt_id"`
	Mode         string    `json:"mode"`
	Instrument   string    `json:"instrument"`
	Venue        string    `json:"venue"`
	Side         string    `json:"side"`
	Kind         string    `json:"kind"`
	Quantity     int       `json:"quantity"`
	Price        float64   `json:"price"`
	TriggerPrice float64   `json:"trigger_price"`
	OrderID      string    `json:"order_id"`
	Note         string    `json:"note"`
	Tag          string    `json:"tag"`
	CreatedAt    time.Time `json:"created_at"`
}
