package orders

import (
	"strings"
	"testing"

	"github.com/ksred/exec-api/internal/types"
)

func TestNormalizeDefaults(t *testing.T) {
	n := NewNormalizer(0.05)

	o, err := n.Normalize(types.OrderIntent{
		Instrument: "NIFTY24AUGFUT",
		Venue:      "nse",
		Quantity:   50.0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Side != types.SideBuy {
		t.Errorf("expected default side BUY, got %s", o.Side)
	}
	if o.Kind != types.KindLimit {
		t.Errorf("expected default kind LIMIT, got %s", o.Kind)
	}
	if o.Venue != "NSE" {
		t.Errorf("expected uppercased venue, got %s", o.Venue)
	}
	if o.Product != "INTRADAY" || o.Duration != "DAY" || o.Variety != types.VarietyNormal {
		t.Errorf("unexpected defaults: product=%s duration=%s variety=%s", o.Product, o.Duration, o.Variety)
	}
	if o.Quantity != 50 {
		t.Errorf("expected quantity 50, got %d", o.Quantity)
	}
	if o.Fingerprint == "" {
		t.Error("expected fingerprint to be set")
	}
}

func TestNormalizeRejections(t *testing.T) {
	n := NewNormalizer(0.05)

	tests := []struct {
		name   string
		intent types.OrderIntent
	}{
		{"missing instrument", types.OrderIntent{Venue: "NSE", Quantity: 1}},
		{"missing venue", types.OrderIntent{Instrument: "X", Quantity: 1}},
		{"zero quantity", types.OrderIntent{Instrument: "X", Venue: "NSE"}},
		{"negative quantity", types.OrderIntent{Instrument: "X", Venue: "NSE", Quantity: -5}},
		{"unknown side", types.OrderIntent{Instrument: "X", Venue: "NSE", Quantity: 1, Side: "HOLD"}},
		{"unknown kind", types.OrderIntent{Instrument: "X", Venue: "NSE", Quantity: 1, Kind: "ICEBERG"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.intent)
			if err == nil {
				t.Fatal("expected error")
			}
			if types.KindOf(err) != types.ErrInvalidOrder {
				t.Errorf("expected ErrInvalidOrder, got %s", types.KindOf(err))
			}
		})
	}
}

func TestNormalizeMarketStripsPrices(t *testing.T) {
	n := NewNormalizer(0.05)

	o, err := n.Normalize(types.OrderIntent{
		Instrument:   "RELIANCE-EQ",
		Venue:        "NSE",
		Side:         "SELL",
		Quantity:     10,
		Kind:         "MARKET",
		Price:        123.45,
		TriggerPrice: 120.00,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Price != types.NoPrice {
		t.Errorf("MARKET order should carry the no-price sentinel, got %.2f", o.Price)
	}
	if o.TriggerPrice != 0 {
		t.Errorf("MARKET order should carry no trigger, got %.2f", o.TriggerPrice)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := NewNormalizer(0.05)

	first, err := n.Normalize(types.OrderIntent{
		Instrument: "TCS-EQ",
		Venue:      "NSE",
		Side:       "sell",
		Quantity:   25,
		Kind:       "limit",
		Price:      101.23,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := n.Normalize(types.OrderIntent{
		Instrument: first.Instrument,
		Venue:      first.Venue,
		Side:       first.Side,
		Quantity:   float64(first.Quantity),
		Kind:       first.Kind,
		Price:      first.Price,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("normalization not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestNormalizeStopOrdering(t *testing.T) {
	n := NewNormalizer(0.05)

	// Stop BUY with limit below trigger is inconsistent.
	_, err := n.Normalize(types.OrderIntent{
		Instrument:   "X",
		Venue:        "NSE",
		Side:         "BUY",
		Quantity:     1,
		Kind:         types.KindStopLimit,
		Price:        99.00,
		TriggerPrice: 100.00,
	})
	if err == nil {
		t.Fatal("expected stop ordering rejection")
	}

	// The mirrored SELL case is fine.
	o, err := n.Normalize(types.OrderIntent{
		Instrument:   "X",
		Venue:        "NSE",
		Side:         "SELL",
		Quantity:     1,
		Kind:         types.KindStopLimit,
		Price:        99.00,
		TriggerPrice: 100.00,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Price != 99.00 || o.TriggerPrice != 100.00 {
		t.Errorf("prices mangled: %+v", o)
	}
}

func TestFingerprintExcludesPriceAndTag(t *testing.T) {
	base := types.CanonicalOrder{
		Instrument: "NIFTY24AUGFUT", Venue: "NSE", Side: "SELL",
		Quantity: 50, Kind: "LIMIT", Variety: "NORMAL",
		Price: 100.00, Tag: "strat-a",
	}
	other := base
	other.Price = 101.50
	other.Tag = "strat-b"

	if Fingerprint(base) != Fingerprint(other) {
		t.Error("fingerprint should ignore price and tag")
	}

	diff := base
	diff.Quantity = 51
	if Fingerprint(base) == Fingerprint(diff) {
		t.Error("fingerprint should include quantity")
	}
}

func TestRoundTick(t *testing.T) {
	tests := []struct {
		price, tick, want float64
	}{
		{100.0199999999, 0.05, 100.00},
		{100.026, 0.05, 100.05},
		{99.0000000001, 0.05, 99.00},
		{101.97, 0.05, 101.95},
		{0, 0.05, 0},
	}
	for _, tt := range tests {
		if got := RoundTick(tt.price, tt.tick); got != tt.want {
			t.Errorf("RoundTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
		}
	}
}

func TestFloorTick(t *testing.T) {
	if got := FloorTick(98.04, 0.05); got != 98.00 {
		t.Errorf("FloorTick(98.04) = %v, want 98.00", got)
	}
	if got := FloorTick(98.00, 0.05); got != 98.00 {
		t.Errorf("FloorTick(98.00) = %v, want 98.00", got)
	}
}

func TestTruncateTag(t *testing.T) {
	n := NewNormalizer(0.05)
	o, err := n.Normalize(types.OrderIntent{
		Instrument: "X", Venue: "NSE", Quantity: 1,
		Tag: strings.Repeat("a", 40),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(o.Tag) != types.TagMaxLen {
		t.Errorf("expected tag truncated to %d, got %d", types.TagMaxLen, len(o.Tag))
	}
}
