package protection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/internal/types"
)

// bookBroker serves a fixed order book and records cancels.
type bookBroker struct {
	book      []types.BrokerOrder
	cancelled []string
}

func (b *bookBroker) Orders(_ context.Context) ([]types.BrokerOrder, error) {
	return b.book, nil
}

func (b *bookBroker) Cancel(_ context.Context, orderID string, _ broker.CancelHints) types.PlacementResult {
	b.cancelled = append(b.cancelled, orderID)
	return types.PlacementResult{OK: true}
}

func newWatcherFixture(t *testing.T) (*Registry, string) {
	t.Helper()
	r, err := NewRegistry(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	id, err := r.CreateGroup("NIFTY24AUGFUT")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := r.RecordStop(id, "STOP1", testOrder("BUY", "STOPLOSS_LIMIT")); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordTarget(id, "TGT1", testOrder("BUY", "LIMIT")); err != nil {
		t.Fatal(err)
	}
	return r, id
}

func TestWatcherClosesOnStopFill(t *testing.T) {
	r, id := newWatcherFixture(t)
	b := &bookBroker{book: []types.BrokerOrder{
		{OrderID: "STOP1", Status: "COMPLETE"},
		{OrderID: "TGT1", Status: "OPEN"},
	}}
	w := NewWatcher(r, b, time.Second)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	g, _ := r.Get(id)
	if !g.Closed || g.ClosedReason != ReasonExitByStop {
		t.Fatalf("expected close by stop, got %+v", g)
	}
	if len(b.cancelled) != 1 || b.cancelled[0] != "TGT1" {
		t.Errorf("expected target cancelled, got %v", b.cancelled)
	}
}

func TestWatcherClosesOnTargetFill(t *testing.T) {
	r, id := newWatcherFixture(t)
	b := &bookBroker{book: []types.BrokerOrder{
		{OrderID: "STOP1", Status: "TRIGGER PENDING"},
		{OrderID: "TGT1", Status: "FILLED"},
	}}
	w := NewWatcher(r, b, time.Second)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	g, _ := r.Get(id)
	if !g.Closed || g.ClosedReason != ReasonExitByTarget {
		t.Fatalf("expected close by target, got %+v", g)
	}
	if len(b.cancelled) != 1 || b.cancelled[0] != "STOP1" {
		t.Errorf("expected stop cancelled, got %v", b.cancelled)
	}
}

func TestWatcherLeavesOpenGroupsAlone(t *testing.T) {
	r, id := newWatcherFixture(t)
	b := &bookBroker{book: []types.BrokerOrder{
		{OrderID: "STOP1", Status: "TRIGGER PENDING"},
		{OrderID: "TGT1", Status: "OPEN"},
	}}
	w := NewWatcher(r, b, time.Second)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	g, _ := r.Get(id)
	if g.Closed {
		t.Fatal("group with both legs working must stay open")
	}
	if len(b.cancelled) != 0 {
		t.Errorf("nothing should be cancelled, got %v", b.cancelled)
	}
}

func TestWatcherUnknownOrdersNotTreatedAsFills(t *testing.T) {
	r, id := newWatcherFixture(t)
	// Legs not yet visible in the book.
	b := &bookBroker{}
	w := NewWatcher(r, b, time.Second)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	g, _ := r.Get(id)
	if g.Closed {
		t.Fatal("absent legs are not fills")
	}
}

func TestWatcherRerunIsNoOp(t *testing.T) {
	r, id := newWatcherFixture(t)
	b := &bookBroker{book: []types.BrokerOrder{
		{OrderID: "STOP1", Status: "COMPLETE"},
	}}
	w := NewWatcher(r, b, time.Second)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	g, _ := r.Get(id)
	if !g.Closed {
		t.Fatal("group should be closed")
	}
	// The sibling cancel ran on the first pass only.
	if len(b.cancelled) != 1 {
		t.Errorf("expected 1 cancel across re-runs, got %d", len(b.cancelled))
	}
}
