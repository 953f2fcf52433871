package risk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/internal/config"
	"github.com/ksred/exec-api/internal/notify"
	"github.com/ksred/exec-api/internal/types"
)

// stubBroker serves canned books. The flatten worker pools hit it
// concurrently, so mutation is locked.
type stubBroker struct {
	mu           sync.Mutex
	orders       []types.BrokerOrder
	ordersErr    error
	positions    []types.Position
	positionsErr error
	ltp          float64
	funds        float64
	placed       []types.CanonicalOrder
	cancelled    []string
}

func (b *stubBroker) Orders(_ context.Context) ([]types.BrokerOrder, error) {
	return b.orders, b.ordersErr
}

func (b *stubBroker) Positions(_ context.Context) ([]types.Position, error) {
	return b.positions, b.positionsErr
}

func (b *stubBroker) LTP(_ context.Context, _, _ string) (float64, error) {
	return b.ltp, nil
}

func (b *stubBroker) Funds(_ context.Context) (float64, error) {
	return b.funds, nil
}

func (b *stubBroker) Place(_ context.Context, o types.CanonicalOrder) types.PlacementResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, o)
	return types.PlacementResult{OK: true, OrderID: "EXIT1"}
}

func (b *stubBroker) Cancel(_ context.Context, orderID string, _ broker.CancelHints) types.PlacementResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, orderID)
	return types.PlacementResult{OK: true}
}

func TestKillSwitchFiresOnBreach(t *testing.T) {
	b := &stubBroker{
		positions: []types.Position{{
			Instrument: "NIFTY24AUG22000CE", Venue: "NSE", Product: "INTRADAY",
			NetQuantity: -50, AveragePrice: 100.00, PnL: -2100.00, HasPnL: true,
		}},
		orders: []types.BrokerOrder{{OrderID: "O1", Status: "OPEN", Instrument: "X", Venue: "NSE"}},
	}
	halt := NewHaltStore(filepath.Join(t.TempDir(), "halt.json"))
	e := NewEnforcer(b, halt, notify.NopNotifier{}, -2000, "", 2, time.Second)

	var engagements int
	e.OnEngage(func() { engagements++ })

	err := e.EnforceOnce(context.Background())
	if !types.IsKillSwitch(err) {
		t.Fatalf("expected kill switch error, got %v", err)
	}

	// Flatten: the open order cancelled, the short position bought back.
	if len(b.cancelled) != 1 || b.cancelled[0] != "O1" {
		t.Errorf("expected open order cancelled, got %v", b.cancelled)
	}
	if len(b.placed) != 1 {
		t.Fatalf("expected 1 exit order, got %d", len(b.placed))
	}
	exit := b.placed[0]
	if exit.Side != types.SideBuy || exit.Quantity != 50 || exit.Kind != types.KindMarket {
		t.Errorf("unexpected exit order: %+v", exit)
	}

	engaged, rec := halt.Engaged()
	if !engaged {
		t.Fatal("halt record must be written")
	}
	if rec.PnL != -2100.00 {
		t.Errorf("expected recorded pnl -2100.00, got %.2f", rec.PnL)
	}
	if engagements != 1 {
		t.Errorf("expected 1 engage callback, got %d", engagements)
	}

	// A second pass sees the halt and does not flatten again.
	err = e.EnforceOnce(context.Background())
	if !types.IsKillSwitch(err) {
		t.Fatalf("expected kill switch error on re-check, got %v", err)
	}
	if len(b.placed) != 1 || len(b.cancelled) != 1 {
		t.Error("second pass must not repeat the flatten")
	}
	if engagements != 1 {
		t.Errorf("engage callback must fire once, got %d", engagements)
	}
}

func TestKillSwitchHoldsBelowLimit(t *testing.T) {
	b := &stubBroker{
		positions: []types.Position{{Instrument: "CE", NetQuantity: -50, PnL: -500.00, HasPnL: true}},
	}
	halt := NewHaltStore(filepath.Join(t.TempDir(), "halt.json"))
	e := NewEnforcer(b, halt, notify.NopNotifier{}, -2000, "", 2, time.Second)

	if err := e.EnforceOnce(context.Background()); err != nil {
		t.Fatalf("loss inside the limit must not trip: %v", err)
	}
	if len(b.placed) != 0 || len(b.cancelled) != 0 {
		t.Error("nothing should be flattened")
	}
}

func TestKillSwitchDisabledByZeroLimit(t *testing.T) {
	b := &stubBroker{
		positions: []types.Position{{Instrument: "CE", NetQuantity: -50, PnL: -99999.00, HasPnL: true}},
	}
	halt := NewHaltStore(filepath.Join(t.TempDir(), "halt.json"))
	e := NewEnforcer(b, halt, notify.NopNotifier{}, 0, "", 2, time.Second)

	if err := e.EnforceOnce(context.Background()); err != nil {
		t.Fatalf("zero limit disables the switch: %v", err)
	}
}

func TestSessionPnLReconstructsFromLTP(t *testing.T) {
	// No broker-reported pnl: estimate from last traded price. Short 50 from
	// 100, now 60: +2000.
	b := &stubBroker{
		positions: []types.Position{{Instrument: "CE", Venue: "NSE", NetQuantity: -50, AveragePrice: 100.00}},
		ltp:       60.00,
	}
	e := NewEnforcer(b, NewHaltStore(filepath.Join(t.TempDir(), "halt.json")),
		notify.NopNotifier{}, -2000, "", 2, time.Second)

	pnl, err := e.SessionPnL(context.Background())
	if err != nil {
		t.Fatalf("session pnl: %v", err)
	}
	if pnl != 2000.00 {
		t.Errorf("want 2000.00, got %.2f", pnl)
	}
}

func TestSessionPnLTradeLogFallback(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "trade_log.csv")
	content := "time,mode,instrument,venue,side,kind,quantity,price,trigger_price,order_id,note,tag\n" +
		"2026-08-24T10:00:00Z,live,CE,NSE,SELL,LIMIT,50,100.00,0,ORD1,placed,\n" +
		"2026-08-24T11:00:00Z,live,CE,NSE,BUY,MARKET,50,110.00,0,ORD2,placed,\n"
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	b := &stubBroker{positionsErr: errors.New("position endpoint down")}
	e := NewEnforcer(b, NewHaltStore(filepath.Join(t.TempDir(), "halt.json")),
		notify.NopNotifier{}, -2000, logPath, 2, time.Second)

	pnl, err := e.SessionPnL(context.Background())
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if pnl != -500.00 {
		t.Errorf("realized fallback: want -500.00, got %.2f", pnl)
	}
}

func TestGateBlocksWhenHalted(t *testing.T) {
	halt := NewHaltStore(filepath.Join(t.TempDir(), "halt.json"))
	if err := halt.Engage("test", -2100); err != nil {
		t.Fatal(err)
	}
	g := NewGate(config.RiskConfig{
		MarketOpen: "09:15", MarketClose: "15:30", TimedExit: "15:20",
	}, halt, &stubBroker{})

	err := g.Check(context.Background(), []types.CanonicalOrder{{Instrument: "X", Quantity: 1}})
	if !types.IsKillSwitch(err) {
		t.Fatalf("expected kill switch block, got %v", err)
	}
}

func TestGateMarketHours(t *testing.T) {
	g := NewGate(config.RiskConfig{
		EnforceMarketHours: true,
		MarketOpen:         "09:15", MarketClose: "15:30", TimedExit: "15:20",
	}, NewHaltStore(filepath.Join(t.TempDir(), "halt.json")), &stubBroker{})

	order := types.CanonicalOrder{Instrument: "X", Quantity: 1, Variety: types.VarietyNormal}

	g.now = func() time.Time { return time.Date(2026, 8, 24, 8, 0, 0, 0, time.Local) }
	if err := g.Check(context.Background(), []types.CanonicalOrder{order}); err == nil {
		t.Fatal("pre-open submission must be blocked")
	}

	g.now = func() time.Time { return time.Date(2026, 8, 24, 11, 0, 0, 0, time.Local) }
	if err := g.Check(context.Background(), []types.CanonicalOrder{order}); err != nil {
		t.Fatalf("mid-session submission must pass: %v", err)
	}

	// After-hours orders queue outside market hours.
	amo := order
	amo.Variety = types.VarietyAfterHours
	g.now = func() time.Time { return time.Date(2026, 8, 24, 20, 0, 0, 0, time.Local) }
	if err := g.Check(context.Background(), []types.CanonicalOrder{amo}); err != nil {
		t.Fatalf("all-AMO batch must pass outside hours: %v", err)
	}
	// But a mixed batch does not.
	if err := g.Check(context.Background(), []types.CanonicalOrder{amo, order}); err == nil {
		t.Fatal("mixed batch with a live order must be blocked outside hours")
	}
}

func TestGateQuantityCap(t *testing.T) {
	b := &stubBroker{positions: []types.Position{{Instrument: "A", NetQuantity: -100}}}
	g := NewGate(config.RiskConfig{
		MaxTotalQuantity: 120,
		MarketOpen:       "09:15", MarketClose: "15:30", TimedExit: "15:20",
	}, NewHaltStore(filepath.Join(t.TempDir(), "halt.json")), b)

	small := []types.CanonicalOrder{{Instrument: "B", Quantity: 10}}
	if err := g.Check(context.Background(), small); err != nil {
		t.Fatalf("10 on top of 100 fits under 120: %v", err)
	}

	big := []types.CanonicalOrder{{Instrument: "B", Quantity: 15}, {Instrument: "C", Quantity: 10}}
	if err := g.Check(context.Background(), big); err == nil {
		t.Fatal("aggregate 25 on top of 100 must be blocked at 120")
	}
}

func TestGateFailsClosedOnUnreadablePositions(t *testing.T) {
	b := &stubBroker{positionsErr: errors.New("position endpoint down")}
	g := NewGate(config.RiskConfig{
		MaxTotalQuantity: 120,
		MarketOpen:       "09:15", MarketClose: "15:30", TimedExit: "15:20",
	}, NewHaltStore(filepath.Join(t.TempDir(), "halt.json")), b)

	err := g.Check(context.Background(), []types.CanonicalOrder{{Instrument: "B", Quantity: 10}})
	if err == nil {
		t.Fatal("cap check with unreadable positions must fail closed")
	}
	if types.KindOf(err) != types.ErrTransientBroker {
		t.Errorf("expected transient kind, got %s", types.KindOf(err))
	}
}

func TestGateTimedExitCutoff(t *testing.T) {
	g := NewGate(config.RiskConfig{
		TimedExitEnabled: true,
		MarketOpen:       "09:15", MarketClose: "15:30", TimedExit: "15:20",
	}, NewHaltStore(filepath.Join(t.TempDir(), "halt.json")), &stubBroker{})

	order := types.CanonicalOrder{Instrument: "X", Quantity: 1}

	g.now = func() time.Time { return time.Date(2026, 8, 24, 15, 19, 0, 0, time.Local) }
	if err := g.Check(context.Background(), []types.CanonicalOrder{order}); err != nil {
		t.Fatalf("before cutoff must pass: %v", err)
	}
	g.now = func() time.Time { return time.Date(2026, 8, 24, 15, 20, 0, 0, time.Local) }
	if err := g.Check(context.Background(), []types.CanonicalOrder{order}); err == nil {
		t.Fatal("at the cutoff no new entries are allowed")
	}
}
