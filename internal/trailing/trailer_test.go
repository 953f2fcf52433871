package trailing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/internal/config"
	"github.com/ksred/exec-api/internal/types"
)

type fakeQuoter struct {
	price float64
}

func (q *fakeQuoter) LTP(_ context.Context, _, _ string) (float64, error) {
	return q.price, nil
}

type fakeModifier struct {
	mu   sync.Mutex
	mods []broker.ModifyUpdates
}

func (m *fakeModifier) Modify(_ context.Context, _ string, u broker.ModifyUpdates) types.PlacementResult {
	m.mu.Lock()
	m.mods = append(m.mods, u)
	m.mu.Unlock()
	return types.PlacementResult{OK: true}
}

func (m *fakeModifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mods)
}

func testParams() Params {
	return Params{
		Instrument:      "NIFTY24AUG22000CE",
		Venue:           "NSE",
		StopOrderID:     "STOP1",
		EntryPrice:      100.00,
		EntryCombined:   200.00,
		ArmFrac:         0.40,
		Cooldown:        5 * time.Minute,
		LockFrac:        0.50,
		Throttle:        time.Second,
		MinDeltaTicks:   2,
		BufferTicks:     2,
		LimitExtraTicks: 2,
		TickSize:        0.05,
	}
}

// newTestTrailer pins entry time and the clock so cooldown is controllable.
func newTestTrailer(q *fakeQuoter, m *fakeModifier, elapsed time.Duration) *Trailer {
	t := NewTrailer(q, m, testParams())
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local)
	t.entryAt = base
	t.now = func() time.Time { return base.Add(elapsed) }
	return t
}

func TestNoArmBeforeCooldown(t *testing.T) {
	q := &fakeQuoter{price: 50.00} // deep in profit already
	m := &fakeModifier{}
	tr := newTestTrailer(q, m, time.Minute)

	tr.Step(context.Background())
	if tr.armed {
		t.Fatal("must not arm inside the cooldown")
	}
	if len(m.mods) != 0 {
		t.Fatalf("no modifications expected, got %d", len(m.mods))
	}
}

func TestNoArmBelowThreshold(t *testing.T) {
	// Combined credit 140 vs entry 200: a 30% drop, below the 40% arm bar.
	q := &fakeQuoter{price: 70.00}
	m := &fakeModifier{}
	tr := newTestTrailer(q, m, 10*time.Minute)

	tr.Step(context.Background())
	if tr.armed {
		t.Fatal("30%% gain must not arm a 40%% threshold")
	}
}

func TestFirstTriggerAtLeastEntry(t *testing.T) {
	// Combined 110 vs 200: 45% drop arms. Lock math would put the trigger at
	// 77.50, but the first applied move never goes below breakeven.
	q := &fakeQuoter{price: 55.00}
	m := &fakeModifier{}
	tr := newTestTrailer(q, m, 10*time.Minute)

	tr.Step(context.Background())
	if !tr.armed {
		t.Fatal("expected trailer to arm")
	}
	if len(m.mods) != 1 {
		t.Fatalf("expected 1 modification, got %d", len(m.mods))
	}
	if got := m.mods[0].TriggerPrice; got != 100.00 {
		t.Errorf("first trigger: want 100.00 (breakeven), got %.2f", got)
	}
	if got := m.mods[0].Price; got != 100.10 {
		t.Errorf("first limit: want 100.10, got %.2f", got)
	}
	if m.mods[0].Kind != types.KindStopLimit {
		t.Errorf("modification should keep the stop-limit kind, got %s", m.mods[0].Kind)
	}
}

func TestTriggerOnlyTightens(t *testing.T) {
	q := &fakeQuoter{price: 55.00}
	m := &fakeModifier{}
	tr := newTestTrailer(q, m, 10*time.Minute)

	tr.Step(context.Background()) // applies 100.00
	q.price = 50.00
	tr.Step(context.Background()) // lock: 100 - 0.5*50 = 75.00
	if len(m.mods) != 2 {
		t.Fatalf("expected 2 modifications, got %d", len(m.mods))
	}
	if got := m.mods[1].TriggerPrice; got != 75.00 {
		t.Errorf("second trigger: want 75.00, got %.2f", got)
	}

	// Price moving back against us must not loosen the stop.
	q.price = 60.00
	tr.Step(context.Background())
	if len(m.mods) != 2 {
		t.Fatalf("adverse move must not modify, got %d mods", len(m.mods))
	}
	if tr.LastTrigger() != 75.00 {
		t.Errorf("high-water mark moved: %.2f", tr.LastTrigger())
	}
}

func TestMinDeltaGate(t *testing.T) {
	q := &fakeQuoter{price: 55.00}
	m := &fakeModifier{}
	tr := newTestTrailer(q, m, 10*time.Minute)

	tr.Step(context.Background()) // applies 100.00
	q.price = 50.00
	tr.Step(context.Background()) // applies 75.00

	// A candidate only one tick tighter is below the 2-tick minimum.
	q.price = 49.90
	tr.Step(context.Background())
	if len(m.mods) != 2 {
		t.Fatalf("sub-threshold move must not modify, got %d mods", len(m.mods))
	}
}

func TestCutoff(t *testing.T) {
	p := testParams()
	p.CutoffEnabled = true
	p.CutoffHH, p.CutoffMM = 15, 20
	tr := NewTrailer(&fakeQuoter{price: 55}, &fakeModifier{}, p)

	tr.now = func() time.Time { return time.Date(2026, 8, 24, 15, 19, 0, 0, time.Local) }
	if tr.afterCutoff() {
		t.Error("15:19 is before the 15:20 cutoff")
	}
	tr.now = func() time.Time { return time.Date(2026, 8, 24, 15, 20, 0, 0, time.Local) }
	if !tr.afterCutoff() {
		t.Error("15:20 is at the cutoff")
	}
}

func TestLastTriggerSafeDuringRun(t *testing.T) {
	q := &fakeQuoter{price: 55.00}
	m := &fakeModifier{}
	tr := newTestTrailer(q, m, 10*time.Minute)
	tr.p.Throttle = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	// Poll the high-water mark while the worker is stepping. At a static LTP
	// of 55 the trigger settles at 77.50 after the breakeven move.
	deadline := time.Now().Add(2 * time.Second)
	for tr.LastTrigger() != 77.50 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if got := tr.LastTrigger(); got != 77.50 {
		t.Fatalf("high-water mark: want 77.50, got %.2f", got)
	}
}

func TestManagerSpawnDisabled(t *testing.T) {
	mgr := NewManager(&fakeQuoter{}, &fakeModifier{}, config.TrailingConfig{Enabled: false, Cutoff: "15:20"})
	mgr.Spawn(testParams(), 0.05)
	if mgr.Count() != 0 {
		t.Errorf("disabled manager must not spawn, got %d workers", mgr.Count())
	}
}

func TestManagerSpawnAndStopAll(t *testing.T) {
	cfg := config.TrailingConfig{
		Enabled: true, ArmFrac: 0.40, Cooldown: 5 * time.Minute,
		LockFrac: 0.50, Throttle: 10 * time.Millisecond,
		MinDeltaTicks: 2, BufferTicks: 2, LimitExtraTick: 2, Cutoff: "15:20",
	}
	mgr := NewManager(&fakeQuoter{price: 100}, &fakeModifier{}, cfg)

	p := testParams()
	p.Throttle = 0 // filled from config
	mgr.Spawn(p, 0.05)
	mgr.Spawn(p, 0.05) // same stop order id, no-op
	if mgr.Count() != 1 {
		t.Fatalf("expected 1 worker, got %d", mgr.Count())
	}

	mgr.StopAll()
	if !mgr.WaitWithTimeout(time.Second) {
		t.Fatal("workers did not drain")
	}
	if mgr.Count() != 0 {
		t.Errorf("expected 0 workers after stop, got %d", mgr.Count())
	}
}

// Workers must run under the manager's context, not the caller's. A spawn
// happens inside an HTTP handler whose context dies when the response is
// written; the worker has to keep trailing long after that.
func TestWorkerOutlivesSpawningRequest(t *testing.T) {
	cfg := config.TrailingConfig{
		Enabled: true, ArmFrac: 0.40, Cooldown: time.Nanosecond,
		LockFrac: 0.50, Throttle: 5 * time.Millisecond,
		MinDeltaTicks: 1, BufferTicks: 1, LimitExtraTick: 1, Cutoff: "15:20",
	}
	q := &fakeQuoter{price: 50.00} // 50% credit drop, arms immediately
	m := &fakeModifier{}
	mgr := NewManager(q, m, cfg)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()
	mgr.Start(baseCtx)

	// Spawn as a handler would, then cancel the request's context the way
	// net/http does once the response is written.
	reqCtx, reqCancel := context.WithCancel(context.Background())
	p := testParams()
	p.Cooldown = time.Nanosecond
	p.Throttle = 0
	mgr.Spawn(p, 0.05)
	reqCancel()
	<-reqCtx.Done()

	deadline := time.Now().Add(2 * time.Second)
	for m.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.count() == 0 {
		t.Fatal("worker never stepped after the request context was cancelled")
	}
	if mgr.Count() != 1 {
		t.Fatalf("expected the worker to survive the request, got %d workers", mgr.Count())
	}

	baseCancel()
	if !mgr.WaitWithTimeout(time.Second) {
		t.Fatal("workers did not drain after the manager context was cancelled")
	}
	if mgr.Count() != 0 {
		t.Errorf("expected 0 workers after manager shutdown, got %d", mgr.Count())
	}
}
