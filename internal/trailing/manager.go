package trailing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/config"
	"github.com/ksred/exec-api/internal/metrics"
)

// Manager owns the trailing workers. It fills per-worker defaults from the
// trailing configuration and can stop everything at once when the kill switch
// fires or the process shuts down.
type Manager struct {
	quoter   Quoter
	modifier Modifier
	cfg      config.TrailingConfig

	cutoffHH, cutoffMM int

	mu       sync.Mutex
	baseCtx  context.Context
	trailers map[string]*Trailer // keyed by stop order id
	wg       sync.WaitGroup
}

func NewManager(q Quoter, m Modifier, cfg config.TrailingConfig) *Manager {
	mgr := &Manager{
		quoter:   q,
		modifier: m,
		cfg:      cfg,
		baseCtx:  context.Background(),
		trailers: make(map[string]*Trailer),
	}
	mgr.cutoffHH, mgr.cutoffMM, _ = config.ParseHHMM(cfg.Cutoff)
	return mgr
}

// Start pins the context trailing workers run under. Workers outlive the
// request that spawned them, so this must be the process lifetime context,
// never a request's.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// Spawn starts a trailing worker for one protected leg. Zero-valued tuning
// fields on p are filled from configuration. Spawning twice for the same stop
// order id is a no-op.
func (m *Manager) Spawn(p Params, tickSize float64) {
	if !m.cfg.Enabled || p.StopOrderID == "" {
		return
	}
	m.applyDefaults(&p, tickSize)

	m.mu.Lock()
	if _, exists := m.trailers[p.StopOrderID]; exists {
		m.mu.Unlock()
		return
	}
	t := NewTrailer(m.quoter, m.modifier, p)
	m.trailers[p.StopOrderID] = t
	ctx := m.baseCtx
	m.mu.Unlock()

	metrics.TrailingWorkers.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer metrics.TrailingWorkers.Dec()
		t.Run(ctx)
		m.mu.Lock()
		delete(m.trailers, p.StopOrderID)
		m.mu.Unlock()
	}()
}

func (m *Manager) applyDefaults(p *Params, tickSize float64) {
	if p.ArmFrac == 0 {
		p.ArmFrac = m.cfg.ArmFrac
	}
	if p.Cooldown == 0 {
		p.Cooldown = m.cfg.Cooldown
	}
	if p.LockFrac == 0 {
		p.LockFrac = m.cfg.LockFrac
	}
	if p.Throttle == 0 {
		p.Throttle = m.cfg.Throttle
	}
	if p.MinDeltaTicks == 0 {
		p.MinDeltaTicks = m.cfg.MinDeltaTicks
	}
	if p.BufferTicks == 0 {
		p.BufferTicks = m.cfg.BufferTicks
	}
	if p.LimitExtraTicks == 0 {
		p.LimitExtraTicks = m.cfg.LimitExtraTick
	}
	if p.TickSize == 0 {
		p.TickSize = tickSize
	}
	if m.cfg.CutoffEnabled {
		p.CutoffEnabled = true
		p.CutoffHH = m.cutoffHH
		p.CutoffMM = m.cutoffMM
	}
}

// Stop signals one worker by its stop order id.
func (m *Manager) Stop(stopOrderID string) {
	m.mu.Lock()
	t, ok := m.trailers[stopOrderID]
	m.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// StopAll signals every worker and waits for them to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for _, t := range m.trailers {
		t.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
	log.Info().Str("component", "trailing_manager").Msg("all trailing workers stopped")
}

// Count returns the number of live workers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trailers)
}

// WaitWithTimeout waits for workers to drain, bounded. Used on shutdown.
func (m *Manager) WaitWithTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
