package pipeline

import (
	"sync"
	"time"
)

// dedupStore remembers order fingerprints for the dedup window. Purely
// in-memory: a restart clears it, which is acceptable because the window is
// seconds long and the registry plus order book carry the durable state.
type dedupStore struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func newDedupStore(window time.Duration) *dedupStore {
	return &dedupStore{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Blocked reports whether the fingerprint was seen within the window, and
// records it as seen now otherwise. Stale entries are pruned opportunistically
// once they age past three windows.
func (d *dedupStore) Blocked(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[fingerprint]; ok && now.Sub(at) < d.window {
		return true
	}
	d.seen[fingerprint] = now

	cutoff := now.Add(-3 * d.window)
	for fp, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, fp)
		}
	}
	return false
}
