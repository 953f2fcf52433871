// Package protection tracks stop/target sibling pairs (one-cancels-other
// brackets) per entry order and closes them once one side fills.
package protection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/types"
)

// Close reasons for the two terminal transitions, plus manual intervention.
const (
	ReasonExitByStop   = "exit_by_stop"
	ReasonExitByTarget = "exit_by_target"
	ReasonManual       = "manual"
)

// Leg is one protective order recorded under a group.
type Leg struct {
	OrderID string               `json:"order_id"`
	Order   types.CanonicalOrder `json:"order"`
}

// Note is a free-form annotation on a group.
type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Group is one bracket: a primary entry order plus optional stop and target
// siblings. Once Closed it never reopens.
type Group struct {
	ID           string                `json:"id"`
	Instrument   string                `json:"instrument"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	Primary      *types.CanonicalOrder `json:"primary,omitempty"`
	Stop         *Leg                  `json:"stop,omitempty"`
	Target       *Leg                  `json:"target,omitempty"`
	Closed       bool                  `json:"closed"`
	ClosedReason string                `json:"closed_reason,omitempty"`
	ClosedAt     *time.Time            `json:"closed_at,omitempty"`
	Notes        []Note                `json:"notes,omitempty"`
}

// Registry is the durable key→record store for protection groups. Every
// mutation rewrites the backing JSON document via write-temp-then-rename, so
// a crash mid-write never leaves a corrupt registry.
type Registry struct {
	path string

	mu     sync.Mutex
	groups map[string]*Group
}

// NewRegistry loads (or initializes) the registry at path.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, groups: make(map[string]*Group)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read protection registry: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.groups); err != nil {
			// A malformed registry is recreated rather than fatal: losing
			// bracket tracking is recoverable, refusing to trade is not.
			log.Warn().Err(err).Str("path", path).Msg("protection registry malformed, recreating")
			r.groups = make(map[string]*Group)
		}
	}
	return r, nil
}

// save must be called with the lock held.
func (r *Registry) save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(r.groups, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}

// CreateGroup opens a new bracket bucket and returns its id.
func (r *Registry) CreateGroup(instrument string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("OCO-%s-%s", strings.ToUpper(instrument), uuid.New().String()[:8])
	now := time.Now()
	r.groups[id] = &Group{
		ID:         id,
		Instrument: strings.ToUpper(instrument),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.save(); err != nil {
		delete(r.groups, id)
		return "", err
	}
	return id, nil
}

func (r *Registry) update(groupID string, mutate func(*Group)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("protection group %s not found", groupID)
	}
	mutate(g)
	g.UpdatedAt = time.Now()
	return r.save()
}

// RecordPrimary snapshots the entry order under the group.
func (r *Registry) RecordPrimary(groupID string, order types.CanonicalOrder) error {
	return r.update(groupID, func(g *Group) { g.Primary = &order })
}

// RecordStop records the stop leg.
func (r *Registry) RecordStop(groupID, orderID string, order types.CanonicalOrder) error {
	return r.update(groupID, func(g *Group) { g.Stop = &Leg{OrderID: orderID, Order: order} })
}

// RecordTarget records the target leg.
func (r *Registry) RecordTarget(groupID, orderID string, order types.CanonicalOrder) error {
	return r.update(groupID, func(g *Group) { g.Target = &Leg{OrderID: orderID, Order: order} })
}

// MarkClosed transitions the group to its terminal state. Closing an
// already-closed group is a no-op so watcher re-entry stays idempotent.
func (r *Registry) MarkClosed(groupID, reason string) error {
	return r.update(groupID, func(g *Group) {
		if g.Closed {
			return
		}
		g.Closed = true
		g.ClosedReason = reason
		now := time.Now()
		g.ClosedAt = &now
	})
}

// AppendNote adds a free-form annotation.
func (r *Registry) AppendNote(groupID, text string) error {
	return r.update(groupID, func(g *Group) {
		g.Notes = append(g.Notes, Note{At: time.Now(), Text: text})
	})
}

// Get returns a copy of one group.
func (r *Registry) Get(groupID string) (Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// ListOpenGroups returns copies of every group not yet closed.
func (r *Registry) ListOpenGroups() []Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Group
	for _, g := range r.groups {
		if !g.Closed {
			out = append(out, *g)
		}
	}
	return out
}

// ListGroups returns copies of every group, open or closed.
func (r *Registry) ListGroups() []Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, *g)
	}
	return out
}

// PurgeClosed drops closed groups from the registry and reports how many were
// removed. Groups are never deleted automatically anywhere else.
func (r *Registry) PurgeClosed() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int
	for id, g := range r.groups {
		if g.Closed {
			delete(r.groups, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, r.save()
}
