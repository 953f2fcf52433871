// Package risk enforces the pre-trade gate and the daily loss kill switch.
package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// HaltRecord is the durable marker that trading was halted. It is dated: a
// record from a previous calendar day is stale and does not block today.
type HaltRecord struct {
	Date   string    `json:"date"` // YYYY-MM-DD, local time
	Reason string    `json:"reason"`
	PnL    float64   `json:"pnl"`
	At     time.Time `json:"at"`
}

// HaltStore persists the halt record on disk so the block survives process
// restarts. Reads always go to disk: another process (or a manual operator
// touch) engaging the halt is honored immediately.
type HaltStore struct {
	path string
	now  func() time.Time
}

func NewHaltStore(path string) *HaltStore {
	return &HaltStore{path: path, now: time.Now}
}

func dateKey(t time.Time) string { return t.Format("2006-01-02") }

// Engaged reports whether a halt record exists for today, along with the
// record itself. An unreadable or malformed record counts as engaged: when
// the safety state is ambiguous the safe answer is to stay halted.
func (s *HaltStore) Engaged() (bool, HaltRecord) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, HaltRecord{}
		}
		log.Warn().Err(err).Str("path", s.path).Msg("halt record unreadable, treating as engaged")
		return true, HaltRecord{Date: dateKey(s.now()), Reason: "halt record unreadable"}
	}
	var rec HaltRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("halt record malformed, treating as engaged")
		return true, HaltRecord{Date: dateKey(s.now()), Reason: "halt record malformed"}
	}
	if rec.Date != dateKey(s.now()) {
		return false, rec
	}
	return true, rec
}

// Engage writes today's halt record via write-temp-then-rename.
func (s *HaltStore) Engage(reason string, pnl float64) error {
	rec := HaltRecord{
		Date:   dateKey(s.now()),
		Reason: reason,
		PnL:    pnl,
		At:     s.now(),
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create halt record dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write halt record temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace halt record: %w", err)
	}
	return nil
}

// Clear removes the halt record. Operator action only.
func (s *HaltStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
