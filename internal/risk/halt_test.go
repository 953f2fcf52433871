package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHaltSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.json")

	s := NewHaltStore(path)
	if engaged, _ := s.Engaged(); engaged {
		t.Fatal("fresh store must not be engaged")
	}
	if err := s.Engage("daily loss limit breached", -2100); err != nil {
		t.Fatalf("engage: %v", err)
	}

	// A new store on the same path (a process restart) sees the halt.
	restarted := NewHaltStore(path)
	engaged, rec := restarted.Engaged()
	if !engaged {
		t.Fatal("halt must survive restart")
	}
	if rec.Reason != "daily loss limit breached" || rec.PnL != -2100 {
		t.Errorf("record mangled: %+v", rec)
	}
}

func TestStaleHaltDoesNotBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.json")

	yesterday := NewHaltStore(path)
	yesterday.now = func() time.Time { return time.Now().AddDate(0, 0, -1) }
	if err := yesterday.Engage("yesterday's halt", -3000); err != nil {
		t.Fatal(err)
	}

	today := NewHaltStore(path)
	if engaged, _ := today.Engaged(); engaged {
		t.Fatal("a dated record from a previous day must not block today")
	}
}

func TestMalformedHaltFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewHaltStore(path)
	if engaged, _ := s.Engaged(); !engaged {
		t.Fatal("an unreadable safety record must count as engaged")
	}
}

func TestHaltClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.json")
	s := NewHaltStore(path)
	if err := s.Engage("manual", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if engaged, _ := s.Engaged(); engaged {
		t.Fatal("cleared store must not be engaged")
	}
	// Clearing an absent record is fine.
	if err := s.Clear(); err != nil {
		t.Fatalf("double clear: %v", err)
	}
}
