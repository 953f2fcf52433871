// Package audit records every placement attempt twice: an append-only CSV
// trade log for P&L reconstruction and operator forensics, and a database row
// for queryable history.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Entry is one trade log line. OrderID is empty for rejected placements.
type Entry struct {
	Mode         string
	Instrument   string
	Venue        string
	Side         string
	Kind         string
	Quantity     int
	Price        float64
	TriggerPrice float64
	OrderID      string
	Note         string
	Tag          string
}

var csvHeader = []string{
	"time", "mode", "instrument", "venue", "side", "kind",
	"quantity", "price", "trigger_price", "order_id", "note", "tag",
}

// TradeLog appends entries to a CSV file, writing the header when it creates
// the file. Appends are serialized; the file is opened per write so external
// log rotation stays safe.
type TradeLog struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewTradeLog(path string) *TradeLog {
	return &TradeLog{path: path, now: time.Now}
}

// Path returns the backing file path.
func (l *TradeLog) Path() string { return l.path }

// Record appends one entry.
func (l *TradeLog) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create trade log dir: %w", err)
	}

	_, statErr := os.Stat(l.path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	row := []string{
		l.now().Format(time.RFC3339),
		e.Mode, e.Instrument, e.Venue, e.Side, e.Kind,
		strconv.Itoa(e.Quantity),
		strconv.FormatFloat(e.Price, 'f', 2, 64),
		strconv.FormatFloat(e.TriggerPrice, 'f', 2, 64),
		e.OrderID, e.Note, e.Tag,
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
