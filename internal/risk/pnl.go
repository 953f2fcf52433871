package risk

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// TradeRow is one executed trade parsed from the trade log.
type TradeRow struct {
	Instrument string
	Side       string
	Quantity   int
	Price      float64
}

// ReadTradeLog parses the pipeline's CSV trade log. Only rows with a broker
// order id and a positive price count as trades; rejected placements are
// logged with an empty id and skipped here.
func ReadTradeLog(path string) ([]TradeRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse trade log: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	col := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []TradeRow
	for _, row := range records[1:] {
		if field(row, "order_id") == "" {
			continue
		}
		qty, _ := strconv.Atoi(field(row, "quantity"))
		px, _ := strconv.ParseFloat(field(row, "price"), 64)
		if qty <= 0 || px <= 0 {
			continue
		}
		out = append(out, TradeRow{
			Instrument: field(row, "instrument"),
			Side:       strings.ToUpper(field(row, "side")),
			Quantity:   qty,
			Price:      px,
		})
	}
	return out, nil
}

type lot struct {
	qty   int // positive for long lots, negative for short lots
	price float64
}

// RealizedPnL computes FIFO-matched realized profit per the trade log. Longs
// and shorts both work: a SELL closes the oldest long lots first, a BUY the
// oldest short lots, and any remainder opens a new lot in the trade's own
// direction. Open lots contribute nothing.
func RealizedPnL(rows []TradeRow) float64 {
	books := make(map[string][]lot)
	var realized float64

	for _, t := range rows {
		qty := t.Quantity
		if t.Side == "SELL" {
			qty = -qty
		}
		book := books[t.Instrument]

		for qty != 0 && len(book) > 0 && opposite(book[0].qty, qty) {
			open := &book[0]
			matched := min(abs(open.qty), abs(qty))
			if open.qty > 0 {
				// closing a long with a sell
				realized += float64(matched) * (t.Price - open.price)
				open.qty -= matched
				qty += matched
			} else {
				// covering a short with a buy
				realized += float64(matched) * (open.price - t.Price)
				open.qty += matched
				qty -= matched
			}
			if open.qty == 0 {
				book = book[1:]
			}
		}
		if qty != 0 {
			book = append(book, lot{qty: qty, price: t.Price})
		}
		books[t.Instrument] = book
	}
	return realized
}

func opposite(a, b int) bool { return (a > 0) != (b > 0) }

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
