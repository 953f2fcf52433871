package risk

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRealizedPnLShortCover(t *testing.T) {
	rows := []TradeRow{
		{Instrument: "CE", Side: "SELL", Quantity: 50, Price: 100.00},
		{Instrument: "CE", Side: "BUY", Quantity: 50, Price: 60.00},
	}
	if got := RealizedPnL(rows); got != 2000.00 {
		t.Errorf("short cover: want 2000.00, got %.2f", got)
	}
}

func TestRealizedPnLFIFOOrder(t *testing.T) {
	// Two long lots at different prices; the sell closes the older lot first.
	rows := []TradeRow{
		{Instrument: "EQ", Side: "BUY", Quantity: 10, Price: 100.00},
		{Instrument: "EQ", Side: "BUY", Quantity: 10, Price: 110.00},
		{Instrument: "EQ", Side: "SELL", Quantity: 10, Price: 105.00},
	}
	if got := RealizedPnL(rows); got != 50.00 {
		t.Errorf("fifo: want 50.00 (against the 100 lot), got %.2f", got)
	}
}

func TestRealizedPnLPartialAndOpenLots(t *testing.T) {
	rows := []TradeRow{
		{Instrument: "FUT", Side: "SELL", Quantity: 100, Price: 50.00},
		{Instrument: "FUT", Side: "BUY", Quantity: 40, Price: 45.00},
	}
	// 40 covered at +5 each; 60 still open and unrealized.
	if got := RealizedPnL(rows); got != 200.00 {
		t.Errorf("partial cover: want 200.00, got %.2f", got)
	}
}

func TestRealizedPnLInstrumentsIsolated(t *testing.T) {
	rows := []TradeRow{
		{Instrument: "A", Side: "BUY", Quantity: 10, Price: 100.00},
		{Instrument: "B", Side: "SELL", Quantity: 10, Price: 100.00},
	}
	if got := RealizedPnL(rows); got != 0 {
		t.Errorf("unmatched cross-instrument trades must not realize, got %.2f", got)
	}
}

func TestReadTradeLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trade_log.csv")
	content := "time,mode,instrument,venue,side,kind,quantity,price,trigger_price,order_id,note,tag\n" +
		"2026-08-24T10:00:00Z,live,CE,NSE,SELL,LIMIT,50,100.00,0,ORD1,placed,\n" +
		"2026-08-24T10:01:00Z,live,CE,NSE,SELL,LIMIT,50,101.00,0,,blocked: duplicate,\n" +
		"2026-08-24T11:00:00Z,live,CE,NSE,BUY,MARKET,50,60.00,0,ORD2,placed,\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rows, err := ReadTradeLog(path)
	if err != nil {
		t.Fatalf("read trade log: %v", err)
	}
	// The rejected placement (no order id) is not a trade.
	if len(rows) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(rows))
	}
	if rows[0].Side != "SELL" || rows[0].Quantity != 50 || rows[0].Price != 100.00 {
		t.Errorf("first row mangled: %+v", rows[0])
	}
	if got := RealizedPnL(rows); got != 2000.00 {
		t.Errorf("round trip pnl: want 2000.00, got %.2f", got)
	}
}
