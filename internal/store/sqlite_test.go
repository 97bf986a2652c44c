package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"algo-dashboard/internal/snapshot"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func sampleSnapshot(at time.Time, nifty float64) snapshot.Snapshot {
	return snapshot.Snapshot{
		UpdatedAt: at,
		Source:    snapshot.SourceLive,
		Instruments: []snapshot.Instrument{
			{Symbol: "NIFTY", Group: snapshot.GroupIndex, Base: 100, Price: nifty},
			{Symbol: "GOLD", Group: snapshot.GroupMCX, Base: 200, Price: 190},
		},
		Positions: []snapshot.Position{
			{Symbol: "NIFTYFUT", Type: snapshot.SideShort, Qty: 10, AvgPrice: 100, LTP: nifty},
		},
	}
}

func TestInsertSnapshotAndQueryHistory(t *testing.T) {
	st := openTemp(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	if err := st.InsertSnapshot(ctx, sampleSnapshot(base, 101)); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	if err := st.InsertSnapshot(ctx, sampleSnapshot(base.Add(time.Minute), 103)); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}

	quotes, err := st.QueryQuoteHistory("NIFTY", 10, 0)
	if err != nil {
		t.Fatalf("QueryQuoteHistory: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("quotes = %d, want 2", len(quotes))
	}
	if quotes[0].Price != 103 || quotes[0].TS != base.Add(time.Minute).Unix() {
		t.Errorf("newest quote = %+v", quotes[0])
	}
	if !approx(quotes[0].Change, 3) || !approx(quotes[0].ChangePct, 3) || quotes[0].Group != "index" || quotes[0].Source != "LIVE" {
		t.Errorf("derived fields = %+v", quotes[0])
	}

	page, err := st.QueryQuoteHistory("NIFTY", 1, 1)
	if err != nil {
		t.Fatalf("QueryQuoteHistory page: %v", err)
	}
	if len(page) != 1 || page[0].Price != 101 {
		t.Errorf("second page = %+v", page)
	}

	positions, err := st.QueryPositionHistory("NIFTYFUT", 10, 0)
	if err != nil {
		t.Fatalf("QueryPositionHistory: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(positions))
	}
	if !approx(positions[0].PnL, -30) || !approx(positions[0].PnLPct, -3) || positions[0].Type != "SHORT" {
		t.Errorf("position row = %+v", positions[0])
	}
}

func TestQueryHistoryUnknownSymbolIsEmpty(t *testing.T) {
	st := openTemp(t)
	got, err := st.QueryQuoteHistory("NOPE", 10, 0)
	if err != nil {
		t.Fatalf("QueryQuoteHistory: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty non-nil slice", got)
	}
}

func TestEventsAndAlertsByDate(t *testing.T) {
	st := openTemp(t)
	start, _, err := dateRange("2025-03-14")
	if err != nil {
		t.Fatalf("dateRange: %v", err)
	}
	ts := start + 3600

	id, err := st.InsertEventReturnID(EventRecord{TS: ts, Type: "INDEX_MOVE", Severity: "HIGH", Symbol: "NIFTY", Title: "move"})
	if err != nil || id == 0 {
		t.Fatalf("InsertEventReturnID: id=%d err=%v", id, err)
	}
	if _, err := st.InsertEventReturnID(EventRecord{TS: ts + 86400, Type: "INDEX_MOVE", Symbol: "NIFTY"}); err != nil {
		t.Fatalf("InsertEventReturnID next day: %v", err)
	}
	if err := st.InsertAlert(AlertRecord{TS: ts, Priority: "HIGH", Title: "move", Status: "sent", Channel: "dingtalk"}); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}

	events, err := st.QueryEventsByDate("2025-03-14", "INDEX_MOVE", 0, 0)
	if err != nil {
		t.Fatalf("QueryEventsByDate: %v", err)
	}
	if len(events) != 1 || events[0].ID != id || events[0].Severity != "HIGH" {
		t.Errorf("events = %+v", events)
	}

	none, err := st.QueryEventsByDate("2025-03-14", "POSITION_LOSS", 0, 0)
	if err != nil {
		t.Fatalf("QueryEventsByDate filtered: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("filtered events = %+v", none)
	}

	alerts, err := st.QueryAlertsByDate("2025-03-14", "sent", 10, 0)
	if err != nil {
		t.Fatalf("QueryAlertsByDate: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Channel != "dingtalk" {
		t.Errorf("alerts = %+v", alerts)
	}

	if _, err := st.QueryAlertsByDate("14/03/2025", "", 10, 0); err == nil {
		t.Error("expected error for malformed date")
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var st *Store
	if err := st.InsertSnapshot(context.Background(), snapshot.Snapshot{}); err != nil {
		t.Errorf("InsertSnapshot on nil store: %v", err)
	}
	if err := st.InsertAlert(AlertRecord{}); err != nil {
		t.Errorf("InsertAlert on nil store: %v", err)
	}
	if _, err := st.QueryQuoteHistory("NIFTY", 1, 0); err == nil {
		t.Error("expected error querying nil store")
	}
	if err := st.Close(); err != nil {
		t.Errorf("Close on nil store: %v", err)
	}
}

func TestRecorderThrottles(t *testing.T) {
	st := openTemp(t)
	rec := NewRecorder(st, time.Minute)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 10; i++ {
		rec.OnSnapshot(ctx, sampleSnapshot(base.Add(time.Duration(i)*time.Second), 100))
	}
	rec.OnSnapshot(ctx, sampleSnapshot(base.Add(time.Minute), 100))

	got, err := st.QueryQuoteHistory("NIFTY", 100, 0)
	if err != nil {
		t.Fatalf("QueryQuoteHistory: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("recorded %d samples, want 2", len(got))
	}
}
