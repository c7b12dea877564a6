package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsociety/trapwire/pkg/trapwire/containment"
	"github.com/fsociety/trapwire/pkg/trapwire/event"
	"github.com/fsociety/trapwire/pkg/trapwire/telemetry"
)

type fixedOffenders int

func (f fixedOffenders) Len() int { return int(f) }

func testServer(t *testing.T) (*Server, *telemetry.RecentBuffer, *containment.Ledger) {
	t.Helper()

	ledger, err := containment.OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	recent := telemetry.NewRecentBuffer(10)
	fanout := telemetry.NewFanout(8)
	fanout.Attach(recent)

	srv := NewServer(":0", recent, fanout, ledger, nil, fixedOffenders(3), nil)
	return srv, recent, ledger
}

func TestLogsEndpointReturnsRecentRecords(t *testing.T) {
	srv, recent, _ := testServer(t)

	recent.Publish(telemetry.ConnectionRecord(event.ConnectionEvent{
		EventID:   "event-1",
		Timestamp: time.Now(),
		SourceIP:  "10.0.0.7",
		Service:   "SSH",
	}))

	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/logs", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var records []telemetry.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(records) != 1 || records[0].Type != telemetry.TypeConnection {
		t.Errorf("unexpected records %+v", records)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, recent, ledger := testServer(t)

	recent.Publish(telemetry.ConnectionRecord(event.ConnectionEvent{EventID: "event-1", Timestamp: time.Now()}))
	entry := event.LedgerEntry{
		Timestamp: time.Now(),
		Verdict:   event.ThresholdVerdict("verdict-1", "SSH", "10.0.0.7", 6, 22),
		Outcome:   event.OutcomeSucceeded,
	}
	if err := ledger.Append(&entry); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	var stats map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if stats["total_events"].(float64) != 1 {
		t.Errorf("expected 1 total event, got %v", stats["total_events"])
	}
	if stats["tracked_offenders"].(float64) != 3 {
		t.Errorf("expected 3 tracked offenders, got %v", stats["tracked_offenders"])
	}
	if stats["ledger_entries"].(float64) != 1 {
		t.Errorf("expected 1 ledger entry, got %v", stats["ledger_entries"])
	}
}

func TestLedgerEndpointHonorsLimit(t *testing.T) {
	srv, _, ledger := testServer(t)

	for i := 0; i < 3; i++ {
		entry := event.LedgerEntry{
			Timestamp: time.Now(),
			Verdict:   event.TamperVerdict("verdict", "/etc/passwd"),
			Outcome:   event.OutcomeFailedNoBackup,
		}
		if err := ledger.Append(&entry); err != nil {
			t.Fatal(err)
		}
	}

	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ledger?limit=2", nil))

	var entries []event.LedgerEntry
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}

func TestHealthAndShutdown(t *testing.T) {
	srv, _, _ := testServer(t)

	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 from /healthz, got %d", rr.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}
