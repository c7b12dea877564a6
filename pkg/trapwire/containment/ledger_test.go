package containment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsociety/trapwire/pkg/trapwire/event"
)

func TestLedgerAppendAndQuery(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	defer ledger.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	outcomes := []event.ActionOutcome{
		event.OutcomeSucceeded,
		event.OutcomeFailedNoBackup,
		event.OutcomeFailedSystemError,
	}
	for i, outcome := range outcomes {
		entry := event.LedgerEntry{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Verdict:   event.ThresholdVerdict("verdict-"+outcome.String(), "SSH", "10.0.0.7", 6+i, 22),
			Outcome:   outcome,
			Detail:    "detail-" + outcome.String(),
		}
		if err := ledger.Append(&entry); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected assigned entry ID")
		}
	}

	entries, err := ledger.Entries(context.Background(), time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Outcome != outcomes[i] {
			t.Errorf("entry %d: expected outcome %v, got %v", i, outcomes[i], entry.Outcome)
		}
		if entry.Verdict.Source != "10.0.0.7" {
			t.Errorf("entry %d: verdict payload lost in round trip: %+v", i, entry.Verdict)
		}
		if !entry.Timestamp.Equal(base.Add(time.Duration(i) * time.Hour)) {
			t.Errorf("entry %d: unexpected timestamp %v", i, entry.Timestamp)
		}
	}

	// Time-bounded read for forensic export.
	bounded, err := ledger.Entries(context.Background(), base.Add(30*time.Minute), base.Add(90*time.Minute), 0)
	if err != nil {
		t.Fatalf("bounded query failed: %v", err)
	}
	if len(bounded) != 1 || bounded[0].Outcome != event.OutcomeFailedNoBackup {
		t.Errorf("expected exactly the middle entry, got %+v", bounded)
	}

	limited, err := ledger.Entries(context.Background(), time.Time{}, time.Time{}, 2)
	if err != nil {
		t.Fatalf("limited query failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 entries with limit, got %d", len(limited))
	}

	n, err := ledger.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected count 3, got %d", n)
	}
}
