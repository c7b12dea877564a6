package forensics

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsociety/trapwire/pkg/trapwire/event"
	"github.com/fsociety/trapwire/pkg/trapwire/telemetry"
)

// staticLedger serves a fixed entry set.
type staticLedger struct {
	entries []event.LedgerEntry
}

func (s *staticLedger) Entries(_ context.Context, _, _ time.Time, _ int) ([]event.LedgerEntry, error) {
	return s.entries, nil
}

func TestExportOnceWritesSignedArchive(t *testing.T) {
	dir := t.TempDir()

	recent := telemetry.NewRecentBuffer(10)
	recent.Publish(telemetry.ConnectionRecord(event.ConnectionEvent{
		EventID:   "event-1",
		Timestamp: time.Now(),
		SourceIP:  "10.0.0.7",
		Service:   "SSH",
	}))

	ledger := &staticLedger{entries: []event.LedgerEntry{{
		ID:        1,
		Timestamp: time.Now().UTC(),
		Verdict:   event.ThresholdVerdict("verdict-1", "SSH", "10.0.0.7", 6, 22),
		Outcome:   event.OutcomeSucceeded,
	}}}

	exporter, err := NewExporter(dir, 10, recent, ledger)
	if err != nil {
		t.Fatal(err)
	}

	record, err := exporter.ExportOnce(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if record.EventCount != 2 {
		t.Errorf("expected event count 2, got %d", record.EventCount)
	}

	// The signature is the sha256 of the archive.
	raw, err := os.ReadFile(record.ExportFile)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(raw)
	if record.Signature != hex.EncodeToString(sum[:]) {
		t.Error("signature does not match archive digest")
	}

	// The archive holds the JSON snapshot with both data sets.
	zr, err := zip.OpenReader(record.ExportFile)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 1 {
		t.Fatalf("expected 1 archive entry, got %d", len(zr.File))
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatal(err)
	}
	payload, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}

	var doc struct {
		Telemetry []json.RawMessage `json:"telemetry"`
		Ledger    []json.RawMessage `json:"ledger"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if len(doc.Telemetry) != 1 || len(doc.Ledger) != 1 {
		t.Errorf("expected 1 telemetry and 1 ledger record, got %d/%d", len(doc.Telemetry), len(doc.Ledger))
	}
}

func TestRecentTrimsToKeep(t *testing.T) {
	exporter, err := NewExporter(t.TempDir(), 2, telemetry.NewRecentBuffer(4), &staticLedger{})
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if _, err := exporter.ExportOnce(base.Add(time.Duration(i) * time.Second)); err != nil {
			t.Fatalf("export %d failed: %v", i, err)
		}
	}

	records := exporter.Recent()
	if len(records) != 2 {
		t.Fatalf("expected 2 retained records, got %d", len(records))
	}
	if !records[1].Timestamp.After(records[0].Timestamp) {
		t.Error("expected records ordered oldest first")
	}
}

func TestFilePathRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	exporter, err := NewExporter(dir, 2, telemetry.NewRecentBuffer(4), &staticLedger{})
	if err != nil {
		t.Fatal(err)
	}
	record, err := exporter.ExportOnce(time.Now())
	if err != nil {
		t.Fatal(err)
	}

	name := filepath.Base(record.ExportFile)
	if _, ok := exporter.FilePath(name); !ok {
		t.Errorf("expected %s to resolve", name)
	}
	for _, bad := range []string{"../" + name, "a/" + name, "..", ""} {
		if _, ok := exporter.FilePath(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
	if _, ok := exporter.FilePath("missing.zip"); ok {
		t.Error("expected missing file to be rejected")
	}
}
