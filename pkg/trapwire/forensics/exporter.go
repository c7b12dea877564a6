// Package forensics periodically archives the telemetry snapshot and the
// containment ledger into signed zip exports for offline analysis.
package forensics

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fsociety/trapwire/pkg/trapwire/clock"
	"github.com/fsociety/trapwire/pkg/trapwire/event"
	"github.com/fsociety/trapwire/pkg/trapwire/telemetry"
)

// LedgerReader is the read surface the exporter needs from the containment
// ledger.
type LedgerReader interface {
	Entries(ctx context.Context, since, until time.Time, limit int) ([]event.LedgerEntry, error)
}

// ExportRecord describes one completed export.
type ExportRecord struct {
	ExportFile string    `json:"export_file"`
	Signature  string    `json:"signature"`
	Timestamp  time.Time `json:"time"`
	EventCount int       `json:"events_count"`
}

// snapshot is the JSON document placed inside each export archive.
type snapshot struct {
	Telemetry []telemetry.Record  `json:"telemetry"`
	Ledger    []event.LedgerEntry `json:"ledger"`
	Timestamp time.Time           `json:"timestamp"`
}

// Exporter runs the periodic export cycle.
type Exporter struct {
	dir    string
	keep   int
	recent *telemetry.RecentBuffer
	ledger LedgerReader

	mu      sync.Mutex
	records []ExportRecord

	shutdownChan chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewExporter creates the export directory if needed. keep bounds the export
// records retained for the API.
func NewExporter(dir string, keep int, recent *telemetry.RecentBuffer, ledger LedgerReader) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	if keep <= 0 {
		keep = 10
	}
	return &Exporter{
		dir:          dir,
		keep:         keep,
		recent:       recent,
		ledger:       ledger,
		shutdownChan: make(chan struct{}),
	}, nil
}

// Run exports on every tick of t until Stop is called. It takes ownership of t.
func (e *Exporter) Run(t clock.Ticker) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer t.Stop()
		for {
			select {
			case now := <-t.C():
				if _, err := e.ExportOnce(now); err != nil {
					log.Error().Err(err).Msg("Forensic export failed")
				}
			case <-e.shutdownChan:
				return
			}
		}
	}()
}

// ExportOnce gathers the current telemetry snapshot and ledger, writes the
// zip archive, and records its sha256 signature.
func (e *Exporter) ExportOnce(now time.Time) (ExportRecord, error) {
	stamp := now.UTC().Format("20060102_150405")

	var records []telemetry.Record
	if e.recent != nil {
		records = e.recent.Snapshot()
	}

	var entries []event.LedgerEntry
	if e.ledger != nil {
		var err error
		entries, err = e.ledger.Entries(context.Background(), time.Time{}, time.Time{}, 0)
		if err != nil {
			return ExportRecord{}, fmt.Errorf("read ledger for export: %w", err)
		}
	}

	doc := snapshot{Telemetry: records, Ledger: entries, Timestamp: now.UTC()}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ExportRecord{}, fmt.Errorf("marshal export snapshot: %w", err)
	}

	zipPath := filepath.Join(e.dir, "forensics_"+stamp+".zip")
	if err := writeZip(zipPath, "forensics_"+stamp+".json", payload); err != nil {
		return ExportRecord{}, err
	}

	signature, err := hashFile(zipPath)
	if err != nil {
		return ExportRecord{}, fmt.Errorf("sign export: %w", err)
	}

	record := ExportRecord{
		ExportFile: zipPath,
		Signature:  signature,
		Timestamp:  now.UTC(),
		EventCount: len(records) + len(entries),
	}

	e.mu.Lock()
	e.records = append(e.records, record)
	if len(e.records) > e.keep {
		e.records = e.records[len(e.records)-e.keep:]
	}
	e.mu.Unlock()

	log.Info().
		Str("export", zipPath).
		Str("sha256", signature).
		Int("events", record.EventCount).
		Msg("Forensic export written")

	return record, nil
}

// Recent returns the retained export records, oldest first.
func (e *Exporter) Recent() []ExportRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ExportRecord, len(e.records))
	copy(out, e.records)
	return out
}

// FilePath resolves an export file name inside the export directory,
// rejecting anything that escapes it.
func (e *Exporter) FilePath(name string) (string, bool) {
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return "", false
	}
	path := filepath.Join(e.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Stop terminates the export loop and waits for an in-flight export.
func (e *Exporter) Stop() {
	e.stopOnce.Do(func() {
		close(e.shutdownChan)
		e.wg.Wait()
	})
}

// writeZip writes a single-entry zip archive.
func writeZip(path, entryName string, payload []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export archive: %w", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create(entryName)
	if err == nil {
		_, err = w.Write(payload)
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write export archive: %w", err)
	}
	return nil
}

// hashFile returns the hex sha256 of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sha := sha256.New()
	if _, err := io.Copy(sha, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(sha.Sum(nil)), nil
}
