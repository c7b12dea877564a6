// Package integrity watches a set of paths for content tampering. Each scan
// hashes every watched file against a stored known-good baseline; a mismatch
// produces an anomalous FileAnomalyEvent for the containment engine.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fsociety/trapwire/pkg/trapwire/clock"
	"github.com/fsociety/trapwire/pkg/trapwire/event"
)

// AnomalySink receives one FileAnomalyEvent per scanned path per scan,
// anomalous or not.
type AnomalySink func(ev event.FileAnomalyEvent)

// BackupCapturer captures a known-good copy of a path the first time it is
// seen. The decoy backup store satisfies it.
type BackupCapturer interface {
	Capture(path string) error
}

// Watcher scans watched paths on every tick and reports hash mismatches.
type Watcher struct {
	paths   []string
	store   *Store
	backups BackupCapturer
	sink    AnomalySink

	shutdownChan chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewWatcher creates a watcher. backups may be nil to skip backup capture.
func NewWatcher(paths []string, store *Store, backups BackupCapturer, sink AnomalySink) *Watcher {
	return &Watcher{
		paths:        paths,
		store:        store,
		backups:      backups,
		sink:         sink,
		shutdownChan: make(chan struct{}),
	}
}

// Run scans on every tick of t until Stop is called. It takes ownership of t.
func (w *Watcher) Run(t clock.Ticker) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer t.Stop()
		for {
			select {
			case now := <-t.C():
				w.ScanOnce(now)
			case <-w.shutdownChan:
				return
			}
		}
	}()
}

// ScanOnce hashes every watched path once. Unreadable paths are logged and
// skipped; they produce no event.
func (w *Watcher) ScanOnce(now time.Time) {
	for _, path := range w.paths {
		hash, err := hashFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to hash watched file")
			continue
		}

		baseline, known, err := w.store.Baseline(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to read hash baseline")
			continue
		}

		anomalous := false
		switch {
		case !known:
			// First sight: record the baseline and capture the backup
			// artifact that a later rollback restores.
			if err := w.store.SetBaseline(path, hash, now); err != nil {
				log.Error().Err(err).Str("path", path).Msg("Failed to store hash baseline")
				continue
			}
			if w.backups != nil {
				if err := w.backups.Capture(path); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("Failed to capture backup")
				}
			}
		case baseline != hash:
			// The baseline stays at the known-good hash: a successful
			// rollback makes the next scan clean again.
			anomalous = true
			log.Warn().Str("path", path).Str("hash", hash).Msg("File tampering detected")
		}

		w.sink(event.FileAnomalyEvent{
			Timestamp:   now.UTC(),
			Path:        path,
			ContentHash: hash,
			Anomalous:   anomalous,
		})
	}
}

// Stop terminates the scan loop and waits for an in-flight scan to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.shutdownChan)
		w.wg.Wait()
	})
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
