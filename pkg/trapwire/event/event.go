// Package event defines the shared telemetry and containment records exchanged
// between the decoy listeners, the anomaly aggregator, and the containment engine.
package event

import (
	"fmt"
	"time"
)

// ServiceName identifies one of the configured decoy services.
type ServiceName string

// ConnectionEvent records a single interaction with a decoy service. It is
// created by the decoy listener when a connection is handled and is never
// mutated afterwards; consumers receive it by value.
type ConnectionEvent struct {
	EventID       string      `json:"event_id"`
	Timestamp     time.Time   `json:"time"`
	SourceIP      string      `json:"source_ip"`
	SourcePort    int         `json:"source_port"`
	Service       ServiceName `json:"service"`
	DecoyAccessed string      `json:"decoy_accessed,omitempty"`
}

// SourceIdentity returns the key the aggregator tracks offenders by.
func (e ConnectionEvent) SourceIdentity() string {
	return e.SourceIP
}

// FileAnomalyEvent records one file-integrity observation from the watcher.
type FileAnomalyEvent struct {
	Timestamp   time.Time `json:"time"`
	Path        string    `json:"path"`
	ContentHash string    `json:"hash"`
	Anomalous   bool      `json:"anomaly"`
}

// ReasonKind tags the closed set of verdict reasons.
type ReasonKind int

const (
	// ReasonThresholdExceeded marks a per-source attempt count crossing its threshold.
	ReasonThresholdExceeded ReasonKind = iota
	// ReasonFileTamperDetected marks an integrity watcher hash mismatch.
	ReasonFileTamperDetected
)

// String returns the string representation of the ReasonKind.
func (k ReasonKind) String() string {
	switch k {
	case ReasonThresholdExceeded:
		return "threshold_exceeded"
	case ReasonFileTamperDetected:
		return "file_tamper_detected"
	default:
		return "unknown"
	}
}

// ActionKind tags the closed set of remediation actions.
type ActionKind int

const (
	// ActionSuspendService stops the decoy listener bound to a port.
	ActionSuspendService ActionKind = iota
	// ActionRollbackFile restores a tampered file from its captured backup.
	ActionRollbackFile
)

// String returns the string representation of the ActionKind.
func (k ActionKind) String() string {
	switch k {
	case ActionSuspendService:
		return "suspend_service"
	case ActionRollbackFile:
		return "rollback_file"
	default:
		return "unknown"
	}
}

// Verdict is the decision unit handed to the containment engine. Exactly one
// reason variant and one action variant are populated, selected by Kind and
// Action respectively.
type Verdict struct {
	VerdictID string     `json:"verdict_id"`
	Kind      ReasonKind `json:"kind"`
	Action    ActionKind `json:"action"`

	// ThresholdExceeded payload.
	Service ServiceName `json:"service,omitempty"`
	Source  string      `json:"source,omitempty"`
	Count   int         `json:"count,omitempty"`

	// SuspendService payload.
	Port int `json:"port,omitempty"`

	// FileTamperDetected / RollbackFile payload.
	Path string `json:"path,omitempty"`
}

// ThresholdVerdict builds a SuspendService verdict for a source that crossed
// its per-service attempt threshold.
func ThresholdVerdict(id string, service ServiceName, source string, count, port int) Verdict {
	return Verdict{
		VerdictID: id,
		Kind:      ReasonThresholdExceeded,
		Action:    ActionSuspendService,
		Service:   service,
		Source:    source,
		Count:     count,
		Port:      port,
	}
}

// TamperVerdict builds a RollbackFile verdict for a tampered path.
func TamperVerdict(id, path string) Verdict {
	return Verdict{
		VerdictID: id,
		Kind:      ReasonFileTamperDetected,
		Action:    ActionRollbackFile,
		Path:      path,
	}
}

// Describe renders the verdict reason for logs and the audit trail.
func (v Verdict) Describe() string {
	switch v.Kind {
	case ReasonThresholdExceeded:
		return fmt.Sprintf("source %s exceeded threshold on %s (count=%d)", v.Source, v.Service, v.Count)
	case ReasonFileTamperDetected:
		return fmt.Sprintf("file tampering detected on %s", v.Path)
	default:
		return "unknown verdict"
	}
}

// ActionOutcome is the terminal state of one remediation attempt.
type ActionOutcome int

const (
	// OutcomeSucceeded means the action completed (or was already in effect).
	OutcomeSucceeded ActionOutcome = iota
	// OutcomeFailedNoBackup means rollback had no captured artifact to restore.
	OutcomeFailedNoBackup
	// OutcomeFailedSystemError means the host primitive reported a failure.
	OutcomeFailedSystemError
)

// String returns the string representation of the ActionOutcome.
func (o ActionOutcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailedNoBackup:
		return "failed_no_backup"
	case OutcomeFailedSystemError:
		return "failed_system_error"
	default:
		return "unknown"
	}
}

// LedgerEntry is one immutable containment audit record. Every verdict the
// engine processes produces exactly one entry.
type LedgerEntry struct {
	ID        int64         `json:"id"`
	Timestamp time.Time     `json:"time"`
	Verdict   Verdict       `json:"verdict"`
	Outcome   ActionOutcome `json:"outcome"`
	Detail    string        `json:"detail,omitempty"`
}
