package containment

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fsociety/trapwire/pkg/trapwire/event"
	"github.com/fsociety/trapwire/pkg/trapwire/telemetry"
)

// ErrLedgerUnavailable is returned once a ledger append has failed. The
// engine refuses further verdicts rather than act without an audit trail.
var ErrLedgerUnavailable = errors.New("containment ledger unavailable")

// ServiceSuspender stops the listener bound to a port. Implementations must
// be idempotent: suspending an already-stopped or unknown port is a no-op
// success, since repeat verdicts re-invoke it.
type ServiceSuspender interface {
	Suspend(port int) error
}

// FileRestorer restores a tampered path from its captured backup, returning
// ErrNoBackup when nothing safe to restore exists.
type FileRestorer interface {
	Restore(path string) error
}

// Engine dispatches verdicts to remediation actions and appends exactly one
// ledger entry per verdict. Safe for concurrent callers; action execution
// runs outside any aggregator lock and appends are serialized here.
type Engine struct {
	ledger    *Ledger
	suspender ServiceSuspender
	restorer  FileRestorer
	publisher telemetry.Publisher

	mu     sync.Mutex
	fatal  error
	halted bool
}

// NewEngine wires the engine to its ledger, host primitives, and telemetry.
// publisher may be nil.
func NewEngine(ledger *Ledger, suspender ServiceSuspender, restorer FileRestorer, publisher telemetry.Publisher) *Engine {
	return &Engine{
		ledger:    ledger,
		suspender: suspender,
		restorer:  restorer,
		publisher: publisher,
	}
}

// Handle executes the verdict's action and records the outcome. The returned
// error is non-nil only for ledger failures; action failures are reflected in
// the entry's outcome. After a ledger failure the engine stays halted and
// returns ErrLedgerUnavailable until Reset.
func (e *Engine) Handle(verdict event.Verdict) (event.LedgerEntry, error) {
	e.mu.Lock()
	halted := e.halted
	e.mu.Unlock()
	if halted {
		return event.LedgerEntry{}, ErrLedgerUnavailable
	}

	outcome, detail := e.execute(verdict)

	entry := event.LedgerEntry{
		Timestamp: time.Now().UTC(),
		Verdict:   verdict,
		Outcome:   outcome,
		Detail:    detail,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted {
		return event.LedgerEntry{}, ErrLedgerUnavailable
	}
	if err := e.ledger.Append(&entry); err != nil {
		e.halted = true
		e.fatal = err
		log.Error().Err(err).Msg("Containment ledger append failed, engine halted")
		return event.LedgerEntry{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	log.Info().
		Int64("entry_id", entry.ID).
		Str("action", verdict.Action.String()).
		Str("outcome", outcome.String()).
		Str("reason", verdict.Describe()).
		Msg("Containment action recorded")

	if e.publisher != nil {
		e.publisher.Publish(telemetry.LedgerRecord(entry))
	}
	return entry, nil
}

// HandleFileAnomaly synthesizes a rollback verdict from an anomalous file
// event. Non-anomalous observations are ignored. The bool reports whether a
// verdict was processed.
func (e *Engine) HandleFileAnomaly(ev event.FileAnomalyEvent) (event.LedgerEntry, bool, error) {
	if !ev.Anomalous {
		return event.LedgerEntry{}, false, nil
	}
	verdict := event.TamperVerdict("verdict-"+uuid.New().String(), ev.Path)
	if e.publisher != nil {
		e.publisher.Publish(telemetry.VerdictRecord(verdict))
	}
	entry, err := e.Handle(verdict)
	return entry, err == nil, err
}

// execute dispatches the action variant. All primitive failures are captured
// in the outcome; nothing panics past this boundary.
func (e *Engine) execute(verdict event.Verdict) (outcome event.ActionOutcome, detail string) {
	defer func() {
		if r := recover(); r != nil {
			outcome = event.OutcomeFailedSystemError
			detail = fmt.Sprintf("remediation panic: %v", r)
			log.Error().Str("action", verdict.Action.String()).Interface("panic", r).Msg("Remediation action panicked")
		}
	}()

	switch verdict.Action {
	case event.ActionSuspendService:
		if err := e.suspender.Suspend(verdict.Port); err != nil {
			return event.OutcomeFailedSystemError, err.Error()
		}
		return event.OutcomeSucceeded, ""
	case event.ActionRollbackFile:
		err := e.restorer.Restore(verdict.Path)
		switch {
		case err == nil:
			return event.OutcomeSucceeded, ""
		case errors.Is(err, ErrNoBackup):
			return event.OutcomeFailedNoBackup, verdict.Path
		default:
			return event.OutcomeFailedSystemError, err.Error()
		}
	default:
		return event.OutcomeFailedSystemError, fmt.Sprintf("unknown action %d", verdict.Action)
	}
}

// Halted reports whether the engine latched a ledger failure, and the error.
func (e *Engine) Halted() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted, e.fatal
}

// Reset clears the halted latch once the ledger store is available again.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = false
	e.fatal = nil
}
