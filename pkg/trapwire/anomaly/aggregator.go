// Package anomaly tracks per-source interaction counts against decoy services
// and raises containment verdicts when a source crosses its threshold.
package anomaly

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fsociety/trapwire/pkg/trapwire/event"
)

// Gauge is the minimal metric surface the aggregator reports its size to.
// *prometheus.Gauge satisfies it.
type Gauge interface {
	Set(float64)
}

// Config controls thresholds and offender-map bounds.
type Config struct {
	// Threshold is the default per-service attempt threshold. A verdict is
	// raised when a count strictly exceeds it.
	Threshold int
	// ServiceThresholds overrides Threshold per service name.
	ServiceThresholds map[string]int
	// OffenderCapacity bounds the number of tracked source identities.
	OffenderCapacity int
	// OffenderTTL evicts offenders not seen within this window.
	OffenderTTL time.Duration
	// SweepInterval is the period of the background eviction sweep.
	SweepInterval time.Duration
}

// offender is the per-source aggregate: one attempt counter per service.
type offender struct {
	counts   map[event.ServiceName]int
	lastSeen time.Time
}

// Aggregator maintains offender state and classifies connection events.
// All methods are safe for concurrent use; the critical section is a map
// update and never blocks on I/O.
type Aggregator struct {
	mu        sync.Mutex
	offenders map[string]*offender
	cfg       Config
	ports     map[event.ServiceName]int
	sizeGauge Gauge

	shutdownChan chan struct{}
	sweeperOnce  sync.Once
}

// NewAggregator creates an aggregator. ports maps each configured service to
// its bound port, used to fill the SuspendService payload of verdicts.
func NewAggregator(cfg Config, ports map[event.ServiceName]int) *Aggregator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.OffenderCapacity <= 0 {
		cfg.OffenderCapacity = 4096
	}
	if cfg.OffenderTTL <= 0 {
		cfg.OffenderTTL = time.Hour
	}
	return &Aggregator{
		offenders:    make(map[string]*offender),
		cfg:          cfg,
		ports:        ports,
		shutdownChan: make(chan struct{}),
	}
}

// SetSizeGauge attaches a gauge tracking the offender count.
func (a *Aggregator) SetSizeGauge(g Gauge) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sizeGauge = g
}

// thresholdFor resolves the effective threshold for a service.
func (a *Aggregator) thresholdFor(service event.ServiceName) int {
	if t, ok := a.cfg.ServiceThresholds[string(service)]; ok && t > 0 {
		return t
	}
	return a.cfg.Threshold
}

// Record increments the (source, service) counter for the event and returns a
// verdict when the updated count strictly exceeds the service threshold.
// Emission is level-triggered: every event past the threshold re-verdicts;
// idempotent action is the containment engine's responsibility.
func (a *Aggregator) Record(ev event.ConnectionEvent) (event.Verdict, bool) {
	source := ev.SourceIdentity()
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	a.mu.Lock()
	off, ok := a.offenders[source]
	if !ok {
		if len(a.offenders) >= a.cfg.OffenderCapacity {
			a.evictLocked(now)
		}
		off = &offender{counts: make(map[event.ServiceName]int)}
		a.offenders[source] = off
	}
	off.counts[ev.Service]++
	off.lastSeen = now
	count := off.counts[ev.Service]
	size := len(a.offenders)
	gauge := a.sizeGauge
	a.mu.Unlock()

	if gauge != nil {
		gauge.Set(float64(size))
	}

	if count <= a.thresholdFor(ev.Service) {
		return event.Verdict{}, false
	}

	verdict := event.ThresholdVerdict(
		"verdict-"+uuid.New().String(),
		ev.Service,
		source,
		count,
		a.ports[ev.Service],
	)

	log.Warn().
		Str("source", source).
		Str("service", string(ev.Service)).
		Int("count", count).
		Msg("Source exceeded decoy interaction threshold")

	return verdict, true
}

// Count returns the current attempt count for a (source, service) pair.
func (a *Aggregator) Count(source string, service event.ServiceName) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	off, ok := a.offenders[source]
	if !ok {
		return 0
	}
	return off.counts[service]
}

// Len returns the number of tracked offenders.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.offenders)
}

// Sweep evicts offenders idle past the TTL as of now and returns how many
// were removed.
func (a *Aggregator) Sweep(now time.Time) int {
	a.mu.Lock()
	removed := 0
	for source, off := range a.offenders {
		if now.Sub(off.lastSeen) > a.cfg.OffenderTTL {
			delete(a.offenders, source)
			removed++
		}
	}
	size := len(a.offenders)
	gauge := a.sizeGauge
	a.mu.Unlock()

	if gauge != nil {
		gauge.Set(float64(size))
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", size).Msg("Swept idle offenders")
	}
	return removed
}

// evictLocked frees room when the map is at capacity: first drops everything
// past TTL, then the oldest-seen offender. Caller holds the lock.
func (a *Aggregator) evictLocked(now time.Time) {
	for source, off := range a.offenders {
		if now.Sub(off.lastSeen) > a.cfg.OffenderTTL {
			delete(a.offenders, source)
		}
	}
	if len(a.offenders) < a.cfg.OffenderCapacity {
		return
	}

	var oldestSource string
	var oldestSeen time.Time
	for source, off := range a.offenders {
		if oldestSource == "" || off.lastSeen.Before(oldestSeen) {
			oldestSource = source
			oldestSeen = off.lastSeen
		}
	}
	if oldestSource != "" {
		delete(a.offenders, oldestSource)
		log.Debug().Str("source", oldestSource).Msg("Evicted oldest offender at capacity")
	}
}

// StartSweeper runs the background eviction sweep until Stop is called.
func (a *Aggregator) StartSweeper() {
	interval := a.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				a.Sweep(now)
			case <-a.shutdownChan:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper.
func (a *Aggregator) Stop() {
	a.sweeperOnce.Do(func() {
		close(a.shutdownChan)
	})
}
