// Package decoy runs the simulated services that attract and record
// unauthorized interaction. Each configured service owns one bound socket,
// answers with a scripted banner, and emits exactly one ConnectionEvent per
// accepted connection.
package decoy

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fsociety/trapwire/pkg/trapwire/config"
	"github.com/fsociety/trapwire/pkg/trapwire/event"
)

const (
	readBufferSize  = 1024
	limiterIdleMax  = 10 * time.Minute
	limiterSweepInt = 10 * time.Minute
)

// EventSink receives every ConnectionEvent the listeners emit. It is called
// from connection handler goroutines and may block them, but never the accept
// loops.
type EventSink func(ev event.ConnectionEvent)

// BindError reports a service that could not be started. The remaining
// services continue independently.
type BindError struct {
	Service string
	Port    int
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("decoy %s: failed to bind port %d: %v", e.Service, e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// sourceLimiter pairs a per-source token bucket with its last use, so idle
// buckets can be swept.
type sourceLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// serviceListener is one bound decoy socket.
type serviceListener struct {
	svc       config.DecoyService
	ln        net.Listener
	artifacts []string
}

// Manager owns the decoy fleet. It implements the containment engine's
// ServiceSuspender: suspending a port closes its listener, and suspending an
// unknown or already-stopped port is a no-op success.
type Manager struct {
	cfg  config.DecoyConfig
	sink EventSink

	mu        sync.Mutex
	listeners map[int]*serviceListener
	limiters  map[string]*sourceLimiter

	sem          chan struct{}
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	stopOnce     sync.Once

	activeGauge Gauge
}

// Gauge is the minimal metric surface the manager reports active decoys to.
type Gauge interface {
	Set(float64)
}

// NewManager creates a decoy manager. sink must be non-nil.
func NewManager(cfg config.DecoyConfig, sink EventSink) *Manager {
	m := &Manager{
		cfg:          cfg,
		sink:         sink,
		listeners:    make(map[int]*serviceListener),
		limiters:     make(map[string]*sourceLimiter),
		shutdownChan: make(chan struct{}),
	}
	if cfg.MaxHandlers > 0 {
		m.sem = make(chan struct{}, cfg.MaxHandlers)
	}
	return m
}

// SetActiveGauge attaches a gauge tracking the number of listening decoys.
func (m *Manager) SetActiveGauge(g Gauge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeGauge = g
}

// Ports maps each configured service name to its port, for verdict payloads.
func (m *Manager) Ports() map[event.ServiceName]int {
	ports := make(map[event.ServiceName]int, len(m.cfg.Services))
	for _, svc := range m.cfg.Services {
		ports[event.ServiceName(svc.Name)] = svc.Port
	}
	return ports
}

// Start binds every configured service. A service that cannot bind is logged,
// reported in the returned slice, and skipped; the others continue. The error
// is non-nil only when no service started at all.
func (m *Manager) Start() ([]*BindError, error) {
	var bindErrs []*BindError
	started := 0

	for _, svc := range m.cfg.Services {
		addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", svc.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			be := &BindError{Service: svc.Name, Port: svc.Port, Err: err}
			bindErrs = append(bindErrs, be)
			log.Error().Err(err).Str("decoy", svc.Name).Int("port", svc.Port).Msg("Failed to bind decoy service, skipping")
			continue
		}

		if svc.Port == 0 {
			if addr, ok := ln.Addr().(*net.TCPAddr); ok {
				svc.Port = addr.Port
			}
		}

		artifacts := svc.DecoyArtifacts
		if len(artifacts) == 0 {
			artifacts = m.cfg.DecoyArtifacts
		}
		sl := &serviceListener{svc: svc, ln: ln, artifacts: artifacts}

		m.mu.Lock()
		m.listeners[svc.Port] = sl
		active := len(m.listeners)
		gauge := m.activeGauge
		m.mu.Unlock()
		if gauge != nil {
			gauge.Set(float64(active))
		}

		m.wg.Add(1)
		go m.acceptLoop(sl)
		started++
		log.Info().Str("decoy", svc.Name).Int("port", svc.Port).Msg("Decoy service listening")
	}

	go m.sweepLimiters()

	if started == 0 && len(m.cfg.Services) > 0 {
		return bindErrs, errors.New("no decoy service could be started")
	}
	return bindErrs, nil
}

// acceptLoop accepts connections for one service until its listener closes.
func (m *Manager) acceptLoop(sl *serviceListener) {
	defer m.wg.Done()

	for {
		conn, err := sl.ln.Accept()
		if err != nil {
			select {
			case <-m.shutdownChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Str("decoy", sl.svc.Name).Msg("Accept error")
			continue
		}

		if m.sem != nil {
			select {
			case m.sem <- struct{}{}:
			case <-m.shutdownChan:
				_ = conn.Close()
				return
			}
		}

		m.wg.Add(1)
		go m.handle(sl, conn)
	}
}

// handle services one accepted connection. A panic is confined to this
// handler; the listener and other handlers continue.
func (m *Manager) handle(sl *serviceListener, conn net.Conn) {
	defer m.wg.Done()
	if m.sem != nil {
		defer func() { <-m.sem }()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("decoy", sl.svc.Name).Interface("panic", r).Msg("Connection handler panicked")
		}
		_ = conn.Close()
	}()

	ev := event.ConnectionEvent{
		EventID:   "event-" + uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Service:   event.ServiceName(sl.svc.Name),
	}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ev.SourceIP = addr.IP.String()
		ev.SourcePort = addr.Port
	} else {
		ev.SourceIP = conn.RemoteAddr().String()
	}

	// The event is emitted exactly once per accepted connection, whatever
	// the interaction outcome. The closure sees the final ev, including an
	// artifact reference found during the read.
	defer func() { m.sink(ev) }()

	if !m.allowSource(ev.SourceIP) {
		log.Debug().Str("source", ev.SourceIP).Str("decoy", sl.svc.Name).Msg("Source over accept rate, dropping connection")
		return
	}

	log.Info().
		Str("decoy", sl.svc.Name).
		Str("source", ev.SourceIP).
		Int("source_port", ev.SourcePort).
		Msg("Decoy connection")

	if _, err := conn.Write([]byte(sl.svc.Banner + "\r\n")); err != nil {
		log.Debug().Err(err).Str("decoy", sl.svc.Name).Msg("Banner write failed")
		return
	}

	readTimeout := m.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		// A silent or timed-out peer is benign; the event still records
		// the interaction.
		return
	}

	payload := string(buf[:n])
	for _, artifact := range sl.artifacts {
		if strings.Contains(payload, artifact) {
			ev.DecoyAccessed = artifact
			log.Warn().
				Str("decoy", sl.svc.Name).
				Str("source", ev.SourceIP).
				Str("artifact", artifact).
				Msg("Decoy artifact referenced")
			break
		}
	}
}

// allowSource applies the per-source accept rate limit. Throttled connections
// are still counted by the emitted event but not serviced.
func (m *Manager) allowSource(source string) bool {
	if m.cfg.SourceRate <= 0 {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.limiters[source]
	if !ok {
		burst := m.cfg.SourceBurst
		if burst <= 0 {
			burst = 1
		}
		sl = &sourceLimiter{lim: rate.NewLimiter(rate.Limit(m.cfg.SourceRate), burst)}
		m.limiters[source] = sl
	}
	sl.lastSeen = time.Now()
	return sl.lim.Allow()
}

// sweepLimiters drops idle per-source buckets until shutdown.
func (m *Manager) sweepLimiters() {
	ticker := time.NewTicker(limiterSweepInt)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.mu.Lock()
			for source, sl := range m.limiters {
				if now.Sub(sl.lastSeen) > limiterIdleMax {
					delete(m.limiters, source)
				}
			}
			m.mu.Unlock()
		case <-m.shutdownChan:
			return
		}
	}
}

// Suspend implements containment.ServiceSuspender. Closing an already-closed
// or never-bound port succeeds: repeat verdicts re-invoke this.
func (m *Manager) Suspend(port int) error {
	m.mu.Lock()
	sl, ok := m.listeners[port]
	if ok {
		delete(m.listeners, port)
	}
	active := len(m.listeners)
	gauge := m.activeGauge
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if gauge != nil {
		gauge.Set(float64(active))
	}
	if err := sl.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("suspend port %d: %w", port, err)
	}
	log.Warn().Str("decoy", sl.svc.Name).Int("port", port).Msg("Decoy service suspended")
	return nil
}

// ActivePorts lists the ports currently listening.
func (m *Manager) ActivePorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]int, 0, len(m.listeners))
	for port := range m.listeners {
		ports = append(ports, port)
	}
	return ports
}

// Stop closes every listener and waits for in-flight handlers to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.shutdownChan)
		m.mu.Lock()
		for port, sl := range m.listeners {
			_ = sl.ln.Close()
			delete(m.listeners, port)
		}
		gauge := m.activeGauge
		m.mu.Unlock()
		if gauge != nil {
			gauge.Set(0)
		}
		m.wg.Wait()
		log.Info().Msg("Decoy manager stopped")
	})
}
