// Package clock provides a minimal ticker abstraction so periodic components
// can be driven deterministically in tests instead of sleeping.
package clock

import "time"

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	// C returns the channel ticks are delivered on.
	C() <-chan time.Time
	// Stop releases the ticker. No ticks are delivered after Stop returns.
	Stop()
}

// realTicker wraps time.Ticker.
type realTicker struct {
	t *time.Ticker
}

// NewTicker returns a Ticker backed by the wall clock.
func NewTicker(interval time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(interval)}
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// ManualTicker is a Ticker driven explicitly by tests.
type ManualTicker struct {
	ch chan time.Time
}

// NewManualTicker returns an unstarted manual ticker.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time, 1)}
}

// Tick delivers one tick. It blocks until the consumer receives it or the
// buffered slot is free.
func (m *ManualTicker) Tick(at time.Time) {
	m.ch <- at
}

func (m *ManualTicker) C() <-chan time.Time { return m.ch }

// Stop is a no-op; the test owns the channel lifecycle.
func (m *ManualTicker) Stop() {}
