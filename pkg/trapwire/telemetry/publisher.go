// Package telemetry provides the publish fan-out that carries every event,
// verdict, and ledger entry emitted by the core toward external consumers.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fsociety/trapwire/pkg/trapwire/event"
)

// Record types carried through the fan-out.
const (
	TypeConnection  = "connection"
	TypeFileAnomaly = "file_anomaly"
	TypeVerdict     = "verdict"
	TypeLedger      = "ledger"
)

// Record is one published telemetry item. Data holds the typed payload and
// serializes directly to JSON for sinks.
type Record struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// ConnectionRecord wraps a ConnectionEvent for publishing.
func ConnectionRecord(ev event.ConnectionEvent) Record {
	return Record{Type: TypeConnection, Time: ev.Timestamp, Data: ev}
}

// FileAnomalyRecord wraps a FileAnomalyEvent for publishing.
func FileAnomalyRecord(ev event.FileAnomalyEvent) Record {
	return Record{Type: TypeFileAnomaly, Time: ev.Timestamp, Data: ev}
}

// VerdictRecord wraps a Verdict for publishing.
func VerdictRecord(v event.Verdict) Record {
	return Record{Type: TypeVerdict, Time: time.Now(), Data: v}
}

// LedgerRecord wraps a LedgerEntry for publishing.
func LedgerRecord(entry event.LedgerEntry) Record {
	return Record{Type: TypeLedger, Time: entry.Timestamp, Data: entry}
}

// Publisher receives published records. Publish must never block the caller;
// implementations drop rather than stall, since the decoy accept loop sits
// upstream of every publish.
type Publisher interface {
	Publish(rec Record)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(rec Record)

// Publish implements Publisher.
func (f PublisherFunc) Publish(rec Record) { f(rec) }

// Fanout delivers each record to every attached sink and to subscriber
// channels. Subscriber channels buffer up to their capacity; when one is full
// the oldest record is dropped so producers never wait on a slow consumer.
type Fanout struct {
	mu      sync.RWMutex
	sinks   []Publisher
	subs    map[int]chan Record
	nextSub int
	bufSize int
	dropped atomic.Uint64
}

// NewFanout creates a fan-out whose subscriber channels buffer bufSize records.
func NewFanout(bufSize int) *Fanout {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Fanout{
		subs:    make(map[int]chan Record),
		bufSize: bufSize,
	}
}

// Attach adds a sink that receives every record synchronously. Sinks must be
// non-blocking.
func (f *Fanout) Attach(p Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, p)
}

// Subscribe registers a new subscriber channel. The returned cancel func
// removes the subscription and closes the channel.
func (f *Fanout) Subscribe() (<-chan Record, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextSub
	f.nextSub++
	ch := make(chan Record, f.bufSize)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if existing, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Publish implements Publisher.
func (f *Fanout) Publish(rec Record) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sink := range f.sinks {
		sink.Publish(rec)
	}

	for _, ch := range f.subs {
		select {
		case ch <- rec:
		default:
			// Drop the oldest buffered record to make room.
			select {
			case <-ch:
				f.dropped.Add(1)
			default:
			}
			select {
			case ch <- rec:
			default:
				f.dropped.Add(1)
			}
		}
	}
}

// Dropped reports how many records were discarded due to full subscribers.
func (f *Fanout) Dropped() uint64 {
	return f.dropped.Load()
}

// RecentBuffer retains the most recent records for the dashboard API.
type RecentBuffer struct {
	mu    sync.RWMutex
	ring  []Record
	next  int
	count int
	total uint64
}

// NewRecentBuffer creates a buffer retaining up to limit records.
func NewRecentBuffer(limit int) *RecentBuffer {
	if limit <= 0 {
		limit = 50
	}
	return &RecentBuffer{ring: make([]Record, limit)}
}

// Publish implements Publisher.
func (b *RecentBuffer) Publish(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.next] = rec
	b.next = (b.next + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}
	b.total++
}

// Snapshot returns the retained records from oldest to newest.
func (b *RecentBuffer) Snapshot() []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Record, 0, b.count)
	start := b.next - b.count
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < b.count; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// Total reports how many records passed through the buffer in its lifetime.
func (b *RecentBuffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// LogSink logs every record at debug level. Useful as a development sink.
func LogSink() Publisher {
	return PublisherFunc(func(rec Record) {
		log.Debug().Str("type", rec.Type).Time("at", rec.Time).Msg("Telemetry record published")
	})
}
