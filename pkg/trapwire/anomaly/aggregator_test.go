package anomaly

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fsociety/trapwire/pkg/trapwire/event"
)

func connEvent(source string, service event.ServiceName) event.ConnectionEvent {
	return event.ConnectionEvent{
		EventID:   "event-test",
		Timestamp: time.Now(),
		SourceIP:  source,
		Service:   service,
	}
}

func TestThresholdBoundary(t *testing.T) {
	agg := NewAggregator(Config{Threshold: 5}, map[event.ServiceName]int{"SSH": 22})

	// Events 1..5 stay below the verdict line.
	for i := 1; i <= 5; i++ {
		if _, ok := agg.Record(connEvent("10.0.0.7", "SSH")); ok {
			t.Fatalf("unexpected verdict at event %d", i)
		}
	}

	// The 6th event strictly exceeds threshold 5.
	verdict, ok := agg.Record(connEvent("10.0.0.7", "SSH"))
	if !ok {
		t.Fatal("expected verdict on 6th event")
	}
	if verdict.Kind != event.ReasonThresholdExceeded {
		t.Errorf("expected threshold reason, got %v", verdict.Kind)
	}
	if verdict.Action != event.ActionSuspendService {
		t.Errorf("expected suspend action, got %v", verdict.Action)
	}
	if verdict.Count != 6 {
		t.Errorf("expected count 6, got %d", verdict.Count)
	}
	if verdict.Port != 22 {
		t.Errorf("expected port 22, got %d", verdict.Port)
	}
	if verdict.Source != "10.0.0.7" {
		t.Errorf("expected source 10.0.0.7, got %s", verdict.Source)
	}

	// Emission is level-triggered: every later event re-verdicts.
	verdict, ok = agg.Record(connEvent("10.0.0.7", "SSH"))
	if !ok {
		t.Fatal("expected repeat verdict on 7th event")
	}
	if verdict.Count != 7 {
		t.Errorf("expected count 7, got %d", verdict.Count)
	}
}

func TestCountsAreKeyedBySourceAndService(t *testing.T) {
	agg := NewAggregator(Config{Threshold: 5}, nil)

	for i := 0; i < 4; i++ {
		agg.Record(connEvent("10.0.0.7", "SSH"))
	}
	agg.Record(connEvent("10.0.0.7", "FTP"))
	agg.Record(connEvent("10.0.0.8", "SSH"))

	if got := agg.Count("10.0.0.7", "SSH"); got != 4 {
		t.Errorf("expected count 4 for (10.0.0.7, SSH), got %d", got)
	}
	if got := agg.Count("10.0.0.7", "FTP"); got != 1 {
		t.Errorf("expected count 1 for (10.0.0.7, FTP), got %d", got)
	}
	if got := agg.Count("10.0.0.8", "SSH"); got != 1 {
		t.Errorf("expected count 1 for (10.0.0.8, SSH), got %d", got)
	}
	if got := agg.Count("10.0.0.9", "SSH"); got != 0 {
		t.Errorf("expected count 0 for unseen source, got %d", got)
	}
}

func TestConcurrentIncrementsLoseNoUpdates(t *testing.T) {
	agg := NewAggregator(Config{Threshold: 1 << 30}, nil)

	const workers = 32
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				agg.Record(connEvent("10.0.0.7", "SSH"))
			}
		}()
	}
	wg.Wait()

	if got := agg.Count("10.0.0.7", "SSH"); got != workers*perWorker {
		t.Errorf("expected count %d, got %d", workers*perWorker, got)
	}
}

func TestPerServiceThresholdOverride(t *testing.T) {
	agg := NewAggregator(Config{
		Threshold:         5,
		ServiceThresholds: map[string]int{"MySQL": 2},
	}, nil)

	for i := 1; i <= 2; i++ {
		if _, ok := agg.Record(connEvent("10.0.0.7", "MySQL")); ok {
			t.Fatalf("unexpected verdict at event %d", i)
		}
	}
	if _, ok := agg.Record(connEvent("10.0.0.7", "MySQL")); !ok {
		t.Fatal("expected verdict on 3rd event with threshold 2")
	}
}

func TestCapacityEviction(t *testing.T) {
	agg := NewAggregator(Config{Threshold: 5, OffenderCapacity: 10, OffenderTTL: time.Hour}, nil)

	for i := 0; i < 25; i++ {
		agg.Record(connEvent(fmt.Sprintf("10.0.0.%d", i), "SSH"))
	}

	if got := agg.Len(); got > 10 {
		t.Errorf("expected at most 10 tracked offenders, got %d", got)
	}
	// The most recent source must still be tracked.
	if got := agg.Count("10.0.0.24", "SSH"); got != 1 {
		t.Errorf("expected most recent offender retained, got count %d", got)
	}
}

func TestTTLSweep(t *testing.T) {
	agg := NewAggregator(Config{Threshold: 5, OffenderTTL: time.Minute}, nil)

	agg.Record(connEvent("10.0.0.7", "SSH"))
	agg.Record(connEvent("10.0.0.8", "SSH"))

	if removed := agg.Sweep(time.Now()); removed != 0 {
		t.Errorf("expected no eviction before TTL, removed %d", removed)
	}
	if removed := agg.Sweep(time.Now().Add(2 * time.Minute)); removed != 2 {
		t.Errorf("expected 2 evictions after TTL, removed %d", removed)
	}
	if got := agg.Len(); got != 0 {
		t.Errorf("expected empty offender map after sweep, got %d", got)
	}
}
