package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSink collects every event it sees.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Emit(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNormalize(t *testing.T) {
	e := Event{}
	e.Normalize()
	if e.Timestamp.IsZero() {
		t.Fatalf("Normalize must stamp the event")
	}
	if e.Kind != KindCustom {
		t.Fatalf("empty kind should default to custom, got %q", e.Kind)
	}
	if e.Attributes == nil {
		t.Fatalf("attributes must be non-nil after Normalize")
	}
}

func TestLogSink_NeverFails(t *testing.T) {
	sink := LogSink{}
	if err := sink.Emit(context.Background(), Event{Kind: KindCache, Status: StatusFailed, Error: "boom"}); err != nil {
		t.Fatalf("LogSink must not fail: %v", err)
	}
}

func TestTee_FansOutToEverySink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	sink := Tee(a, nil, b)

	if err := sink.Emit(context.Background(), Event{Kind: KindAdvance}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("fan-out missed a sink: %d %d", a.count(), b.count())
	}
}

func TestTee_FailingSinkDoesNotStopOthers(t *testing.T) {
	boom := errors.New("sink refused")
	a := &recordingSink{err: boom}
	b := &recordingSink{}
	sink := Tee(a, b)

	err := sink.Emit(context.Background(), Event{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the sink error to surface, got %v", err)
	}
	if b.count() != 1 {
		t.Fatalf("later sinks must still see the event")
	}
}

func TestTee_CollapsesTrivialCases(t *testing.T) {
	if _, ok := Tee().(NoopSink); !ok {
		t.Fatalf("no sinks should collapse to noop")
	}
	a := &recordingSink{}
	if Tee(a, nil) != a {
		t.Fatalf("single sink should be returned unwrapped")
	}
}

func TestAsyncSink_DeliversInBackground(t *testing.T) {
	downstream := &recordingSink{}
	sink := NewAsyncSink(downstream, 8)
	defer sink.Close()

	for i := 0; i < 5; i++ {
		if err := sink.Emit(context.Background(), Event{Kind: KindCheckpoint}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	sink.Flush()

	if downstream.count() != 5 {
		t.Fatalf("delivered %d of 5 events", downstream.count())
	}
}

func TestAsyncSink_DropsUnderPressure(t *testing.T) {
	// A downstream that blocks forever; the emitter must not block.
	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })
	slow := SinkFunc(func(ctx context.Context, event Event) error {
		<-blocked
		return nil
	})
	sink := NewAsyncSink(slow, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = sink.Emit(context.Background(), Event{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Emit blocked under pressure")
	}
}

func TestAsyncSink_EmitAfterCloseIsNoop(t *testing.T) {
	downstream := &recordingSink{}
	sink := NewAsyncSink(downstream, 8)
	sink.Close()

	// Must neither panic on the closed queue nor deliver.
	if err := sink.Emit(context.Background(), Event{Kind: KindAdvance}); err != nil {
		t.Fatalf("Emit after Close must be a no-op: %v", err)
	}
	if downstream.count() != 0 {
		t.Fatalf("no event should be delivered after Close")
	}

	// Close is idempotent.
	sink.Close()
}
