package observe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/convograph/statekit/observe"

// Sink consumes checkpoint-store events. Emitters treat errors as
// advisory; a failing sink never affects advance, checkpoint, or
// lifecycle outcomes.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// NoopSink discards every event.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) error { return nil }

// LogSink renders each event as one line through the standard logger,
// matching the swallowed-failure lines the stores already write. It is
// what the CLI wires when observability is enabled without an OTel
// backend.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, event Event) error {
	event.Normalize()
	var b strings.Builder
	fmt.Fprintf(&b, "observe kind=%s", event.Kind)
	if event.Status != "" {
		fmt.Fprintf(&b, " status=%s", event.Status)
	}
	if event.Name != "" {
		fmt.Fprintf(&b, " name=%s", event.Name)
	}
	if event.ThreadID != "" {
		fmt.Fprintf(&b, " thread=%s", event.ThreadID)
	}
	if event.Namespace != "" {
		fmt.Fprintf(&b, " ns=%s", event.Namespace)
	}
	if event.CheckpointID != "" {
		fmt.Fprintf(&b, " checkpoint=%s", event.CheckpointID)
	}
	if event.DurationMs > 0 {
		fmt.Fprintf(&b, " duration_ms=%d", event.DurationMs)
	}
	if event.Error != "" {
		fmt.Fprintf(&b, " err=%q", event.Error)
	}
	log.Print(b.String())
	return nil
}

// Tee fans every event out to all sinks. A failing sink does not stop
// the others; the errors are joined.
func Tee(sinks ...Sink) Sink {
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return NoopSink{}
	case 1:
		return live[0]
	}
	return SinkFunc(func(ctx context.Context, event Event) error {
		var errs []error
		for _, s := range live {
			if err := s.Emit(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// AsyncSink decouples emitters from a slow downstream. The queue is
// bounded; when it is full the event is dropped and counted, so the
// advance hot path never stalls on observability.
type AsyncSink struct {
	downstream Sink
	queue      chan Event
	pending    sync.WaitGroup
	dropped    metric.Int64Counter

	mu     sync.Mutex
	closed bool
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
	}
	meter := otel.Meter(instrumentationName)
	s.dropped, _ = meter.Int64Counter("statekit.observe.dropped")
	go s.loop()
	return s
}

// Emit queues the event for the background loop. Never blocks; after
// Close it is a no-op.
func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}
	event.Normalize()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.pending.Add(1)
	select {
	case s.queue <- event:
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		s.pending.Done()
		s.dropped.Add(context.Background(), 1)
		return nil
	}
}

// Flush blocks until every accepted event has been handed downstream.
func (s *AsyncSink) Flush() {
	if s == nil {
		return
	}
	s.pending.Wait()
}

// Close stops accepting events, drains the accepted ones, and stops the
// background loop. Safe to call twice.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.pending.Wait()
	close(s.queue)
}

func (s *AsyncSink) loop() {
	for event := range s.queue {
		if err := s.downstream.Emit(context.Background(), event); err != nil {
			log.Printf("observe sink emit failed: %v", err)
		}
		s.pending.Done()
	}
}
