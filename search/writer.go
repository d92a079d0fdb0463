package search

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/convograph/statekit/observe"
)

const instrumentationName = "github.com/convograph/statekit/search"

const (
	defaultWorkers = 4
	defaultBuffer  = 256
	defaultRetries = 2
	defaultBackoff = 250 * time.Millisecond
)

// Writer dispatches index writes off the caller's critical path. Writes
// are fire-and-forget: the queue is bounded, documents are dropped under
// pressure, and a permanently failing write is counted and logged but
// never surfaces to the caller.
type Writer struct {
	index    Index
	queue    chan Document
	pending  sync.WaitGroup
	workers  int
	retries  int
	backoff  time.Duration
	observer observe.Sink

	mu     sync.Mutex
	closed bool

	writes   metric.Int64Counter
	failures metric.Int64Counter
	dropped  metric.Int64Counter
}

type WriterOption func(*Writer)

func WithWorkers(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.workers = n
		}
	}
}

func WithRetries(n int) WriterOption {
	return func(w *Writer) {
		if n >= 0 {
			w.retries = n
		}
	}
}

func WithBackoff(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.backoff = d
		}
	}
}

func WithObserver(observer observe.Sink) WriterOption {
	return func(w *Writer) {
		if observer != nil {
			w.observer = observer
		}
	}
}

func WithBuffer(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan Document, n)
		}
	}
}

func NewWriter(index Index, opts ...WriterOption) *Writer {
	w := &Writer{
		index:    index,
		queue:    make(chan Document, defaultBuffer),
		workers:  defaultWorkers,
		retries:  defaultRetries,
		backoff:  defaultBackoff,
		observer: observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(w)
	}

	meter := otel.Meter(instrumentationName)
	w.writes, _ = meter.Int64Counter("statekit.index.writes")
	w.failures, _ = meter.Int64Counter("statekit.index.failures")
	w.dropped, _ = meter.Int64Counter("statekit.index.dropped")

	for i := 0; i < w.workers; i++ {
		go w.loop()
	}
	return w
}

// Enqueue hands a document to the background workers. It never blocks
// and never returns an error; under pressure the document is dropped
// and counted. After Close it is a no-op.
func (w *Writer) Enqueue(doc Document) {
	if w == nil || w.index == nil {
		return
	}
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = time.Now().UTC()
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending.Add(1)
	select {
	case w.queue <- doc:
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		w.pending.Done()
		w.dropped.Add(context.Background(), 1)
		log.Printf("search writer queue full, dropped document for thread %s", doc.ThreadID)
	}
}

// Flush blocks until every enqueued document has been attempted. Used
// by shutdown and tests; normal callers never wait on the index.
func (w *Writer) Flush() {
	if w == nil {
		return
	}
	w.pending.Wait()
}

// Close stops accepting documents, waits for the accepted ones, and
// shuts the workers down. Safe to call twice.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.pending.Wait()
	close(w.queue)
}

func (w *Writer) loop() {
	for doc := range w.queue {
		w.write(doc)
		w.pending.Done()
	}
}

func (w *Writer) write(doc Document) {
	ctx := context.Background()
	var err error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.backoff * time.Duration(attempt))
		}
		if err = w.index.Index(ctx, doc); err == nil {
			w.writes.Add(ctx, 1)
			return
		}
	}

	w.failures.Add(ctx, 1)
	log.Printf("search index write failed for thread %s: %v", doc.ThreadID, err)
	_ = w.observer.Emit(ctx, observe.Event{
		ThreadID: doc.ThreadID,
		Kind:     observe.KindIndex,
		Status:   observe.StatusFailed,
		Name:     "write",
		Error:    err.Error(),
	})
}
