// Package lifecycle owns process-wide initialization and teardown of
// the checkpoint store's backends: the durable store (with fallback to
// an ephemeral in-memory store), the cache tier, and the search index.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/convograph/statekit/checkpoint"
	"github.com/convograph/statekit/checkpoint/hybrid"
	"github.com/convograph/statekit/checkpoint/memory"
	rediscache "github.com/convograph/statekit/checkpoint/redis"
	"github.com/convograph/statekit/checkpoint/sqlite"
	"github.com/convograph/statekit/config"
	"github.com/convograph/statekit/observe"
	"github.com/convograph/statekit/search"
	"github.com/convograph/statekit/search/sqlitefts"
)

const healthMemoTTL = 3 * time.Second

// Health reflects live backend connectivity, memoized for at most a few
// seconds.
type Health struct {
	Durable string `json:"durable"` // ok | degraded | unreachable
	Cache   string `json:"cache"`   // ok | disabled
	Index   string `json:"index"`   // ok | degraded | disabled
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Manager is the explicit, process-scoped handle that replaces any
// ambient global: create it once, thread it through every component
// that needs backends, and tear it down on exit.
type Manager struct {
	cfg      config.Config
	observer observe.Sink

	mu          sync.Mutex
	initialized bool
	degraded    bool
	durable     checkpoint.Store
	cache       checkpoint.Cache
	index       search.Index
	writer      *search.Writer
	store       checkpoint.Store

	healthMu   sync.Mutex
	healthAt   time.Time
	healthMemo Health
}

type Option func(*Manager)

func WithObserver(observer observe.Sink) Option {
	return func(m *Manager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

func New(cfg config.Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, observer: observe.NoopSink{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize opens every backend exactly once per manager. Calling it
// again while initialized returns the existing handle without
// reconnecting. When the durable store cannot be opened and fallback is
// enabled, the process runs on an ephemeral in-memory store in degraded
// mode for the rest of its lifetime.
func (m *Manager) Initialize(ctx context.Context) (checkpoint.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return m.store, nil
	}

	durable, err := m.openDurable()
	if err != nil {
		return nil, err
	}
	m.durable = durable

	if m.cfg.Cache.Enabled {
		cache, err := rediscache.New(
			m.cfg.Cache.Addr,
			rediscache.WithPassword(m.cfg.Cache.Password),
			rediscache.WithDB(m.cfg.Cache.DB),
			rediscache.WithTTL(m.cfg.CacheTTL()),
			rediscache.WithPrefix(m.cfg.Cache.Prefix),
		)
		if err != nil {
			// The cache is a pure accelerator; run without it.
			log.Printf("cache tier unavailable, continuing without cache: %v", err)
			m.emit(ctx, observe.KindCache, observe.StatusDegraded, err)
		} else {
			m.cache = cache
		}
	}

	if m.cfg.Index.Enabled {
		index, err := sqlitefts.New(m.cfg.Index.Path)
		if err != nil {
			log.Printf("search index unavailable, continuing without search: %v", err)
			m.emit(ctx, observe.KindIndex, observe.StatusDegraded, err)
		} else {
			m.index = index
			m.writer = search.NewWriter(
				index,
				search.WithWorkers(m.cfg.Index.Workers),
				search.WithRetries(m.cfg.Index.Retries),
				search.WithBuffer(m.cfg.Index.Buffer),
				search.WithObserver(m.observer),
			)
		}
	}

	store, err := hybrid.New(m.durable, m.cache, hybrid.WithObserver(m.observer))
	if err != nil {
		return nil, err
	}
	m.store = store
	m.initialized = true
	return m.store, nil
}

func (m *Manager) openDurable() (checkpoint.Store, error) {
	durable, err := sqlite.New(
		m.cfg.Durable.Path,
		sqlite.WithBusyTimeout(m.cfg.BusyTimeout()),
		sqlite.WithWAL(m.cfg.Durable.WAL),
		sqlite.WithMaxOpenConns(m.cfg.Durable.MaxOpenConns),
		sqlite.WithMaxIdleConns(m.cfg.Durable.MaxIdleConns),
	)
	if err == nil {
		m.degraded = false
		return durable, nil
	}
	if !m.cfg.Durable.FallbackMemory {
		return nil, fmt.Errorf("%w: open durable store: %v", checkpoint.ErrUnavailable, err)
	}

	// Degraded mode is permanent for this handle's lifetime; there is no
	// mid-flight migration back to durable storage.
	log.Printf("durable store unavailable, falling back to in-memory store (degraded mode): %v", err)
	m.emit(context.Background(), observe.KindLifecycle, observe.StatusDegraded, err)
	m.degraded = true
	return memory.New(), nil
}

// Shutdown releases every backend. Safe to call before Initialize and
// safe to call twice.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil
	}

	if m.writer != nil {
		m.writer.Close()
	}
	var firstErr error
	if m.store != nil {
		// The hybrid handle closes both the durable store and the cache.
		if err := m.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.index != nil {
		if err := m.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.initialized = false
	m.degraded = false
	m.durable = nil
	m.cache = nil
	m.index = nil
	m.writer = nil
	m.store = nil
	return firstErr
}

// Store returns the handle produced by Initialize, or nil before it.
func (m *Manager) Store() checkpoint.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

// Writer returns the async index writer, or nil when the index is
// disabled or unavailable.
func (m *Manager) Writer() *search.Writer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writer
}

// Degraded reports whether the durable store fell back to memory.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Search queries the secondary index. Staleness relative to the durable
// store is an accepted property; with the index disabled the result is
// empty.
func (m *Manager) Search(ctx context.Context, query search.Query) ([]search.Document, error) {
	m.mu.Lock()
	index := m.index
	m.mu.Unlock()
	if index == nil {
		log.Printf("search index disabled, returning no results")
		return []search.Document{}, nil
	}
	return index.Search(ctx, query)
}

// Health probes live connectivity, memoizing the answer for a few
// seconds so health endpoints cannot hammer the backends.
func (m *Manager) Health(ctx context.Context) Health {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if time.Since(m.healthAt) < healthMemoTTL && !m.healthAt.IsZero() {
		return m.healthMemo
	}

	m.mu.Lock()
	initialized := m.initialized
	degraded := m.degraded
	durable := m.durable
	cache := m.cache
	index := m.index
	m.mu.Unlock()

	h := Health{Durable: "unreachable", Cache: "disabled", Index: "disabled"}
	if initialized {
		switch {
		case degraded:
			h.Durable = "degraded"
		default:
			h.Durable = "ok"
			if p, ok := durable.(pinger); ok {
				if err := p.Ping(ctx); err != nil {
					h.Durable = "unreachable"
				}
			}
		}
		if cache != nil {
			if err := cache.Ping(ctx); err == nil {
				h.Cache = "ok"
			}
		}
		if index != nil {
			h.Index = "degraded"
			if err := index.Ping(ctx); err == nil {
				h.Index = "ok"
			}
		}
	}

	m.healthMemo = h
	m.healthAt = time.Now()
	return h
}

func (m *Manager) emit(ctx context.Context, kind observe.Kind, status observe.Status, err error) {
	event := observe.Event{Kind: kind, Status: status}
	if err != nil {
		event.Error = err.Error()
	}
	_ = m.observer.Emit(ctx, event)
}
