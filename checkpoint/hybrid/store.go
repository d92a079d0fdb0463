// Package hybrid composes the durable checkpoint store with the cache
// tier. Durable writes always come first; cache failures are logged and
// swallowed so the cache never affects correctness, only latency.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/convograph/statekit/checkpoint"
	"github.com/convograph/statekit/observe"
)

type Store struct {
	durable  checkpoint.Store
	cache    checkpoint.Cache
	observer observe.Sink
}

type Option func(*Store)

func WithObserver(observer observe.Sink) Option {
	return func(s *Store) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func New(durable checkpoint.Store, cache checkpoint.Cache, opts ...Option) (*Store, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	s := &Store{
		durable:  durable,
		cache:    cache,
		observer: observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Put(ctx context.Context, req checkpoint.PutRequest) (string, error) {
	id, err := s.durable.Put(ctx, req)
	if err != nil {
		return "", err
	}
	if s.cache != nil {
		cp := checkpoint.Checkpoint{
			ThreadID:           req.ThreadID,
			CheckpointID:       id,
			ParentCheckpointID: req.Parent,
			Namespace:          req.Namespace,
			State:              req.State,
			Metadata:           req.Metadata,
			CreatedAt:          req.CreatedAt,
		}
		if err := s.cache.WriteLatest(ctx, cp); err != nil {
			s.cacheFailure(ctx, req.ThreadID, req.Namespace, "write-through", err)
		}
	}
	return id, nil
}

func (s *Store) GetLatest(ctx context.Context, threadID, namespace string) (checkpoint.Checkpoint, error) {
	if s.cache != nil {
		cp, err := s.cache.ReadLatest(ctx, threadID, namespace)
		if err == nil {
			return cp, nil
		}
		if !errors.Is(err, checkpoint.ErrNotFound) {
			s.cacheFailure(ctx, threadID, namespace, "read", err)
		}
	}

	cp, err := s.durable.GetLatest(ctx, threadID, namespace)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if s.cache != nil {
		if err := s.cache.WriteLatest(ctx, cp); err != nil {
			s.cacheFailure(ctx, threadID, namespace, "backfill", err)
		}
	}
	return cp, nil
}

func (s *Store) GetHistory(ctx context.Context, threadID, namespace string, limit int) ([]checkpoint.Checkpoint, error) {
	// History is served straight from the durable store; the cache only
	// holds the latest entry per thread.
	return s.durable.GetHistory(ctx, threadID, namespace, limit)
}

func (s *Store) Close() error {
	var firstErr error
	if s.cache != nil {
		if err := s.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.durable != nil {
		if err := s.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) cacheFailure(ctx context.Context, threadID, namespace, op string, err error) {
	log.Printf("hybrid store cache %s failed: %v", op, err)
	_ = s.observer.Emit(ctx, observe.Event{
		ThreadID:  threadID,
		Namespace: namespace,
		Kind:      observe.KindCache,
		Status:    observe.StatusFailed,
		Name:      op,
		Error:     err.Error(),
	})
}
