// Package memory provides an ephemeral checkpoint store. It backs
// degraded mode when the durable store is unreachable at startup, and
// doubles as a reference implementation of the compare-and-append
// contract for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convograph/statekit/checkpoint"
)

type Store struct {
	mu      sync.Mutex
	chains  map[string][]checkpoint.Checkpoint
	closed  bool
	maxHist int
}

type Option func(*Store)

// WithMaxHistory bounds retained history per thread; zero keeps all.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHist = n
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{chains: map[string][]checkpoint.Checkpoint{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func chainKey(threadID, namespace string) string {
	return threadID + "\x00" + namespace
}

func (s *Store) Put(ctx context.Context, req checkpoint.PutRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.ThreadID == "" {
		return "", fmt.Errorf("thread_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", checkpoint.ErrUnavailable
	}

	key := chainKey(req.ThreadID, req.Namespace)
	chain := s.chains[key]

	latestID := ""
	if len(chain) > 0 {
		latestID = chain[len(chain)-1].CheckpointID
	}
	if req.Parent != latestID {
		return "", checkpoint.ErrConflict
	}

	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	cp := checkpoint.Checkpoint{
		ThreadID:           req.ThreadID,
		CheckpointID:       checkpoint.NewID(),
		ParentCheckpointID: req.Parent,
		Namespace:          req.Namespace,
		State:              req.State,
		Metadata:           req.Metadata,
		CreatedAt:          createdAt,
	}
	chain = append(chain, cp)
	if s.maxHist > 0 && len(chain) > s.maxHist {
		chain = chain[len(chain)-s.maxHist:]
	}
	s.chains[key] = chain
	return cp.CheckpointID, nil
}

func (s *Store) GetLatest(ctx context.Context, threadID, namespace string) (checkpoint.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return checkpoint.Checkpoint{}, checkpoint.ErrUnavailable
	}
	chain := s.chains[chainKey(threadID, namespace)]
	if len(chain) == 0 {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return chain[len(chain)-1], nil
}

func (s *Store) GetHistory(ctx context.Context, threadID, namespace string, limit int) ([]checkpoint.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, checkpoint.ErrUnavailable
	}
	chain := s.chains[chainKey(threadID, namespace)]
	if limit <= 0 || limit > len(chain) {
		limit = len(chain)
	}
	out := make([]checkpoint.Checkpoint, 0, limit)
	for i := len(chain) - 1; i >= len(chain)-limit; i-- {
		out = append(out, chain[i])
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.chains = map[string][]checkpoint.Checkpoint{}
	return nil
}
