package checkpoint

import "context"

// Store is the durable, ordered, append-style checkpoint store. Writes
// are optimistic compare-and-append keyed by (thread, namespace): racing
// writers against the same parent produce exactly one winner, the loser
// receives ErrConflict.
type Store interface {
	// Put appends a new checkpoint and returns its id. Fails with
	// ErrConflict when req.Parent does not match the current latest, and
	// ErrUnavailable on connectivity loss.
	Put(ctx context.Context, req PutRequest) (string, error)

	// GetLatest returns the newest checkpoint for (threadID, namespace),
	// or ErrNotFound. Never partial.
	GetLatest(ctx context.Context, threadID, namespace string) (Checkpoint, error)

	// GetHistory returns up to limit checkpoints, most recent first.
	GetHistory(ctx context.Context, threadID, namespace string, limit int) ([]Checkpoint, error)

	Close() error
}

// Cache is the optional low-latency tier in front of a Store. It is a
// pure accelerator: correctness holds with the cache entirely disabled,
// and no caller may treat its contents as authoritative.
type Cache interface {
	ReadLatest(ctx context.Context, threadID, namespace string) (Checkpoint, error)
	WriteLatest(ctx context.Context, cp Checkpoint) error
	Ping(ctx context.Context) error
	Close() error
}
