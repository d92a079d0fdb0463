// Package search projects checkpoint content into a secondary,
// eventually-consistent search index. The index may lag or be entirely
// absent without affecting correctness of resume; only the durable
// checkpoint store is authoritative.
package search

import (
	"context"
	"time"
)

// Document is a denormalized, flattened projection of a checkpoint's
// state and metadata, keyed by thread id. Re-indexing the same thread
// replaces the previous document.
type Document struct {
	ThreadID      string         `json:"threadId"`
	TenantID      string         `json:"tenantId"`
	SessionID     string         `json:"sessionId"`
	Intent        string         `json:"intent,omitempty"`
	PausedAt      string         `json:"pausedAt,omitempty"`
	Resolved      bool           `json:"resolved"`
	AwaitingInput bool           `json:"awaitingInput"`
	Messages      string         `json:"messages,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IndexedAt     time.Time      `json:"indexedAt"`
}

// Query selects documents by full-text match over Messages plus exact
// filters. A nil Resolved means "either".
type Query struct {
	Text     string
	TenantID string
	Intent   string
	Resolved *bool
	Limit    int
}

// Index is a searchable document store. Implementations must tolerate
// repeated Index calls for the same thread id.
type Index interface {
	Index(ctx context.Context, doc Document) error
	Search(ctx context.Context, query Query) ([]Document, error)
	Ping(ctx context.Context) error
	Close() error
}
