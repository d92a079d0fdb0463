package checkpoint

import (
	crand "crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Checkpoint is one immutable snapshot in a thread's history. Updating
// state means appending a new Checkpoint whose ParentCheckpointID points
// at the previous latest; the chain forms a single linear history per
// (thread, namespace).
type Checkpoint struct {
	ThreadID           string         `json:"threadId"`
	CheckpointID       string         `json:"checkpointId"`
	ParentCheckpointID string         `json:"parentCheckpointId,omitempty"`
	Namespace          string         `json:"namespace"`
	State              Envelope       `json:"state"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// PutRequest describes one compare-and-append write. Parent must match
// the store's current latest checkpoint for (ThreadID, Namespace); an
// empty Parent asserts the thread has no checkpoints yet.
type PutRequest struct {
	ThreadID  string
	Namespace string
	Parent    string
	State     Envelope
	Metadata  map[string]any
	CreatedAt time.Time
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(crand.Reader, 0)
)

// NewID returns an opaque checkpoint identifier. IDs issued by one
// process are lexically monotonic, which keeps listings readable, but
// stores resolve "latest" by write order, never by id or timestamp.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}
