package observe

import "time"

type Kind string

type Status string

const (
	KindAdvance    Kind = "advance"
	KindCheckpoint Kind = "checkpoint"
	KindCache      Kind = "cache"
	KindIndex      Kind = "index"
	KindLifecycle  Kind = "lifecycle"
	KindCustom     Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
	StatusDegraded  Status = "degraded"
)

// Event is one observability signal from the checkpoint store: an
// advance lifecycle edge, a checkpoint write, a swallowed cache or index
// failure, or a lifecycle transition such as entering degraded mode.
type Event struct {
	ID           string         `json:"id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	ThreadID     string         `json:"threadId,omitempty"`
	Namespace    string         `json:"namespace,omitempty"`
	CheckpointID string         `json:"checkpointId,omitempty"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status,omitempty"`
	Name         string         `json:"name,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
