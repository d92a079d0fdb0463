package controller

import (
	"time"

	"github.com/convograph/statekit/checkpoint"
)

// State is the controller's view of one conversation turn in flight. It
// is snapshotted into a versioned envelope after every step; Data is the
// workflow collaborator's payload and is never interpreted by the store.
type State struct {
	ThreadID      string         `json:"threadId"`
	Namespace     string         `json:"namespace,omitempty"`
	LastNode      string         `json:"lastNodeId,omitempty"`
	PausedAt      string         `json:"pausedAt,omitempty"`
	ResumedFrom   string         `json:"resumedFrom,omitempty"`
	AwaitingInput bool           `json:"awaitingInput"`
	Resolved      bool           `json:"resolved"`
	Failed        bool           `json:"failed"`
	LastError     string         `json:"lastError,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func (s *State) ensureData() {
	if s.Data == nil {
		s.Data = map[string]any{}
	}
}

// EnsureData guarantees Data is non-nil so workflow steps can write to
// it without a nil check.
func (s *State) EnsureData() {
	s.ensureData()
}

func (s State) snapshot() (checkpoint.Envelope, error) {
	return checkpoint.Encode(s)
}

func restoreState(env checkpoint.Envelope) (State, error) {
	var st State
	if err := checkpoint.Decode(env, &st); err != nil {
		return State{}, err
	}
	st.ensureData()
	return st, nil
}
