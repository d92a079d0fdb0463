package checkpoint

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion tags every envelope written by this build. Decoding
// rejects versions this build does not understand.
const SchemaVersion = 1

// Envelope is the portable serialized form of a workflow state snapshot.
// The store never interprets Payload; validating the decoded shape is
// the workflow collaborator's responsibility.
type Envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
}

// Encode wraps a state snapshot in a versioned envelope.
func Encode(state any) (Envelope, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal state payload: %w", err)
	}
	return Envelope{SchemaVersion: SchemaVersion, Payload: raw}, nil
}

// Decode unwraps an envelope into out. A version this build does not
// understand, or a payload that fails to parse, yields ErrCorrupt.
func Decode(env Envelope, out any) error {
	if env.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: unsupported schema version %d", ErrCorrupt, env.SchemaVersion)
	}
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrCorrupt)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// DecodeState is a convenience for callers that treat the payload as an
// untyped map.
func DecodeState(env Envelope) (map[string]any, error) {
	out := map[string]any{}
	if err := Decode(env, &out); err != nil {
		return nil, err
	}
	return out, nil
}
