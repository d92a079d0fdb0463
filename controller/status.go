package controller

// ExecutionStatus classifies a thread from its latest checkpoint's
// state. It is derived, never stored as a separate entity.
type ExecutionStatus string

const (
	StatusNew       ExecutionStatus = "NEW"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusPaused    ExecutionStatus = "PAUSED"
	StatusResumed   ExecutionStatus = "RESUMED"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
)

// StatusOf is the classification function over the state's markers.
// Precedence: a failure outranks a pause, a pause outranks completion of
// earlier turns.
func StatusOf(st State) ExecutionStatus {
	switch {
	case st.Failed:
		return StatusFailed
	case st.AwaitingInput:
		return StatusPaused
	case st.Resolved:
		return StatusCompleted
	case st.ResumedFrom != "":
		return StatusResumed
	case st.LastNode == "":
		return StatusNew
	default:
		return StatusRunning
	}
}
