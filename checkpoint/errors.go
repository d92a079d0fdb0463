package checkpoint

import "errors"

var (
	// ErrNotFound reports that no checkpoint exists for the requested
	// thread and namespace.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrConflict reports a lost compare-and-append race: the supplied
	// parent no longer matches the store's latest checkpoint. The caller
	// must re-read latest before retrying.
	ErrConflict = errors.New("checkpoint: parent conflict")

	// ErrUnavailable reports transient connectivity loss to the durable
	// store. Safe to retry with backoff; no partial write is visible.
	ErrUnavailable = errors.New("checkpoint: store unavailable")

	// ErrCorrupt reports a stored state payload that fails to decode or
	// carries an unsupported schema version. Not retryable.
	ErrCorrupt = errors.New("checkpoint: state corrupt")

	// ErrBusy reports repeated conflicts after the configured number of
	// retries, typically a double-submitted client request.
	ErrBusy = errors.New("checkpoint: thread busy")
)
