package taskwire

import "github.com/pkg/errors"

// Error taxonomy. Store implementations wrap transport failures in
// ErrStoreUnavailable; callers test with errors.Is.
var (
	// ErrStoreUnavailable indicates a transport or connection failure
	// talking to the store. The backend does not retry internally.
	ErrStoreUnavailable = errors.New("taskwire: store unavailable")

	// ErrInvalidTransition indicates an attempt to move a task backwards
	// through its lifecycle, or to mutate a terminal task's status.
	ErrInvalidTransition = errors.New("taskwire: invalid status transition")

	// ErrWaitTimeout indicates a completion wait expired before the task
	// reached a terminal state. The task may still be running.
	ErrWaitTimeout = errors.New("taskwire: wait timed out")

	// ErrNotFound indicates an operation on an id with no task record
	// where creating one is not implied.
	ErrNotFound = errors.New("taskwire: task not found")

	// ErrClosed indicates the backend or channel has been closed.
	ErrClosed = errors.New("taskwire: closed")
)
