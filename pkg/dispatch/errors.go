package dispatch

import "fmt"

// Error is the taxonomy-tagged error surfaced at the Dispatcher boundary.
// Code identifies one of the fixed error kinds below; it never wraps
// transport errors, which are surfaced verbatim through a task's future
// instead.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

const (
	// ErrCodeInvalidParams marks a malformed Config or an unexpected
	// return shape from a worker call.
	ErrCodeInvalidParams = "INVALID_PARAMS"
	// ErrCodeInvalidMethod marks an empty method name passed to Submit.
	ErrCodeInvalidMethod = "INVALID_METHOD"
	// ErrCodeQueueOverflow marks a submission rejected by maxQueueSize.
	ErrCodeQueueOverflow = "QUEUE_OVERFLOW"
	// ErrCodeTerminated marks a submission or dispatch against a
	// terminated pool.
	ErrCodeTerminated = "POOL_TERMINATED"
	// ErrCodeCancelled marks a future cancelled while still queued.
	ErrCodeCancelled = "CANCELLED"
	// ErrCodeTimeout marks a future rejected by timer expiry.
	ErrCodeTimeout = "TIMEOUT"
)

func errQueueOverflow(max int) error {
	return &Error{Code: ErrCodeQueueOverflow, Message: fmt.Sprintf("Max queue size of %d reached", max)}
}

func errPoolTerminated() error {
	return &Error{Code: ErrCodeTerminated, Message: "Pool terminated"}
}

func errInvalidMethod() error {
	return &Error{Code: ErrCodeInvalidMethod, Message: "method must be a string or a callable"}
}

func errCancelled() error {
	return &Error{Code: ErrCodeCancelled, Message: "task cancelled"}
}

func errTimeout() error {
	return &Error{Code: ErrCodeTimeout, Message: "task timed out"}
}
