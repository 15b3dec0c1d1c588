package bus

import "errors"

// Sentinel error values, not a custom error framework. Callers use
// errors.Is/errors.As, and repos wrap with %w.
var (
	// ErrInvalidInput is returned synchronously to a producer; it never
	// reaches the queue.
	ErrInvalidInput = errors.New("bus: invalid input")

	// ErrTransactionalViolation is raised when a transactional handler
	// escapes the sealed session through Session.Unsafe, whatever it then
	// does with the raw transaction. Treated as a HandlerFailure: the
	// event is rolled back and retried.
	ErrTransactionalViolation = errors.New("bus: transactional handler attempted a sealed session operation")

	// ErrShutdownTimeout is returned by Supervisor.Stop when wait_for_completion
	// elapsed without all in-flight dispatches finishing. Affected rows are
	// left for stale-lock recovery.
	ErrShutdownTimeout = errors.New("bus: shutdown timed out with work still in flight")

	// ErrStorageFatal is returned from Supervisor.Start when the schema
	// cannot be ensured (for example, the configured role lacks
	// permission); the system refuses to start.
	ErrStorageFatal = errors.New("bus: fatal storage error at startup")

	// errNoTxBeginner is an internal invariant violation: a transactional
	// handler was registered but the dispatcher was built without a
	// TxBeginner to open sessions from.
	errNoTxBeginner = errors.New("bus: transactional handler registered but no TxBeginner configured")
)

// HandlerFailure wraps any error raised from inside a user handler
// (including a transactional violation). It captures the failing
// handler's path for logging/metrics.
type HandlerFailure struct {
	Path string
	Err  error
}

func (e *HandlerFailure) Error() string {
	return "bus: handler " + e.Path + " failed: " + e.Err.Error()
}

func (e *HandlerFailure) Unwrap() error { return e.Err }

// StorageTransient marks a database error (unreachable, serialization
// failure, deadlock) that a worker should log and back off from without
// crashing the process. The claim, if any, is left for stale recovery.
type StorageTransient struct {
	Op  string
	Err error
}

func (e *StorageTransient) Error() string {
	return "bus: transient storage error during " + e.Op + ": " + e.Err.Error()
}

func (e *StorageTransient) Unwrap() error { return e.Err }
