package leaseq

import "errors"

// Sentinel errors for the leaseq domain.
var (
	// ErrSetup marks an irrecoverable setup fault that stops the manager loop.
	ErrSetup = errors.New("irrecoverable setup failure")
	// ErrWorker marks a worker invocation that failed as a whole.
	ErrWorker = errors.New("worker invocation failed")

	ErrNotFound       = errors.New("not found")
	ErrStaleLease     = errors.New("stale lease")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrStopped        = errors.New("stopped")
)

// FailFastError wraps a worker error that must not be retried.
type FailFastError struct {
	Err error
}

// FailFast marks err as non-retryable. A nil err yields nil.
func FailFast(err error) error {
	if err == nil {
		return nil
	}
	return &FailFastError{Err: err}
}

func (e *FailFastError) Error() string {
	if e.Err == nil {
		return "fail fast"
	}
	return "fail fast: " + e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *FailFastError) Unwrap() error { return e.Err }
