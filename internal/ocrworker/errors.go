package ocrworker

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotReady is returned when a request is sent before the channel has been
// initialized or after the worker terminated. It indicates the channel needs
// re-initialization and is not retried automatically.
var ErrNotReady = errors.New("ocr worker channel not ready")

// ErrTerminated is returned for a request that was in flight when the worker
// process exited.
var ErrTerminated = errors.New("ocr service terminated unexpectedly")

// TimeoutError is returned when no response line arrived within the
// per-request timeout. The dispatched work may still complete in the worker;
// its late response is discarded.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ocr request %q timed out after %s", e.Command, e.Timeout)
}

// WorkerError carries an error reported by the worker itself in a
// {"status":"error"} response line.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("ocr worker error: %s", e.Message)
}

// StartupError wraps a failure to spawn the worker or to observe its ready
// line within the startup timeout.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("ocr worker startup failed: %v", e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
