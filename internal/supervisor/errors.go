package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start when the identifier already has a process.
	ErrAlreadyRunning = errors.New("stream already running")

	// ErrReadinessTimeout is returned when the manifest did not appear in time.
	ErrReadinessTimeout = errors.New("stream readiness timed out")

	// ErrStoppedDuringStartup is returned when a stop, shutdown, or caller
	// cancellation interrupted a pending start.
	ErrStoppedDuringStartup = errors.New("stream stopped during startup")

	// ErrToolUnavailable is returned when no transcoder binary could be found.
	ErrToolUnavailable = errors.New("external transcoder unavailable")

	// ErrShuttingDown is returned for starts attempted after shutdown began.
	ErrShuttingDown = errors.New("supervisor is shutting down")

	// ErrTooManyStreams is returned when the stream limit is reached.
	ErrTooManyStreams = errors.New("maximum number of concurrent streams reached")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid stream request")

	// ErrSpawnFailure wraps OS errors from launching the process.
	ErrSpawnFailure = errors.New("failed to spawn transcoder")

	// ErrProcessExited is returned when the process exited before readiness.
	// The StartError's Class tells why.
	ErrProcessExited = errors.New("transcoder exited before readiness")

	// ErrOutputUnavailable is returned when the output directory cannot be
	// created or the manifest path cannot be checked.
	ErrOutputUnavailable = errors.New("output directory unavailable")
)

// StartError is the typed failure of Start. Kind is one of the sentinel
// errors above; Class is set when the transcoder's diagnostics explain it.
type StartError struct {
	ID      StreamID
	Kind    error
	Class   ErrorClass
	Message string
	Err     error
}

func newStartError(id StreamID, kind error, class ErrorClass, err error) *StartError {
	msg := Guidance(class)
	if msg == "" && err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = kind.Error()
	}
	return &StartError{ID: id, Kind: kind, Class: class, Message: msg, Err: err}
}

func (e *StartError) Error() string {
	s := fmt.Sprintf("start %s: %v", e.ID, e.Kind)
	if e.Class != ClassNone {
		s += fmt.Sprintf(" (%s)", e.Class)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is matches the sentinel Kind so errors.Is(err, ErrAlreadyRunning) works.
func (e *StartError) Is(target error) bool {
	return e.Kind == target
}

func (e *StartError) Unwrap() error {
	return e.Err
}
