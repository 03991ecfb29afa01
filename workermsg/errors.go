package workermsg

import (
	"errors"
	"fmt"
)

// Error codes, stable across versions.
const (
	CodeSameThread      = "ERR_WORKER_SAME_THREAD"
	CodeInvalidID       = "ERR_WORKER_INVALID_ID"
	CodeOutOfRange      = "ERR_OUT_OF_RANGE"
	CodeInvalidArgType  = "ERR_INVALID_ARG_TYPE"
	codeUnknownInternal = "ERR_INTERNAL"
)

var (
	// ErrSameThread is returned by Send when the destination is the calling
	// thread.
	ErrSameThread error = &codedError{code: CodeSameThread, msg: "workermsg: cannot send a message to the same thread"}

	// ErrInvalidDestination matches, via [errors.Is], every
	// [*InvalidDestinationError].
	ErrInvalidDestination error = &codedError{code: CodeInvalidID, msg: "workermsg: invalid destination thread"}

	// ErrNotOnLoop is returned when an operation is invoked from a goroutine
	// other than the owning thread's loop.
	ErrNotOnLoop = errors.New("workermsg: must be called from the owning thread's loop")

	// ErrNoParentPort is returned when a thread other than the coordinator
	// sends or registers before its upward endpoint is set up.
	ErrNoParentPort = errors.New("workermsg: parent port is not set up")

	// ErrParentPortSet is returned by SetupParentPort when called twice, or
	// on the coordinator.
	ErrParentPortSet = errors.New("workermsg: parent port cannot be set up")
)

type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }

// Code returns the stable error code.
func (e *codedError) Code() string { return e.code }

// InvalidDestinationError reports that a message could not be delivered:
// the destination is unknown, has no listeners, or did not confirm delivery
// before the timeout.
type InvalidDestinationError struct {
	Destination ThreadID
}

func (e *InvalidDestinationError) Error() string {
	return fmt.Sprintf("workermsg: invalid destination thread %d", e.Destination)
}

// Code returns [CodeInvalidID].
func (e *InvalidDestinationError) Code() string {
	return CodeInvalidID
}

// Is matches [ErrInvalidDestination].
func (e *InvalidDestinationError) Is(target error) bool {
	return target == ErrInvalidDestination
}

// ValidationError reports an invalid argument, detected before anything is
// sent.
type ValidationError struct {
	Value  any
	Name   string
	Reason string
	code   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workermsg: invalid %s: %s (received %v)", e.Name, e.Reason, e.Value)
}

// Code returns [CodeOutOfRange] or [CodeInvalidArgType].
func (e *ValidationError) Code() string {
	if e.code == "" {
		return codeUnknownInternal
	}
	return e.code
}
