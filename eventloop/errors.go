package eventloop

import (
	"errors"
	"fmt"
)

var (
	ErrLoopAlreadyRunning = errors.New("eventloop: already running")
	ErrLoopTerminated     = errors.New("eventloop: terminated")
	// ErrReentrantRun is returned by Run when called from the loop goroutine.
	ErrReentrantRun = errors.New("eventloop: run called from within the loop")
	ErrNilTask      = errors.New("eventloop: nil task")
)

// PanicError is the rejection reason of a promise whose handler panicked.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: promise handler panic: %v", e.Value)
}

// Unwrap exposes Value if it is an error.
func (e PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// TypeError rejects a promise that was resolved with itself.
type TypeError struct {
	Cause   error
	Message string
}

func (e *TypeError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "eventloop: type error"
}

func (e *TypeError) Unwrap() error { return e.Cause }
