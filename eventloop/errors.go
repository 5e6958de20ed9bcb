package eventloop

import "errors"

// Standard errors returned by Loop methods.
var (
	// ErrLoopAlreadyRunning is returned by Run when the loop is already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")
	// ErrLoopTerminated is returned by Run/Submit once the loop has shut down.
	ErrLoopTerminated = errors.New("eventloop: loop is terminated")
	// ErrReentrantRun is not returned by any Loop method: Run reports a call
	// made while the loop is already running, including one from the loop's
	// own goroutine, as ErrLoopAlreadyRunning.
	ErrReentrantRun = errors.New("eventloop: reentrant call to Run")
)
