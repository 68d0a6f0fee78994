package supervisor

import "errors"

var (
	// ErrConnectionTimeout is returned when the worker does not connect within the connect timeout.
	ErrConnectionTimeout = errors.New("worker did not connect in time")

	// ErrPrematureExit is returned when the worker exits before connecting.
	ErrPrematureExit = errors.New("worker exited before connecting")

	// ErrUnexpectedTermination is returned when the event stream ends without a result or error event
	// and the run was not cancelled.
	ErrUnexpectedTermination = errors.New("worker ended the session without a result")
)
