package leadership

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on a running elector.
	ErrAlreadyStarted = errors.New("elector already started")

	// ErrNotStarted is returned by Stop on an elector that never started.
	ErrNotStarted = errors.New("elector not started")
)
