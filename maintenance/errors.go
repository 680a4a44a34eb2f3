package maintenance

import "errors"

// Lifecycle errors shared by the maintenance services (heartbeat, cleanup,
// reaper, rescuer).
var (
	// ErrAlreadyStarted is returned by Start on a running service.
	ErrAlreadyStarted = errors.New("service already started")

	// ErrNotStarted is returned by Stop on a service that never started.
	ErrNotStarted = errors.New("service not started")
)
