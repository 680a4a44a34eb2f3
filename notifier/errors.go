package notifier

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on a running notifier.
	ErrAlreadyStarted = errors.New("notifier already started")

	// ErrNotStarted is returned by Stop on a notifier that never started.
	ErrNotStarted = errors.New("notifier not started")

	// ErrNotifyNotSupported is returned when the driver has no dedicated
	// LISTEN connection, so pg_notify traffic cannot be received.
	ErrNotifyNotSupported = errors.New("notify not supported")

	// ErrUnknownEventType is returned for a Subscribe on a channel the
	// notifier does not carry.
	ErrUnknownEventType = errors.New("unknown event type")
)
