package stream

import "errors"

var (
	// ErrRetriesExhausted is the terminal error after MaxRetries
	// consecutive failed connections.
	ErrRetriesExhausted = errors.New("stream: retries exhausted")
	ErrRegistryClosed   = errors.New("stream: registry closed")
	// ErrStopTimeout means a previous worker did not exit within the grace
	// period. The replacement is not started.
	ErrStopTimeout = errors.New("stream: previous worker did not stop in time")
)
