package tweet

import (
	"errors"
	"fmt"
)

// ErrMalformedEvent marks an event that cannot be normalized. Callers drop
// the event and keep the stream open.
var ErrMalformedEvent = errors.New("malformed event")

type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformedEvent }

func (e *MalformedEventError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &MalformedEventError{Reason: reason, Err: err}
}
