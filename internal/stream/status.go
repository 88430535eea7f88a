package stream

import (
	"time"
)

// Status is a worker's lifecycle state.
//
//	Stopped -> Connecting -> Streaming -> {Stopped | Errored}
//	Errored -> Connecting (automatic retry unless terminal)
type Status int

const (
	Stopped Status = iota
	Connecting
	Streaming
	Errored
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Live reports whether a worker in this state holds or is opening a
// provider connection.
func (s Status) Live() bool { return s == Connecting || s == Streaming }

// ChatState is a point-in-time view of one chat's stream.
type ChatState struct {
	Chat       int64
	Follow     []string
	Status     Status
	Err        error
	Terminal   bool // no automatic retry will happen
	AuthFatal  bool
	CredsPrint string
	Generation string
	Since      time.Time
}

// StatusEvent is published on the event bus for every transition.
type StatusEvent struct {
	Chat       int64
	Status     Status
	Err        error
	Generation string
}
