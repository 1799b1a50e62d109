package connection

import (
	"time"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	// StateFaulted is terminal until Connect is called explicitly.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// EventType identifies a lifecycle transition.
type EventType uint8

const (
	EventConnected EventType = iota + 1
	EventDisconnected
	EventFaulted
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Event describes a transition that has already happened.
type Event struct {
	Type         EventType
	ConnectionID string
	Timestamp    time.Time
	// Err is the failure behind a Disconnected or Faulted event; nil when
	// the transition was requested by the caller.
	Err error
}

// Listener receives lifecycle events synchronously, on the goroutine that
// caused the transition and while the connection is locked. OnEvent must
// return quickly and must not call Connect, Disconnect, Close or send
// requests on the same connection.
type Listener interface {
	OnEvent(event Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(event Event)

// OnEvent implements Listener
func (f ListenerFunc) OnEvent(event Event) {
	f(event)
}

// ListenerID identifies one registration of a listener.
type ListenerID string

func stateFor(t EventType) State {
	switch t {
	case EventConnected:
		return StateConnected
	case EventFaulted:
		return StateFaulted
	default:
		return StateDisconnected
	}
}
