package connection

import (
	"errors"
	"fmt"
	"time"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticated
	Subscribed
	Reconnecting
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Subscribed:
		return "subscribed"
	case Reconnecting:
		return "reconnecting"
	case ShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange is published on the event bus for every transition.
type StateChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

var (
	// ErrAuth is matched (errors.Is) by *AuthError.
	ErrAuth = errors.New("authentication failed")
	// ErrNotConnected is returned by Send/Download between connections.
	// It is retriable.
	ErrNotConnected = errors.New("not connected")
)

// AuthError means no valid session could be established. It is fatal.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v (run `intelrelay login` to store a new session)", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }
