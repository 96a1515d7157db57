package call

import (
	"errors"
	"fmt"
)

// State is a CallSession negotiation state.
type State int

const (
	StateNew State = iota
	StateOfferCreated
	StateAnswerPending
	StateConnecting
	StateConnected
	StateRestarting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferCreated:
		return "offer_created"
	case StateAnswerPending:
		return "answer_pending"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

var (
	// ErrInvalidState is wrapped by StateError.
	ErrInvalidState = errors.New("call: invalid state")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("call: session closed")

	// ErrBusy is returned when a call already exists for the peer or the
	// manager is at capacity.
	ErrBusy = errors.New("call: busy")

	// ErrNoCall is returned when no call exists for the peer.
	ErrNoCall = errors.New("call: no call for peer")
)

// StateError reports an operation attempted in the wrong state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("call: cannot %s in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
