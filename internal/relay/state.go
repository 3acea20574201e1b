// Package relay bridges a client websocket to an upstream streaming
// transcription session.
package relay

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a streaming session.
type State int

const (
	// StateIdle - connected, no upstream requested yet.
	StateIdle State = iota
	// StateAwaitingUpstream - start received, upstream dial in flight.
	StateAwaitingUpstream
	// StateStreaming - upstream open, audio is forwarded.
	StateStreaming
	// StateStopping - client asked to stop, upstream being released.
	StateStopping
	// StateClosed - terminal.
	StateClosed
	// StateErrored - upstream failed; moves to StateClosed once the client
	// has been told.
	StateErrored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingUpstream:
		return "AWAITING_UPSTREAM"
	case StateStreaming:
		return "STREAMING"
	case StateStopping:
		return "STOPPING"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// upstreamPending reports whether the session owns, or is about to own, an
// upstream stream.
func (s State) upstreamPending() bool {
	return s == StateAwaitingUpstream || s == StateStreaming
}

var (
	ErrAlreadyStarted   = errors.New("streaming already started")
	ErrMalformedMessage = errors.New("Invalid message format")
	ErrChannelClosed    = errors.New("upstream connection closed unexpectedly")
)
