package relay

import "fmt"

// State is the lifecycle stage of a call.
//
// Transitions only move forward:
//
//	AwaitingStart → BackendConnecting → Streaming → Closing → Closed
//
// Any state may jump to Closing when either side ends the call.
type State int

const (
	// StateAwaitingStart is the initial state: the telephony socket is open
	// but no start event has arrived, so the stream identifier is unknown.
	StateAwaitingStart State = iota

	// StateBackendConnecting means the stream has started and the backend is
	// being dialled or has not yet acknowledged the session. Caller audio is
	// queued.
	StateBackendConnecting

	// StateStreaming means the backend is ready and audio flows both ways.
	StateStreaming

	// StateClosing means teardown is in progress.
	StateClosing

	// StateClosed is terminal. Both links are closed and no further sends
	// happen.
	StateClosed
)

// String returns the state's name for logs and the status endpoint.
func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateBackendConnecting:
		return "backend_connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler] so states render by name in
// JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler], accepting the names
// produced by [State.String].
func (s *State) UnmarshalText(text []byte) error {
	for st := StateAwaitingStart; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("relay: unknown state %q", text)
}

// Terminal reports whether no further work may happen in s.
func (s State) Terminal() bool {
	return s >= StateClosing
}
