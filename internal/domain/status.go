package domain

import "fmt"

// ConnectionState is the lifecycle of the process-wide store connection.
type ConnectionState int

const (
	// StateUninitialized means no connection attempt has been made yet.
	StateUninitialized ConnectionState = iota

	// StateConnecting means an initialization attempt is in flight.
	StateConnecting

	// StateConnected means the message store is usable.
	StateConnected

	// StateError means the last initialization attempt failed.
	StateError
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "uninitialized":
		*s = StateUninitialized
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("unknown connection state %q", text)
	}
	return nil
}

// Status is a point-in-time view of the connection.
// Messages and Presence report which backing stores are usable.
type Status struct {
	State    ConnectionState `json:"state"`
	Messages bool            `json:"messages"`
	Presence bool            `json:"presence"`
	Reason   string          `json:"reason,omitempty"`
}

// Connected reports whether messages can be read and written.
func (s Status) Connected() bool {
	return s.State == StateConnected && s.Messages
}
