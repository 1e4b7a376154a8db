package model

import (
	"fmt"
	"time"
)

// ConnState is the hub connection state owned by the ingestion loop.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateSubscribed
	StateDegraded
)

// AllStates lists every state in declaration order.
var AllStates = []ConnState{StateDisconnected, StateConnecting, StateSubscribed, StateDegraded}

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ConnState) UnmarshalText(text []byte) error {
	for _, st := range AllStates {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// Status is a point-in-time summary of the exporter, served by the admin socket.
type Status struct {
	State   ConnState `json:"state"`
	Ready   bool      `json:"ready"`
	Devices int       `json:"devices"`
	Samples int       `json:"samples"`
	Since   time.Time `json:"since"`
}
