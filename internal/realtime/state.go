package realtime

import "time"

// State enumerates the lifecycle of the push connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name so snapshots serialize readably.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChange describes a single transition observed on the Manager.
// GaveUp is set on the terminal transition into Disconnected after the
// reconnect budget is exhausted.
type StateChange struct {
	Previous State
	Current  State
	Attempt  int
	Delay    time.Duration
	GaveUp   bool
	Err      error
	At       time.Time
}

// Snapshot is a point-in-time view of the connection.
type Snapshot struct {
	State    State            `json:"state"`
	Attempt  int              `json:"reconnectAttempt"`
	TenantID string           `json:"tenantId,omitempty"`
	GaveUp   bool             `json:"gaveUp"`
	LastErr  string           `json:"lastError,omitempty"`
	Rooms    []RoomMembership `json:"rooms"`
}
