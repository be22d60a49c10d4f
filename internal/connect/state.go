package connect

import "slices"

// Status is the connection state of one client.
type Status string

const (
	Disconnected Status = "DISCONNECTED"
	Connecting   Status = "CONNECTING"
	Connected    Status = "CONNECTED"
)

// validTransitions defines allowed state transitions. Disconnection is
// reachable from any state; Connected only via Connecting.
var validTransitions = map[Status][]Status{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected, Connecting},
}

func canTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// StatusChange is the payload for connection status change events.
type StatusChange struct {
	ClientID string
	From     Status
	To       Status
}
