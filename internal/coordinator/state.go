// ABOUTME: Coordinator lifecycle states and the legal transitions between them.
// ABOUTME: Kept separate so status reporting can name states without the machinery.

package coordinator

// State is the coordinator's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDegraded
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Running reports whether the coordinator is serving traffic.
func (s State) Running() bool {
	return s == StateReady || s == StateDegraded
}
