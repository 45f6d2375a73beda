package pubsub

// State is the lifecycle state shared by Connection, WriterGroup, and
// ReaderGroup (§4.D).
type State int

const (
	StateDisabled State = iota
	StatePaused
	StatePreOperational
	StateOperational
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StatePaused:
		return "Paused"
	case StatePreOperational:
		return "PreOperational"
	case StateOperational:
		return "Operational"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ManagerState is the PubSubManager's own lifecycle state (§3).
type ManagerState int

const (
	ManagerStopped ManagerState = iota
	ManagerStopping
	ManagerStarted
)

func (s ManagerState) String() string {
	switch s {
	case ManagerStopped:
		return "Stopped"
	case ManagerStopping:
		return "Stopping"
	case ManagerStarted:
		return "Started"
	default:
		return "Unknown"
	}
}

// SecurityMode is the per-group security posture (§3).
type SecurityMode int

const (
	SecurityModeNone SecurityMode = iota
	SecurityModeSign
	SecurityModeSignAndEncrypt
)
