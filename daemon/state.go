package daemon

// State represents the daemon's consumer-driven state.
type State int32

const (
	// Idle means no external consumer holds the output device open. The
	// daemon emits filler frames and holds no capture device.
	Idle State = iota
	// Active means at least one consumer is attached and live frames are
	// being produced.
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Active:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}
