package process

// State is the supervisor's view of its worker.
// Idle -> Starting -> Running -> Stopped; Start is allowed again from
// Idle or Stopped.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State      string  `json:"state"`
	Record     *Record `json:"record,omitempty"`
	Alive      bool    `json:"alive"`
	DetectedBy string  `json:"detected_by,omitempty"`
}
