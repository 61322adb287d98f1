package auxiliary

import "fmt"

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateSuspended
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}
