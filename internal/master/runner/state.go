package runner

import "fmt"

type State int

const (
	StateIdle State = iota
	StateLeaderStarting
	StateLeaderActive
	StateLeaderStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLeaderStarting:
		return "LEADER_STARTING"
	case StateLeaderActive:
		return "LEADER_ACTIVE"
	case StateLeaderStopping:
		return "LEADER_STOPPING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
