package instance // import "github.com/cyberpedia/orchestrator/instance"

// Status is the lifecycle state of a challenge instance. The full state
// machine is:
//
//	pending -> creating -> running -> {healthy, unhealthy} -> stopping
//	        -> stopped/destroying -> destroyed
//
// plus a terminal `error` state reachable from `creating` on unrecoverable
// failure. healthy/unhealthy oscillate based on health checker reports
// without leaving the active superstate.
type Status string

// All lifecycle states.
const (
	StatusPending    Status = "pending"
	StatusCreating   Status = "creating"
	StatusRunning    Status = "running"
	StatusHealthy    Status = "healthy"
	StatusUnhealthy  Status = "unhealthy"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusDestroying Status = "destroying"
	StatusDestroyed  Status = "destroyed"
	StatusError      Status = "error"
)

// validTransitions is the authoritative edge set of the state machine.
// Destruction is reachable from every non-terminal state so cleanup can
// always make progress; `destroyed` and `error` have no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusCreating, StatusDestroying, StatusError},
	StatusCreating:   {StatusRunning, StatusDestroying, StatusError},
	StatusRunning:    {StatusHealthy, StatusUnhealthy, StatusStopping, StatusDestroying},
	StatusHealthy:    {StatusUnhealthy, StatusStopping, StatusDestroying},
	StatusUnhealthy:  {StatusHealthy, StatusStopping, StatusDestroying},
	StatusStopping:   {StatusStopped, StatusDestroying},
	StatusStopped:    {StatusRunning, StatusDestroying},
	StatusDestroying: {StatusDestroyed},
	StatusDestroyed:  {},
	StatusError:      {},
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive reports whether the instance counts against its user's quota:
// it is being created or is (possibly degraded but) running.
func (s Status) IsActive() bool {
	switch s {
	case StatusCreating, StatusRunning, StatusHealthy, StatusUnhealthy:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the instance can never change state again.
func (s Status) IsTerminal() bool {
	return s == StatusDestroyed || s == StatusError
}
