package pool

// InstanceState is the lifecycle label of a pooled container. WarmIdle is
// the only state from which an instance may be handed new work.
type InstanceState string

const (
	StateInit         InstanceState = "init"
	StateProvisioning InstanceState = "provisioning"
	StateInitializing InstanceState = "initializing"
	StateWarmIdle     InstanceState = "warm_idle"
	StateActive       InstanceState = "active"
	StateDraining     InstanceState = "draining"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
	StateTerminated   InstanceState = "terminated"
	StateFailed       InstanceState = "failed"
)

// allStates is the publish order for pool size gauges.
var allStates = []InstanceState{
	StateInit, StateProvisioning, StateInitializing, StateWarmIdle,
	StateActive, StateDraining, StateStopping, StateStopped, StateFailed,
}

// transitions is the legal state machine. Failed is additionally reachable
// from every non-terminal state; Terminated means the entry leaves the pool.
var transitions = map[InstanceState][]InstanceState{
	StateInit:         {StateProvisioning},
	StateProvisioning: {StateInitializing},
	StateInitializing: {StateWarmIdle},
	StateWarmIdle:     {StateActive, StateDraining, StateStopping},
	StateActive:       {StateWarmIdle, StateDraining},
	StateDraining:     {StateStopping, StateTerminated},
	StateStopping:     {StateStopped},
	StateStopped:      {StateWarmIdle, StateTerminated},
	StateFailed:       {StateTerminated},
	StateTerminated:   nil,
}

// canTransition reports whether from → to is permitted.
func canTransition(from, to InstanceState) bool {
	if to == StateFailed {
		return from != StateTerminated && from != StateFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
