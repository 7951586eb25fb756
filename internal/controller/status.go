package controller

// Status represents the lifecycle state of a controller.
type Status string

const (
	// StatusCreated indicates the controller has not started initializing.
	StatusCreated Status = "created"
	// StatusConfigResolving indicates the spec is being resolved.
	StatusConfigResolving Status = "config_resolving"
	// StatusStrategyLoading indicates the strategy module is being loaded.
	StatusStrategyLoading Status = "strategy_loading"
	// StatusInstantiating indicates the strategy is being created and mounted.
	StatusInstantiating Status = "instantiating"
	// StatusMounted indicates the strategy rendered into the mount.
	StatusMounted Status = "mounted"
	// StatusReady indicates prior state was applied and the host was notified.
	StatusReady Status = "ready"
	// StatusError indicates initialization failed; the controller runs degraded.
	StatusError Status = "error"
	// StatusDisposed indicates the controller released its strategy.
	StatusDisposed Status = "disposed"
)

var transitions = map[Status][]Status{
	StatusCreated:         {StatusConfigResolving, StatusError, StatusDisposed},
	StatusConfigResolving: {StatusStrategyLoading, StatusError, StatusDisposed},
	StatusStrategyLoading: {StatusInstantiating, StatusError, StatusDisposed},
	StatusInstantiating:   {StatusMounted, StatusError, StatusDisposed},
	StatusMounted:         {StatusReady, StatusDisposed},
	StatusReady:           {StatusDisposed},
	StatusError:           {StatusDisposed},
}

// CanTransition reports whether next is reachable from s in one step.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
