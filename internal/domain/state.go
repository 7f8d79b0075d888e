package domain

// State is a deployment lifecycle state.
type State string

const (
	StatePending          State = "pending"
	StateValidating       State = "validating"
	StateFetchingArtifact State = "fetching_artifact"
	StateLoadingModel     State = "loading_model"
	StateBuildingPipeline State = "building_pipeline"
	StateStartingWorker   State = "starting_worker"
	StateRunning          State = "running"
	StateFailed           State = "failed"
	StateStopped          State = "stopped"
)

// TotalSteps is the number of forward steps between Pending and Running.
const TotalSteps = 6

// Fetch progress band. Byte progress is mapped between these two values.
const (
	FetchBandStart = 10
	FetchBandEnd   = 55
)

type stateInfo struct {
	step     int
	progress int
	next     State
}

var states = map[State]stateInfo{
	StatePending:          {step: 0, progress: 0, next: StateValidating},
	StateValidating:       {step: 1, progress: 10, next: StateFetchingArtifact},
	StateFetchingArtifact: {step: 2, progress: FetchBandStart, next: StateLoadingModel},
	StateLoadingModel:     {step: 3, progress: 60, next: StateBuildingPipeline},
	StateBuildingPipeline: {step: 4, progress: 75, next: StateStartingWorker},
	StateStartingWorker:   {step: 5, progress: 85, next: StateRunning},
	StateRunning:          {step: 6, progress: 100},
	StateFailed:           {step: -1},
	StateStopped:          {step: -1},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := states[s]
	return ok
}

// Terminal reports whether no further transition leaves s.
// Running is terminal-success for the pipeline but may still move to
// Failed or Stopped, so it is not terminal here.
func (s State) Terminal() bool { return s == StateFailed || s == StateStopped }

// Active reports whether a deployment in s holds or may acquire resources.
func (s State) Active() bool { return s.Valid() && !s.Terminal() }

// Step returns the step index of s; terminal states return -1.
func (s State) Step() int { return states[s].step }

// BaseProgress is the progress value a deployment reports on entering s.
func (s State) BaseProgress() int { return states[s].progress }

// Next returns the successor of s on the success path.
func (s State) Next() State { return states[s].next }

// CanTransition reports whether from -> to is allowed. Every active state can
// fail or stop; otherwise only the direct successor is reachable.
func CanTransition(from, to State) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StateFailed || to == StateStopped {
		return true
	}
	return from.Next() == to
}
