package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the position of a run in the pipeline's state machine.
type State string

const (
	StatePending    State = "PENDING"
	StateFetching   State = "FETCHING"
	StateEnvReady   State = "ENV_READY"
	StateImageBuilt State = "IMAGE_BUILT"
	StatePublished  State = "PUBLISHED"
	StateFailed     State = "FAILED"
)

// Status is the overall run outcome visible to the CI host.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// transitions lists the legal successor states. FAILED is reachable from
// every non-terminal state and is absorbing.
var transitions = map[State]State{
	StatePending:    StateFetching,
	StateFetching:   StateEnvReady,
	StateEnvReady:   StateImageBuilt,
	StateImageBuilt: StatePublished,
}

// Run is a single pipeline execution instance. It is owned by the runner
// for its whole lifetime; nothing mutates it concurrently.
type Run struct {
	ID     string
	State  State
	Status Status

	Branch         string
	Commit         string
	ImageRef       string
	CommitImageRef string

	StartedAt   time.Time
	EndedAt     time.Time
	FailedStage string
	Err         error
}

// NewRun creates a pending run for the given branch.
func NewRun(branch string) *Run {
	return &Run{
		ID:     uuid.New().String(),
		State:  StatePending,
		Status: StatusPending,
		Branch: branch,
	}
}

// Transition advances the run to the next state, rejecting anything the
// state machine does not allow.
func (r *Run) Transition(next State) error {
	if r.Terminal() {
		return fmt.Errorf("run %s is terminal in state %s, cannot transition to %s", r.ID, r.State, next)
	}
	if next == StateFailed {
		r.State = StateFailed
		r.Status = StatusFailed
		return nil
	}
	if transitions[r.State] != next {
		return fmt.Errorf("illegal transition %s -> %s for run %s", r.State, next, r.ID)
	}
	r.State = next
	if next == StatePublished {
		r.Status = StatusSucceeded
	}
	return nil
}

// Fail marks the run failed at the named stage. The first failure wins;
// no later stage executes.
func (r *Run) Fail(stage string, err error) {
	r.FailedStage = stage
	r.Err = err
	r.State = StateFailed
	r.Status = StatusFailed
	r.EndedAt = time.Now().UTC()
}

// Terminal reports whether the run reached an absorbing state.
func (r *Run) Terminal() bool {
	return r.State == StatePublished || r.State == StateFailed
}

// ShortCommit returns the 12-character commit prefix used for image tags.
func (r *Run) ShortCommit() string {
	if len(r.Commit) > 12 {
		return r.Commit[:12]
	}
	return r.Commit
}
