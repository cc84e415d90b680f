package coordinator

import (
	"encoding/json"
	"time"

	"github.com/vinayprograms/persistkit/errors"
	"github.com/vinayprograms/persistkit/persistent"
)

// State is the lifecycle state of a persistent task.
type State string

const (
	// StateStopped indicates the task exists but is not running.
	StateStopped State = "stopped"

	// StateStarted indicates the task should be running.
	StateStarted State = "started"

	// StateCompleted indicates the task finished successfully.
	StateCompleted State = "completed"

	// StateFailed indicates the task finished with a failure.
	StateFailed State = "failed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if the task finished, successfully or not.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// event drives a state change.
type event string

const (
	eventStart   event = "start"
	eventSucceed event = "succeed"
	eventFail    event = "fail"
)

// transitions lists, per event, the states it may fire from and where it
// leads. Anything missing is a CONFLICT.
var transitions = map[event]map[State]State{
	eventStart: {
		StateStopped:   StateStarted,
		StateCompleted: StateStarted,
		StateFailed:    StateStarted,
	},
	eventSucceed: {
		StateStarted: StateCompleted,
	},
	eventFail: {
		StateStarted: StateFailed,
	},
}

func next(from State, ev event) (State, bool) {
	to, ok := transitions[ev][from]
	return to, ok
}

// Task is the coordinator's record of a persistent task.
type Task struct {
	// ID is assigned on create and never reused.
	ID persistent.TaskID `json:"id"`

	// Action names the task type.
	Action string `json:"action"`

	// Params is the type-specific payload given on create.
	Params json.RawMessage `json:"params,omitempty"`

	// State is the lifecycle state.
	State State `json:"state"`

	// Status is the last status reported by the running task.
	Status json.RawMessage `json:"status,omitempty"`

	// AllocationID counts starts. Stale reports from an earlier run can be
	// told apart by it.
	AllocationID int64 `json:"allocation_id"`

	// RemoveOnCompletion deletes the record once the task completes.
	RemoveOnCompletion bool `json:"remove_on_completion"`

	// Failure is set when State is StateFailed.
	Failure *errors.Error `json:"failure,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
