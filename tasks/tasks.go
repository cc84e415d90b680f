package tasks

import (
	"time"

	"github.com/vinayprograms/persistkit/persistent"
)

// Info describes a task running on this node.
type Info struct {
	// ID is the persistent task id.
	ID persistent.TaskID

	// Action names the task type.
	Action string

	// StartedAt is when the task was registered.
	StartedAt time.Time

	// Canceled is set once a cancellation reached the task.
	Canceled bool

	// Reason is the cancellation reason, if any.
	Reason string
}
