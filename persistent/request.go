package persistent

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vinayprograms/persistkit/errors"
)

// TaskID identifies a persistent task across the cluster.
// The coordinator assigns it on create; zero means "not assigned".
type TaskID int64

// String returns the decimal form of the id.
func (id TaskID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Action identifies the kind of lifecycle request on the wire.
type Action string

const (
	ActionCreate       Action = "persistent.create"
	ActionStart        Action = "persistent.start"
	ActionUpdateStatus Action = "persistent.update_status"
	ActionComplete     Action = "persistent.complete"
	ActionRemove       Action = "persistent.remove"
	ActionCancel       Action = "tasks.cancel"
)

// Actions lists every lifecycle action, in lifecycle order.
var Actions = []Action{
	ActionCreate,
	ActionStart,
	ActionUpdateStatus,
	ActionComplete,
	ActionRemove,
	ActionCancel,
}

// String returns the action name.
func (a Action) String() string {
	return string(a)
}

// CancelReason is attached to every cancellation sent for a persistent task.
const CancelReason = "persistent action was removed"

// Params is the type-specific payload of a create request.
// It must marshal to JSON.
type Params interface {
	Validate() error
}

// Request is an immutable lifecycle request.
type Request interface {
	// Action returns the wire action of the request.
	Action() Action

	// Task returns the task the request refers to, or zero for create.
	Task() TaskID

	// Validate checks the request before it is sent.
	Validate() error
}

// CreateRequest asks the coordinator to record a new task.
type CreateRequest struct {
	TaskAction         string `json:"action"`
	Params             Params `json:"params,omitempty"`
	Stopped            bool   `json:"stopped"`
	RemoveOnCompletion bool   `json:"remove_on_completion"`
}

func (r CreateRequest) Action() Action { return ActionCreate }
func (r CreateRequest) Task() TaskID   { return 0 }

// Validate checks the action name and the params.
func (r CreateRequest) Validate() error {
	if r.TaskAction == "" {
		return errors.InvalidInput("create: action is required")
	}
	if r.Params != nil {
		if err := r.Params.Validate(); err != nil {
			return errors.WrapWithCode(err, errors.ErrCodeInvalidInput,
				fmt.Sprintf("create %s: invalid params", r.TaskAction))
		}
	}
	return nil
}

// StartRequest asks the coordinator to start a stopped or finished task.
type StartRequest struct {
	TaskID TaskID `json:"task_id"`
}

func (r StartRequest) Action() Action  { return ActionStart }
func (r StartRequest) Task() TaskID    { return r.TaskID }
func (r StartRequest) Validate() error { return validateID(r.TaskID) }

// UpdateStatusRequest replaces the task's opaque status.
type UpdateStatusRequest struct {
	TaskID TaskID `json:"task_id"`
	Status any    `json:"status"`
}

func (r UpdateStatusRequest) Action() Action  { return ActionUpdateStatus }
func (r UpdateStatusRequest) Task() TaskID    { return r.TaskID }
func (r UpdateStatusRequest) Validate() error { return validateID(r.TaskID) }

// CompletionRequest reports that a task finished. A nil Failure means success.
type CompletionRequest struct {
	TaskID  TaskID        `json:"task_id"`
	Failure *errors.Error `json:"failure,omitempty"`
}

func (r CompletionRequest) Action() Action  { return ActionComplete }
func (r CompletionRequest) Task() TaskID    { return r.TaskID }
func (r CompletionRequest) Validate() error { return validateID(r.TaskID) }

// RemoveRequest asks the coordinator to forget a task.
type RemoveRequest struct {
	TaskID TaskID `json:"task_id"`
}

func (r RemoveRequest) Action() Action  { return ActionRemove }
func (r RemoveRequest) Task() TaskID    { return r.TaskID }
func (r RemoveRequest) Validate() error { return validateID(r.TaskID) }

// TaskTarget addresses a running task on one node.
type TaskTarget struct {
	Node string `json:"node"`
	ID   TaskID `json:"id"`
}

// String returns "node:id".
func (t TaskTarget) String() string {
	return t.Node + ":" + t.ID.String()
}

// CancelTasksRequest asks a node to cancel a task it runs.
type CancelTasksRequest struct {
	Target TaskTarget `json:"target"`
	Reason string     `json:"reason"`
}

func (r CancelTasksRequest) Action() Action { return ActionCancel }
func (r CancelTasksRequest) Task() TaskID   { return r.Target.ID }

// Validate checks that the target names a node and a task.
func (r CancelTasksRequest) Validate() error {
	if r.Target.Node == "" {
		return errors.InvalidInput("cancel: target node is required")
	}
	return validateID(r.Target.ID)
}

// Response is what a client hands back for an accepted request.
type Response struct {
	TaskID TaskID `json:"task_id"`
}

// Client submits lifecycle requests asynchronously.
//
// A non-nil return means the request was not accepted and done will never
// be called. Otherwise done is called once, later, from any goroutine.
type Client interface {
	Execute(ctx context.Context, req Request, done func(Response, error)) error
}

// NodeProvider resolves the identity of the local cluster member.
type NodeProvider interface {
	LocalNode() (string, error)
}

// NodeFunc adapts a function to NodeProvider.
type NodeFunc func() (string, error)

// LocalNode calls f.
func (f NodeFunc) LocalNode() (string, error) {
	return f()
}

func validateID(id TaskID) error {
	if id <= 0 {
		return errors.InvalidInput(fmt.Sprintf("invalid task id %d", id))
	}
	return nil
}
