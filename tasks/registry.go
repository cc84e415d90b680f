package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/persistkit/errors"
	"github.com/vinayprograms/persistkit/logging"
	"github.com/vinayprograms/persistkit/persistent"
)

// ShutdownReason is the cancellation reason given to tasks still running
// when the registry closes.
const ShutdownReason = "node shutting down"

// Registry tracks the tasks running on one node and cancels them on request.
type Registry struct {
	nodes persistent.NodeProvider
	log   *logging.Logger

	mu      sync.Mutex
	running map[persistent.TaskID]*entry
	closed  bool
}

type entry struct {
	info   Info
	cancel context.CancelCauseFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.log = l.WithComponent("tasks")
	}
}

// NewRegistry creates a registry for the node nodes resolves to.
func NewRegistry(nodes persistent.NodeProvider, opts ...Option) *Registry {
	r := &Registry{
		nodes:   nodes,
		log:     logging.New().WithComponent("tasks"),
		running: make(map[persistent.TaskID]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a running task. The returned context is canceled when
// the task is; done must be called when the task returns.
func (r *Registry) Register(ctx context.Context, id persistent.TaskID, action string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, errors.New(errors.ErrCodeUnavailable, "task registry closed")
	}
	if _, ok := r.running[id]; ok {
		return nil, nil, errors.New(errors.ErrCodeAlreadyExists,
			fmt.Sprintf("task %d already running", id), errors.WithTaskID(id))
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	e := &entry{
		info: Info{
			ID:        id,
			Action:    action,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	r.running[id] = e

	var once sync.Once
	done := func() {
		once.Do(func() {
			r.mu.Lock()
			if r.running[id] == e {
				delete(r.running, id)
			}
			r.mu.Unlock()
			cancel(nil)
		})
	}
	return taskCtx, done, nil
}

// Run registers the task, runs fn with the task context and unregisters it.
// If the task was canceled, the cancellation cause is returned.
func (r *Registry) Run(ctx context.Context, id persistent.TaskID, action string, fn func(ctx context.Context) error) error {
	taskCtx, done, err := r.Register(ctx, id, action)
	if err != nil {
		return err
	}
	defer done()

	err = fn(taskCtx)
	if cause := context.Cause(taskCtx); cause != nil {
		return cause
	}
	return err
}

// Cancel cancels a task running on this node. Cancelling a task twice is
// not an error.
func (r *Registry) Cancel(ctx context.Context, target persistent.TaskTarget, reason string) error {
	if r.nodes == nil {
		return errors.NodeUnavailable("no node provider configured")
	}
	node, err := r.nodes.LocalNode()
	if err != nil {
		return err
	}
	if target.Node != node {
		return errors.InvalidInput(fmt.Sprintf("task %s is not on node %s", target, node),
			errors.WithNodeID(node), errors.WithTaskID(target.ID))
	}

	r.mu.Lock()
	e, ok := r.running[target.ID]
	if ok && !e.info.Canceled {
		e.info.Canceled = true
		e.info.Reason = reason
	}
	r.mu.Unlock()

	if !ok {
		return errors.NotFound(fmt.Sprintf("task %s is not running", target),
			errors.WithNodeID(node), errors.WithTaskID(target.ID))
	}

	e.cancel(errors.Canceled(reason, errors.WithNodeID(node), errors.WithTaskID(target.ID)))
	r.log.Info("task_canceled", map[string]interface{}{
		"task":   target.ID.String(),
		"reason": reason,
	})
	return nil
}

// List returns the running tasks ordered by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.running))
	for _, e := range r.running {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len returns the number of running tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Close cancels every running task and rejects new ones.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.running))
	for _, e := range r.running {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel(errors.Canceled(ShutdownReason, errors.WithTaskID(e.info.ID)))
	}
	return nil
}
