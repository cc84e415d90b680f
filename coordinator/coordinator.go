package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/persistkit/errors"
	"github.com/vinayprograms/persistkit/logging"
	"github.com/vinayprograms/persistkit/persistent"
	"github.com/vinayprograms/persistkit/state"
)

const (
	// Key layout in the state store.
	taskPrefix = "task."
	seqKey     = "seq"
)

// ParamsFactory returns a fresh, pointer-typed Params value to decode a
// create payload into.
type ParamsFactory func() persistent.Params

// Coordinator keeps the authoritative record of every persistent task in a
// state.Store. Several coordinators may share one store; writes are
// revision-checked and retried.
type Coordinator struct {
	store      state.Store
	log        *logging.Logger
	maxRetries int
	now        func() time.Time

	mu    sync.RWMutex
	types map[string]ParamsFactory
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.log = l.WithComponent("coordinator")
	}
}

// WithMaxRetries bounds the retries of a write that lost a revision race.
// Default: 16
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a coordinator on store.
func New(store state.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		log:        logging.New().WithComponent("coordinator"),
		maxRetries: 16,
		now:        time.Now,
		types:      make(map[string]ParamsFactory),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register makes action a known task type. factory must return a pointer
// so create payloads can be decoded into it.
func (c *Coordinator) Register(action string, factory ParamsFactory) error {
	if action == "" || factory == nil {
		return errors.InvalidInput("register: action and factory are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.types[action]; ok {
		return errors.New(errors.ErrCodeAlreadyExists, fmt.Sprintf("task type %q already registered", action))
	}
	c.types[action] = factory
	return nil
}

// CreateTask validates params against the registered type and records a
// new task, started unless stopped is set.
func (c *Coordinator) CreateTask(ctx context.Context, action string, params json.RawMessage, stopped, removeOnCompletion bool) (persistent.TaskID, error) {
	c.mu.RLock()
	factory, ok := c.types[action]
	c.mu.RUnlock()
	if !ok {
		return 0, errors.UnknownAction(action)
	}
	if err := decodeParams(action, factory, params); err != nil {
		return 0, err
	}

	id, err := c.nextID(ctx)
	if err != nil {
		return 0, err
	}

	now := c.now()
	task := &Task{
		ID:                 id,
		Action:             action,
		Params:             params,
		State:              StateStarted,
		RemoveOnCompletion: removeOnCompletion,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if stopped {
		task.State = StateStopped
	} else {
		task.AllocationID = 1
	}

	data, err := json.Marshal(task)
	if err != nil {
		return 0, errors.Wrap(err, "encode task")
	}
	if _, err := c.store.Create(ctx, taskKey(id), data); err != nil {
		if stderrors.Is(err, state.ErrExists) {
			return 0, errors.New(errors.ErrCodeAlreadyExists, fmt.Sprintf("task %d already exists", id),
				errors.WithTaskID(id))
		}
		return 0, storeError(err, id)
	}

	c.log.Transition(id.String(), "", task.State.String())
	return id, nil
}

// StartTask moves a stopped or finished task to started.
func (c *Coordinator) StartTask(ctx context.Context, id persistent.TaskID) error {
	return c.modify(ctx, id, func(t *Task) (bool, error) {
		if err := c.fire(t, eventStart); err != nil {
			return false, err
		}
		t.AllocationID++
		t.Failure = nil
		t.FinishedAt = nil
		return false, nil
	})
}

// UpdateStatus stores the task's latest status.
func (c *Coordinator) UpdateStatus(ctx context.Context, id persistent.TaskID, status json.RawMessage) error {
	return c.modify(ctx, id, func(t *Task) (bool, error) {
		t.Status = status
		t.UpdatedAt = c.now()
		return false, nil
	})
}

// CompleteTask records that a started task finished. A nil failure means
// success. Tasks created with RemoveOnCompletion are deleted instead.
func (c *Coordinator) CompleteTask(ctx context.Context, id persistent.TaskID, failure *errors.Error) error {
	return c.modify(ctx, id, func(t *Task) (bool, error) {
		ev := eventSucceed
		if failure != nil {
			ev = eventFail
		}
		if err := c.fire(t, ev); err != nil {
			return false, err
		}
		now := c.now()
		t.Failure = failure
		t.FinishedAt = &now
		return t.RemoveOnCompletion, nil
	})
}

// RemoveTask deletes the task record in any state.
func (c *Coordinator) RemoveTask(ctx context.Context, id persistent.TaskID) error {
	return c.modify(ctx, id, func(t *Task) (bool, error) {
		return true, nil
	})
}

// Get returns a copy of the task record.
func (c *Coordinator) Get(ctx context.Context, id persistent.TaskID) (*Task, error) {
	task, _, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// List returns the tasks in the given state, ordered by id.
// An empty state returns every task.
func (c *Coordinator) List(ctx context.Context, st State) ([]*Task, error) {
	keys, err := c.store.Keys(ctx, taskPrefix)
	if err != nil {
		return nil, storeError(err, 0)
	}

	var tasks []*Task
	for _, key := range keys {
		n, err := strconv.ParseInt(strings.TrimPrefix(key, taskPrefix), 10, 64)
		if err != nil {
			continue
		}
		task, _, err := c.load(ctx, persistent.TaskID(n))
		if err != nil {
			// Removed between Keys and Get.
			continue
		}
		if st == "" || task.State == st {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (c *Coordinator) fire(t *Task, ev event) error {
	to, ok := next(t.State, ev)
	if !ok {
		return errors.Conflict(fmt.Sprintf("cannot %s task %d in state %s", ev, t.ID, t.State),
			errors.WithTaskID(t.ID),
			errors.WithMetadata("state", t.State.String()))
	}
	t.State = to
	t.UpdatedAt = c.now()
	return nil
}

// modify applies fn to the current record and writes the result back,
// or deletes the record when fn says so. Lost revision races are retried
// from a fresh read.
func (c *Coordinator) modify(ctx context.Context, id persistent.TaskID, fn func(*Task) (bool, error)) error {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "modify task", errors.WithTaskID(id))
		}

		task, rev, err := c.load(ctx, id)
		if err != nil {
			return err
		}
		from := task.State
		remove, err := fn(task)
		if err != nil {
			return err
		}

		to := task.State
		if remove {
			err = c.store.Delete(ctx, taskKey(id), rev)
			to = "removed"
		} else {
			var data []byte
			if data, err = json.Marshal(task); err != nil {
				return errors.Wrap(err, "encode task", errors.WithTaskID(id))
			}
			_, err = c.store.Update(ctx, taskKey(id), data, rev)
		}

		switch {
		case err == nil:
			if to != from {
				c.log.Transition(id.String(), from.String(), to.String())
			}
			return nil
		case stderrors.Is(err, state.ErrRevisionMismatch):
			continue
		default:
			return storeError(err, id)
		}
	}
	return errors.New(errors.ErrCodeUnavailable,
		fmt.Sprintf("task %d: too many concurrent updates", id),
		errors.WithTaskID(id))
}

func (c *Coordinator) load(ctx context.Context, id persistent.TaskID) (*Task, uint64, error) {
	e, err := c.store.Get(ctx, taskKey(id))
	if err != nil {
		return nil, 0, storeError(err, id)
	}
	var task Task
	if err := json.Unmarshal(e.Value, &task); err != nil {
		return nil, 0, errors.WrapWithCode(err, errors.ErrCodeCorruption,
			fmt.Sprintf("decode task %d", id), errors.WithTaskID(id))
	}
	return &task, e.Revision, nil
}

// nextID hands out task ids from a revision-checked counter.
func (c *Coordinator) nextID(ctx context.Context) (persistent.TaskID, error) {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		e, err := c.store.Get(ctx, seqKey)
		if stderrors.Is(err, state.ErrNotFound) {
			_, err = c.store.Create(ctx, seqKey, []byte("1"))
			if err == nil {
				return 1, nil
			}
			if stderrors.Is(err, state.ErrExists) {
				continue
			}
			return 0, storeError(err, 0)
		}
		if err != nil {
			return 0, storeError(err, 0)
		}

		n, err := strconv.ParseInt(string(e.Value), 10, 64)
		if err != nil {
			return 0, errors.WrapWithCode(err, errors.ErrCodeCorruption, "decode task sequence")
		}
		n++
		_, err = c.store.Update(ctx, seqKey, []byte(strconv.FormatInt(n, 10)), e.Revision)
		if err == nil {
			return persistent.TaskID(n), nil
		}
		if !stderrors.Is(err, state.ErrRevisionMismatch) {
			return 0, storeError(err, 0)
		}
	}
	return 0, errors.New(errors.ErrCodeUnavailable, "task sequence: too many concurrent creates")
}

func decodeParams(action string, factory ParamsFactory, raw json.RawMessage) error {
	p := factory()
	if p == nil {
		return errors.Internal(fmt.Sprintf("task type %q has a nil params factory", action))
	}
	if len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, p); err != nil {
			return errors.WrapWithCode(err, errors.ErrCodeInvalidInput,
				fmt.Sprintf("decode %s params", action))
		}
	}
	if err := p.Validate(); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput,
			fmt.Sprintf("invalid %s params: %v", action, err))
	}
	return nil
}

func storeError(err error, id persistent.TaskID) error {
	var opts []errors.Option
	if id != 0 {
		opts = append(opts, errors.WithTaskID(id))
	}
	switch {
	case stderrors.Is(err, state.ErrNotFound):
		return errors.NotFound(fmt.Sprintf("task %d not found", id), opts...)
	case stderrors.Is(err, state.ErrClosed):
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "state store closed", opts...)
	}
	return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "state store", opts...)
}

func taskKey(id persistent.TaskID) string {
	return taskPrefix + id.String()
}
