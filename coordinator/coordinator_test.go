package coordinator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/vinayprograms/persistkit/errors"
	"github.com/vinayprograms/persistkit/logging"
	"github.com/vinayprograms/persistkit/persistent"
	"github.com/vinayprograms/persistkit/rpc"
	"github.com/vinayprograms/persistkit/state"
)

var _ rpc.Coordinator = (*Coordinator)(nil)

type reindexParams struct {
	Index string `json:"index"`
}

func (p *reindexParams) Validate() error {
	if p.Index == "" {
		return stderrors.New("index is required")
	}
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	c := New(store, WithLogger(logging.Discard()))
	if err := c.Register("reindex", func() persistent.Params { return &reindexParams{} }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return c, store
}

var validParams = json.RawMessage(`{"index":"logs"}`)

func create(t *testing.T, c *Coordinator, stopped, removeOnCompletion bool) persistent.TaskID {
	t.Helper()
	id, err := c.CreateTask(context.Background(), "reindex", validParams, stopped, removeOnCompletion)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func mustState(t *testing.T, c *Coordinator, id persistent.TaskID, want State) *Task {
	t.Helper()
	task, err := c.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	if task.State != want {
		t.Fatalf("task %d state = %s, want %s", id, task.State, want)
	}
	return task
}

// ============================================================================
// LEVEL 1: Create
// ============================================================================

func TestCreate_AssignsSequentialIDs(t *testing.T) {
	c, _ := newTestCoordinator(t)

	for want := persistent.TaskID(1); want <= 3; want++ {
		if got := create(t, c, false, true); got != want {
			t.Errorf("id = %d, want %d", got, want)
		}
	}
}

func TestCreate_InitialState(t *testing.T) {
	c, _ := newTestCoordinator(t)

	started := mustState(t, c, create(t, c, false, true), StateStarted)
	if started.AllocationID != 1 {
		t.Errorf("started allocation = %d, want 1", started.AllocationID)
	}
	if started.Action != "reindex" || string(started.Params) != string(validParams) {
		t.Errorf("record = %+v", started)
	}
	if !started.RemoveOnCompletion {
		t.Error("RemoveOnCompletion not recorded")
	}

	stopped := mustState(t, c, create(t, c, true, false), StateStopped)
	if stopped.AllocationID != 0 {
		t.Errorf("stopped allocation = %d, want 0", stopped.AllocationID)
	}
}

func TestCreate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		action string
		params json.RawMessage
		want   errors.ErrorCode
	}{
		{"unknown action", "compact", validParams, errors.ErrCodeUnknownAction},
		{"invalid params", "reindex", json.RawMessage(`{"index":""}`), errors.ErrCodeInvalidInput},
		{"missing params", "reindex", nil, errors.ErrCodeInvalidInput},
		{"malformed params", "reindex", json.RawMessage(`{"index":`), errors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store := newTestCoordinator(t)

			_, err := c.CreateTask(context.Background(), tt.action, tt.params, false, true)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %s", err, tt.want)
			}
			keys, _ := store.Keys(context.Background(), "")
			if len(keys) != 0 {
				t.Errorf("rejected create left keys behind: %v", keys)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	c, _ := newTestCoordinator(t)

	err := c.Register("reindex", func() persistent.Params { return &reindexParams{} })
	if !errors.Is(err, errors.ErrCodeAlreadyExists) {
		t.Errorf("duplicate register: %v", err)
	}
	if err := c.Register("", nil); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("empty register: %v", err)
	}
}

// ============================================================================
// LEVEL 2: State machine
// ============================================================================

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	failure := errors.New(errors.ErrCodeTaskFailed, "shard lost")

	tests := []struct {
		name    string
		stopped bool
		steps   func(c *Coordinator, id persistent.TaskID) error
		want    State
		wantErr errors.ErrorCode
	}{
		{"start stopped", true, func(c *Coordinator, id persistent.TaskID) error {
			return c.StartTask(ctx, id)
		}, StateStarted, ""},
		{"start started", false, func(c *Coordinator, id persistent.TaskID) error {
			return c.StartTask(ctx, id)
		}, StateStarted, errors.ErrCodeConflict},
		{"complete ok", false, func(c *Coordinator, id persistent.TaskID) error {
			return c.CompleteTask(ctx, id, nil)
		}, StateCompleted, ""},
		{"complete failed", false, func(c *Coordinator, id persistent.TaskID) error {
			return c.CompleteTask(ctx, id, failure)
		}, StateFailed, ""},
		{"complete stopped", true, func(c *Coordinator, id persistent.TaskID) error {
			return c.CompleteTask(ctx, id, nil)
		}, StateStopped, errors.ErrCodeConflict},
		{"complete twice", false, func(c *Coordinator, id persistent.TaskID) error {
			c.CompleteTask(ctx, id, nil)
			return c.CompleteTask(ctx, id, nil)
		}, StateCompleted, errors.ErrCodeConflict},
		{"restart completed", false, func(c *Coordinator, id persistent.TaskID) error {
			c.CompleteTask(ctx, id, nil)
			return c.StartTask(ctx, id)
		}, StateStarted, ""},
		{"restart failed", false, func(c *Coordinator, id persistent.TaskID) error {
			c.CompleteTask(ctx, id, failure)
			return c.StartTask(ctx, id)
		}, StateStarted, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCoordinator(t)
			id := create(t, c, tt.stopped, false)

			err := tt.steps(c, id)
			if tt.wantErr == "" && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != "" && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %s", err, tt.wantErr)
			}
			mustState(t, c, id, tt.want)
		})
	}
}

func TestStart_BumpsAllocationAndClearsFailure(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	id := create(t, c, false, false)

	c.CompleteTask(ctx, id, errors.New(errors.ErrCodeTaskFailed, "boom"))
	failed := mustState(t, c, id, StateFailed)
	if failed.Failure == nil || failed.Failure.Message() != "boom" || failed.FinishedAt == nil {
		t.Fatalf("failed record = %+v", failed)
	}

	if err := c.StartTask(ctx, id); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	started := mustState(t, c, id, StateStarted)
	if started.AllocationID != 2 {
		t.Errorf("allocation = %d, want 2", started.AllocationID)
	}
	if started.Failure != nil || started.FinishedAt != nil {
		t.Errorf("restart kept stale outcome: %+v", started)
	}
}

func TestComplete_RemoveOnCompletion(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	id := create(t, c, false, true)

	if err := c.CompleteTask(ctx, id, nil); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if _, err := c.Get(ctx, id); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("expected record removed, got %v", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	id := create(t, c, true, false)

	status := json.RawMessage(`{"done":40,"total":100}`)
	if err := c.UpdateStatus(ctx, id, status); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	task := mustState(t, c, id, StateStopped)
	if string(task.Status) != string(status) {
		t.Errorf("status = %s, want %s", task.Status, status)
	}
}

func TestRemove(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	for _, stopped := range []bool{true, false} {
		id := create(t, c, stopped, false)
		if err := c.RemoveTask(ctx, id); err != nil {
			t.Fatalf("RemoveTask: %v", err)
		}
		if _, err := c.Get(ctx, id); !errors.Is(err, errors.ErrCodeNotFound) {
			t.Errorf("task %d still present: %v", id, err)
		}
	}
}

func TestUnknownTask(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	ops := map[string]func() error{
		"start":    func() error { return c.StartTask(ctx, 99) },
		"status":   func() error { return c.UpdateStatus(ctx, 99, nil) },
		"complete": func() error { return c.CompleteTask(ctx, 99, nil) },
		"remove":   func() error { return c.RemoveTask(ctx, 99) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, errors.ErrCodeNotFound) {
			t.Errorf("%s: error = %v, want NOT_FOUND", name, err)
		}
	}
}

func TestList(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		create(t, c, i%2 == 0, false)
	}

	all, err := c.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 11 {
		t.Fatalf("len = %d, want 11", len(all))
	}
	for i, task := range all {
		if task.ID != persistent.TaskID(i+1) {
			t.Errorf("all[%d].ID = %d, want ordered ids", i, task.ID)
		}
	}

	stopped, _ := c.List(ctx, StateStopped)
	if len(stopped) != 6 {
		t.Errorf("stopped = %d, want 6", len(stopped))
	}
}

// ============================================================================
// LEVEL 3: Failure and concurrency
// ============================================================================

func TestCorruptRecord(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	store.Create(ctx, "task.5", []byte("not json"))
	if _, err := c.Get(ctx, 5); !errors.Is(err, errors.ErrCodeCorruption) {
		t.Errorf("error = %v, want CORRUPTION", err)
	}
}

func TestClosedStore(t *testing.T) {
	c, store := newTestCoordinator(t)
	store.Close()

	_, err := c.CreateTask(context.Background(), "reindex", validParams, false, true)
	if !errors.Is(err, errors.ErrCodeUnavailable) {
		t.Errorf("error = %v, want UNAVAILABLE", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("closed store error should be retryable")
	}
}

func TestConcurrentCreates_UniqueIDs(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	// Two coordinators sharing one store.
	coords := []*Coordinator{
		New(store, WithLogger(logging.Discard()), WithMaxRetries(1000)),
		New(store, WithLogger(logging.Discard()), WithMaxRetries(1000)),
	}
	for _, c := range coords {
		c.Register("reindex", func() persistent.Params { return &reindexParams{} })
	}

	const n = 40
	ids := make(chan persistent.TaskID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			id, err := c.CreateTask(context.Background(), "reindex", validParams, false, true)
			if err != nil {
				t.Errorf("CreateTask: %v", err)
				return
			}
			ids <- id
		}(coords[i%2])
	}
	wg.Wait()
	close(ids)

	seen := make(map[persistent.TaskID]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("got %d ids, want %d", len(seen), n)
	}
}

func TestConcurrentStatusUpdates(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	c := New(store, WithLogger(logging.Discard()), WithMaxRetries(1000))
	c.Register("reindex", func() persistent.Params { return &reindexParams{} })
	id := create(t, c, false, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.UpdateStatus(context.Background(), id, json.RawMessage(`{}`)); err != nil {
				t.Errorf("UpdateStatus: %v", err)
			}
		}()
	}
	wg.Wait()
	mustState(t, c, id, StateStarted)
}
