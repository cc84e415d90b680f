package persistent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/persistkit/logging"
)

// Listener receives the outcome of one lifecycle call.
// Exactly one of its methods is called, exactly once.
type Listener interface {
	OnResponse(id TaskID)
	OnFailure(err error)
}

// ListenerFuncs adapts a pair of functions to Listener.
// Nil fields ignore the corresponding outcome.
type ListenerFuncs struct {
	Response func(id TaskID)
	Failure  func(err error)
}

// OnResponse calls f.Response.
func (f ListenerFuncs) OnResponse(id TaskID) {
	if f.Response != nil {
		f.Response(id)
	}
}

// OnFailure calls f.Failure.
func (f ListenerFuncs) OnFailure(err error) {
	if f.Failure != nil {
		f.Failure(err)
	}
}

// Outcome is the result of a lifecycle call: a task id or a cause.
type Outcome struct {
	TaskID TaskID
	Err    error
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Future is a Listener that can be waited on.
type Future struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

// NewFuture creates an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// OnResponse resolves the future with id.
func (f *Future) OnResponse(id TaskID) {
	f.resolve(Outcome{TaskID: id})
}

// OnFailure resolves the future with err.
func (f *Future) OnFailure(err error) {
	f.resolve(Outcome{Err: err})
}

func (f *Future) resolve(o Outcome) {
	f.once.Do(func() {
		f.outcome = o
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends.
// The returned error is ctx's; the call's own failure is in Outcome.Err.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Get blocks until the future resolves or ctx ends and returns the task id
// or the first error.
func (f *Future) Get(ctx context.Context) (TaskID, error) {
	o, err := f.Wait(ctx)
	if err != nil {
		return 0, err
	}
	return o.TaskID, o.Err
}

// onceListener delivers at most one outcome to the wrapped listener.
type onceListener struct {
	l        Listener
	resolved atomic.Bool
	action   Action
	task     TaskID
	log      *logging.Logger
}

func guard(l Listener, action Action, task TaskID, log *logging.Logger) *onceListener {
	return &onceListener{l: l, action: action, task: task, log: log}
}

func (g *onceListener) claim(kind string) bool {
	if g.resolved.CompareAndSwap(false, true) {
		return true
	}
	g.log.Warn("duplicate_resolution", map[string]interface{}{
		"action": g.action.String(),
		"task":   g.task.String(),
		"kind":   kind,
	})
	return false
}

func (g *onceListener) OnResponse(id TaskID) {
	if !g.claim("response") || g.l == nil {
		return
	}
	g.l.OnResponse(id)
}

func (g *onceListener) OnFailure(err error) {
	if !g.claim("failure") || g.l == nil {
		return
	}
	g.l.OnFailure(err)
}
