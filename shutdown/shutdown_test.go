package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/persistkit/logging"
)

func newTestSequence(continueOnError bool) *Sequence {
	cfg := DefaultConfig()
	cfg.ContinueOnError = continueOnError
	cfg.Logger = logging.Discard()
	return New(cfg)
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) handler(name string, err error) HandlerFunc {
	return func(context.Context) error {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return err
	}
}

// ============================================================================
// LEVEL 1: Ordering
// ============================================================================

func TestRun_PhasesInOrder(t *testing.T) {
	seq := newTestSequence(true)
	rec := &recorder{}

	seq.Register("store", PhaseStorage, rec.handler("store", nil))
	seq.Register("server", PhaseIntake, rec.handler("server", nil))
	seq.Register("bus", PhaseTransport, rec.handler("bus", nil))
	seq.Register("tasks", PhaseTasks, rec.handler("tasks", nil))

	result, err := seq.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"server", "tasks", "bus", "store"}
	for i, name := range want {
		if rec.order[i] != name {
			t.Fatalf("order = %v, want %v", rec.order, want)
		}
	}
	if len(result.Results) != 4 || len(result.FailedHandlers()) != 0 {
		t.Errorf("result = %+v", result)
	}

	select {
	case <-seq.Done():
	default:
		t.Error("Done should be closed")
	}
	if seq.Result() != result {
		t.Error("Result should return the run's result")
	}
}

func TestRun_SamePhaseConcurrent(t *testing.T) {
	seq := newTestSequence(true)

	// Each handler waits for the other; sequential execution would deadlock.
	a, b := make(chan struct{}), make(chan struct{})
	seq.RegisterFunc("a", PhaseIntake, func(ctx context.Context) error {
		close(a)
		<-b
		return nil
	})
	seq.RegisterFunc("b", PhaseIntake, func(ctx context.Context) error {
		close(b)
		<-a
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := seq.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_Once(t *testing.T) {
	seq := newTestSequence(true)
	if _, err := seq.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := seq.Run(context.Background()); !errors.Is(err, ErrAlreadyShutdown) {
		t.Errorf("second Run = %v, want ErrAlreadyShutdown", err)
	}
}

// ============================================================================
// LEVEL 2: Failures
// ============================================================================

func TestRun_HandlerFailure(t *testing.T) {
	tests := []struct {
		name            string
		continueOnError bool
		wantOrder       []string
	}{
		{"continue", true, []string{"server", "bus"}},
		{"stop", false, []string{"server"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := newTestSequence(tt.continueOnError)
			rec := &recorder{}
			seq.Register("server", PhaseIntake, rec.handler("server", errors.New("boom")))
			seq.Register("bus", PhaseTransport, rec.handler("bus", nil))

			result, err := seq.Run(context.Background())
			if !errors.Is(err, ErrHandlerFailed) {
				t.Fatalf("err = %v, want ErrHandlerFailed", err)
			}
			if len(rec.order) != len(tt.wantOrder) {
				t.Errorf("order = %v, want %v", rec.order, tt.wantOrder)
			}
			if failed := result.FailedHandlers(); len(failed) != 1 || failed[0] != "server" {
				t.Errorf("failed = %v", failed)
			}
		})
	}
}

func TestRun_FailureCancelsPhase(t *testing.T) {
	seq := newTestSequence(false)
	rec := &recorder{}

	interrupted := make(chan error, 1)
	seq.Register("server", PhaseIntake, rec.handler("server", errors.New("boom")))
	seq.RegisterFunc("client", PhaseIntake, func(ctx context.Context) error {
		<-ctx.Done()
		interrupted <- ctx.Err()
		return ctx.Err()
	})
	seq.Register("bus", PhaseTransport, rec.handler("bus", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := seq.Run(ctx)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("err = %v, want ErrHandlerFailed", err)
	}
	if got := <-interrupted; !errors.Is(got, context.Canceled) {
		t.Errorf("sibling handler saw %v, want context.Canceled", got)
	}
	if len(rec.order) != 1 || rec.order[0] != "server" {
		t.Errorf("order = %v, later phases must not run", rec.order)
	}
	if len(result.Results) != 2 {
		t.Errorf("results = %+v, want both intake handlers", result.Results)
	}
}

func TestRun_ContinueOnErrorKeepsPhase(t *testing.T) {
	seq := newTestSequence(true)
	rec := &recorder{}

	seq.Register("server", PhaseIntake, rec.handler("server", errors.New("boom")))
	seq.RegisterFunc("client", PhaseIntake, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return nil
		}
	})

	result, err := seq.Run(context.Background())
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("err = %v, want ErrHandlerFailed", err)
	}
	if failed := result.FailedHandlers(); len(failed) != 1 || failed[0] != "server" {
		t.Errorf("failed = %v, want only server", failed)
	}
}

func TestRun_Timeout(t *testing.T) {
	seq := newTestSequence(true)
	rec := &recorder{}

	seq.RegisterFunc("slow", PhaseIntake, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	seq.Register("store", PhaseStorage, rec.handler("store", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := seq.Run(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if len(rec.order) != 0 {
		t.Errorf("later phases ran after timeout: %v", rec.order)
	}
	if len(result.Results) != 1 || result.Results[0].Err == nil {
		t.Errorf("results = %+v", result.Results)
	}
}

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestCloser(t *testing.T) {
	c := &closer{}
	if err := Closer(c).OnShutdown(context.Background()); err != nil || !c.closed {
		t.Errorf("Closer: err=%v closed=%v", err, c.closed)
	}
}
