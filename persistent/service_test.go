package persistent

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/persistkit/errors"
	"github.com/vinayprograms/persistkit/logging"
)

// ============================================================================
// Test doubles
// ============================================================================

// fakeClient records requests and answers them according to its fields.
type fakeClient struct {
	mu       sync.Mutex
	requests []Request

	// syncErr is returned from Execute without calling done.
	syncErr error
	// panicWith makes Execute panic.
	panicWith interface{}
	// reply produces the async answer; nil means never answer.
	reply func(Request) (Response, error)
	// extra calls done a second time with this error.
	extra error
	// alsoReturn makes Execute call done and then return this error.
	alsoReturn error
}

func (c *fakeClient) Execute(ctx context.Context, req Request, done func(Response, error)) error {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.panicWith != nil {
		panic(c.panicWith)
	}
	if c.syncErr != nil {
		return c.syncErr
	}
	if c.reply != nil {
		resp, err := c.reply(req)
		done(resp, err)
		if c.extra != nil {
			done(Response{}, c.extra)
		}
	}
	return c.alsoReturn
}

func (c *fakeClient) sent() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

// ack accepts every request; creates get id.
func ack(id TaskID) func(Request) (Response, error) {
	return func(req Request) (Response, error) {
		if req.Action() == ActionCreate {
			return Response{TaskID: id}, nil
		}
		return Response{TaskID: req.Task()}, nil
	}
}

func reject(err error) func(Request) (Response, error) {
	return func(Request) (Response, error) {
		return Response{}, err
	}
}

// recorder is a Listener that counts every call it gets.
type recorder struct {
	mu        sync.Mutex
	responses []TaskID
	failures  []error
}

func (r *recorder) OnResponse(id TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, id)
}

func (r *recorder) OnFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses) + len(r.failures)
}

type testParams struct {
	Index string `json:"index"`
}

func (p testParams) Validate() error {
	if p.Index == "" {
		return stderrors.New("index is required")
	}
	return nil
}

func staticNode(id string) NodeProvider {
	return NodeFunc(func() (string, error) { return id, nil })
}

func newTestService(c Client) *Service {
	return NewService(c, staticNode("node-1"), WithLogger(logging.Discard()))
}

// intent runs one lifecycle call against svc.
type intent struct {
	name   string
	action Action
	call   func(svc *Service, l Listener)
	wantID TaskID
}

func allIntents() []intent {
	ctx := context.Background()
	return []intent{
		{"create", ActionCreate, func(s *Service, l Listener) {
			s.Create(ctx, "reindex", testParams{Index: "a"}, l)
		}, 42},
		{"start", ActionStart, func(s *Service, l Listener) {
			s.Start(ctx, 7, l)
		}, 7},
		{"update status", ActionUpdateStatus, func(s *Service, l Listener) {
			s.UpdateStatus(ctx, 7, map[string]int{"done": 3}, l)
		}, 7},
		{"complete", ActionComplete, func(s *Service, l Listener) {
			s.SendCompletionNotification(ctx, 7, nil, l)
		}, 7},
		{"cancel", ActionCancel, func(s *Service, l Listener) {
			s.SendCancellation(ctx, 7, l)
		}, 7},
		{"remove", ActionRemove, func(s *Service, l Listener) {
			s.Remove(ctx, 7, l)
		}, 7},
	}
}

// ============================================================================
// LEVEL 1: Exactly-once resolution for every intent
// ============================================================================

func TestService_Success(t *testing.T) {
	for _, in := range allIntents() {
		t.Run(in.name, func(t *testing.T) {
			c := &fakeClient{reply: ack(42)}
			rec := &recorder{}

			in.call(newTestService(c), rec)

			if rec.calls() != 1 {
				t.Fatalf("listener called %d times, want 1", rec.calls())
			}
			if len(rec.responses) != 1 || rec.responses[0] != in.wantID {
				t.Errorf("responses = %v, want [%d]", rec.responses, in.wantID)
			}
			sent := c.sent()
			if len(sent) != 1 || sent[0].Action() != in.action {
				t.Errorf("sent = %v, want one %s request", sent, in.action)
			}
		})
	}
}

func TestService_SynchronousError(t *testing.T) {
	offline := stderrors.New("client offline")
	for _, in := range allIntents() {
		t.Run(in.name, func(t *testing.T) {
			rec := &recorder{}

			in.call(newTestService(&fakeClient{syncErr: offline}), rec)

			if rec.calls() != 1 {
				t.Fatalf("listener called %d times, want 1", rec.calls())
			}
			if len(rec.failures) != 1 || rec.failures[0] != offline {
				t.Errorf("failures = %v, want exactly the submission error", rec.failures)
			}
		})
	}
}

func TestService_Rejection(t *testing.T) {
	rejected := errors.NotFound("task 7 not found")
	for _, in := range allIntents() {
		t.Run(in.name, func(t *testing.T) {
			rec := &recorder{}

			in.call(newTestService(&fakeClient{reply: reject(rejected)}), rec)

			if rec.calls() != 1 {
				t.Fatalf("listener called %d times, want 1", rec.calls())
			}
			if len(rec.failures) != 1 || rec.failures[0] != rejected {
				t.Errorf("failures = %v, want the rejection unchanged", rec.failures)
			}
		})
	}
}

func TestService_ClientPanics(t *testing.T) {
	for _, in := range allIntents() {
		t.Run(in.name, func(t *testing.T) {
			rec := &recorder{}

			func() {
				defer func() {
					if r := recover(); r != nil {
						t.Fatalf("panic escaped: %v", r)
					}
				}()
				in.call(newTestService(&fakeClient{panicWith: "codec exploded"}), rec)
			}()

			if len(rec.failures) != 1 {
				t.Fatalf("failures = %v, want 1", rec.failures)
			}
			if !errors.Is(rec.failures[0], errors.ErrCodePanic) {
				t.Errorf("failure code = %s, want PANIC", errors.Code(rec.failures[0]))
			}
		})
	}
}

func TestService_MisbehavingClient(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
		wantOK bool
	}{
		{"double callback", &fakeClient{reply: ack(42), extra: stderrors.New("late")}, true},
		{"callback and returned error", &fakeClient{reply: ack(42), alsoReturn: stderrors.New("late")}, true},
		{"failure then success", &fakeClient{reply: reject(stderrors.New("no")), extra: nil, alsoReturn: stderrors.New("again")}, false},
	}

	for _, tt := range tests {
		for _, in := range allIntents() {
			t.Run(tt.name+"/"+in.name, func(t *testing.T) {
				tt.client.requests = nil
				rec := &recorder{}

				in.call(newTestService(tt.client), rec)

				if rec.calls() != 1 {
					t.Fatalf("listener called %d times, want 1", rec.calls())
				}
				if ok := len(rec.responses) == 1; ok != tt.wantOK {
					t.Errorf("success = %v, want %v", ok, tt.wantOK)
				}
			})
		}
	}
}

func TestService_DuplicateResolutionLogged(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New()
	log.SetOutput(&buf)

	c := &fakeClient{reply: ack(42), extra: stderrors.New("late")}
	svc := NewService(c, staticNode("node-1"), WithLogger(log))
	svc.Start(context.Background(), 7, &recorder{})

	if !strings.Contains(buf.String(), "WARN") || !strings.Contains(buf.String(), "duplicate_resolution") {
		t.Errorf("expected a WARN duplicate_resolution line, got:\n%s", buf.String())
	}
}

func TestService_NilListener(t *testing.T) {
	for _, in := range allIntents() {
		t.Run(in.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("nil listener panicked: %v", r)
				}
			}()
			in.call(newTestService(&fakeClient{reply: ack(42)}), nil)
			in.call(newTestService(&fakeClient{syncErr: stderrors.New("x")}), nil)
		})
	}
}

func TestService_NilClient(t *testing.T) {
	rec := &recorder{}
	NewService(nil, staticNode("n"), WithLogger(logging.Discard())).Remove(context.Background(), 7, rec)

	if len(rec.failures) != 1 || !errors.Is(rec.failures[0], errors.ErrCodeUnavailable) {
		t.Errorf("failures = %v, want one UNAVAILABLE", rec.failures)
	}
}

// ============================================================================
// LEVEL 2: Asynchronous delivery
// ============================================================================

// asyncClient answers from another goroutine after a short delay.
type asyncClient struct {
	reply func(Request) (Response, error)
}

func (c *asyncClient) Execute(ctx context.Context, req Request, done func(Response, error)) error {
	go func() {
		time.Sleep(5 * time.Millisecond)
		done(c.reply(req))
	}()
	return nil
}

func TestService_AsyncFuture(t *testing.T) {
	svc := newTestService(&asyncClient{reply: ack(42)})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	f := NewFuture()
	svc.Create(ctx, "reindex", testParams{Index: "a"}, f)

	id, err := f.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
}

func TestService_ConcurrentCallers(t *testing.T) {
	svc := newTestService(&asyncClient{reply: ack(42)})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 50
	futures := make([]*Future, n)
	for i := 0; i < n; i++ {
		futures[i] = NewFuture()
		go svc.Start(ctx, TaskID(i+1), futures[i])
	}

	for i, f := range futures {
		id, err := f.Get(ctx)
		if err != nil {
			t.Fatalf("future %d: %v", i, err)
		}
		if id != TaskID(i+1) {
			t.Errorf("future %d resolved with %d", i, id)
		}
	}
}

func TestFuture_WaitTimeout(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestFuture_FirstOutcomeWins(t *testing.T) {
	f := NewFuture()
	f.OnResponse(1)
	f.OnFailure(stderrors.New("late"))
	f.OnResponse(2)

	o, _ := f.Wait(context.Background())
	if !o.OK() || o.TaskID != 1 {
		t.Errorf("outcome = %+v, want task 1", o)
	}
}

// ============================================================================
// LEVEL 3: Cancellation addressing
// ============================================================================

func TestService_CancelTarget(t *testing.T) {
	c := &fakeClient{reply: ack(0)}
	svc := NewService(c, staticNode("node-9"), WithLogger(logging.Discard()))

	svc.SendCancellation(context.Background(), 42, &recorder{})

	sent := c.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(sent))
	}
	req, ok := sent[0].(CancelTasksRequest)
	if !ok {
		t.Fatalf("sent %T, want CancelTasksRequest", sent[0])
	}
	want := TaskTarget{Node: "node-9", ID: 42}
	if req.Target != want {
		t.Errorf("target = %v, want %v", req.Target, want)
	}
	if req.Reason != "persistent action was removed" {
		t.Errorf("reason = %q", req.Reason)
	}
}

func TestService_CancelNodeUnavailable(t *testing.T) {
	notJoined := errors.NodeUnavailable("local node has not joined")
	tests := []struct {
		name  string
		nodes NodeProvider
		check func(t *testing.T, err error)
	}{
		{"lookup error", NodeFunc(func() (string, error) { return "", notJoined }), func(t *testing.T, err error) {
			if err != notJoined {
				t.Errorf("failure = %v, want the lookup error", err)
			}
		}},
		{"lookup panics", NodeFunc(func() (string, error) { panic("no cluster state") }), func(t *testing.T, err error) {
			if !errors.Is(err, errors.ErrCodePanic) {
				t.Errorf("failure = %v, want PANIC", err)
			}
		}},
		{"no provider", nil, func(t *testing.T, err error) {
			if !errors.Is(err, errors.ErrCodeNodeUnavailable) {
				t.Errorf("failure = %v, want NODE_UNAVAILABLE", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeClient{reply: ack(0)}
			svc := NewService(c, tt.nodes, WithLogger(logging.Discard()))
			rec := &recorder{}

			svc.SendCancellation(context.Background(), 42, rec)

			if len(c.sent()) != 0 {
				t.Errorf("request submitted despite node failure")
			}
			if rec.calls() != 1 || len(rec.failures) != 1 {
				t.Fatalf("responses=%v failures=%v, want one failure", rec.responses, rec.failures)
			}
			tt.check(t, rec.failures[0])
		})
	}
}

// ============================================================================
// LEVEL 4: Request construction
// ============================================================================

func TestService_CreateDefaults(t *testing.T) {
	short := &fakeClient{reply: ack(42)}
	long := &fakeClient{reply: ack(42)}
	params := testParams{Index: "a"}

	newTestService(short).Create(context.Background(), "reindex", params, &recorder{})
	newTestService(long).Create(context.Background(), "reindex", params, &recorder{},
		WithStopped(false), WithRemoveOnCompletion(true))

	a, b := short.sent()[0].(CreateRequest), long.sent()[0].(CreateRequest)
	if a != b {
		t.Errorf("default create %+v differs from explicit %+v", a, b)
	}
	if a.Stopped || !a.RemoveOnCompletion {
		t.Errorf("defaults = stopped:%v removeOnCompletion:%v", a.Stopped, a.RemoveOnCompletion)
	}
}

func TestService_CreateOptions(t *testing.T) {
	c := &fakeClient{reply: ack(42)}
	newTestService(c).Create(context.Background(), "reindex", testParams{Index: "a"}, &recorder{},
		WithStopped(true), WithRemoveOnCompletion(false))

	req := c.sent()[0].(CreateRequest)
	if req.TaskAction != "reindex" || !req.Stopped || req.RemoveOnCompletion {
		t.Errorf("request = %+v", req)
	}
}

func TestService_CompletionFailureCarried(t *testing.T) {
	c := &fakeClient{reply: ack(0)}
	newTestService(c).SendCompletionNotification(context.Background(), 42, stderrors.New("disk full"), &recorder{})

	req := c.sent()[0].(CompletionRequest)
	if req.Failure == nil {
		t.Fatal("failure not carried")
	}
	if req.Failure.Message() != "disk full" {
		t.Errorf("failure message = %q", req.Failure.Message())
	}
}

type explodingError struct{}

func (explodingError) Error() string { panic("error text unavailable") }

func TestService_CompletionFailureUnconvertible(t *testing.T) {
	tests := []struct {
		name    string
		failure error
	}{
		{"typed nil", (*os.PathError)(nil)},
		{"Error panics", explodingError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeClient{reply: ack(0)}
			rec := &recorder{}

			func() {
				defer func() {
					if r := recover(); r != nil {
						t.Fatalf("panic escaped: %v", r)
					}
				}()
				newTestService(c).SendCompletionNotification(context.Background(), 42, tt.failure, rec)
			}()

			if len(c.sent()) != 0 {
				t.Error("request submitted despite unconvertible failure")
			}
			if rec.calls() != 1 || len(rec.failures) != 1 {
				t.Fatalf("responses=%v failures=%v, want one failure", rec.responses, rec.failures)
			}
			if !errors.Is(rec.failures[0], errors.ErrCodePanic) {
				t.Errorf("failure = %v, want PANIC", rec.failures[0])
			}
		})
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"create", CreateRequest{TaskAction: "reindex", Params: testParams{Index: "a"}}, false},
		{"create without params", CreateRequest{TaskAction: "reindex"}, false},
		{"create without action", CreateRequest{Params: testParams{Index: "a"}}, true},
		{"create bad params", CreateRequest{TaskAction: "reindex", Params: testParams{}}, true},
		{"start", StartRequest{TaskID: 1}, false},
		{"start zero id", StartRequest{}, true},
		{"update negative id", UpdateStatusRequest{TaskID: -1}, true},
		{"complete", CompletionRequest{TaskID: 3}, false},
		{"remove", RemoveRequest{TaskID: 3}, false},
		{"cancel", CancelTasksRequest{Target: TaskTarget{Node: "n", ID: 3}}, false},
		{"cancel without node", CancelTasksRequest{Target: TaskTarget{ID: 3}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("code = %s, want INVALID_INPUT", errors.Code(err))
			}
		})
	}
}

// ============================================================================
// LEVEL 5: Scenarios
// ============================================================================

func TestScenario_CreateAssignsID(t *testing.T) {
	rec := &recorder{}
	newTestService(&fakeClient{reply: ack(42)}).Create(context.Background(), "my-task", testParams{Index: "a"}, rec)

	if len(rec.responses) != 1 || rec.responses[0] != 42 || len(rec.failures) != 0 {
		t.Errorf("responses=%v failures=%v, want OnResponse(42) once", rec.responses, rec.failures)
	}
}

func TestScenario_CompletionWithFailureAcknowledged(t *testing.T) {
	rec := &recorder{}
	newTestService(&fakeClient{reply: ack(0)}).SendCompletionNotification(context.Background(), 42,
		errors.New(errors.ErrCodeTaskFailed, "shard lost"), rec)

	if len(rec.responses) != 1 || rec.responses[0] != 42 || len(rec.failures) != 0 {
		t.Errorf("responses=%v failures=%v, want OnResponse(42) once", rec.responses, rec.failures)
	}
}

func TestScenario_RemoveWhileOffline(t *testing.T) {
	offline := stderrors.New("client is offline")
	rec := &recorder{}
	newTestService(&fakeClient{syncErr: offline}).Remove(context.Background(), 42, rec)

	if len(rec.responses) != 0 || len(rec.failures) != 1 || rec.failures[0] != offline {
		t.Errorf("responses=%v failures=%v, want OnFailure(offline) once", rec.responses, rec.failures)
	}
}
