package persistent

import (
	"context"

	"github.com/vinayprograms/persistkit/errors"
	"github.com/vinayprograms/persistkit/logging"
)

// Service turns lifecycle intents into requests and resolves listeners.
// It holds no per-call state and is safe for concurrent use.
type Service struct {
	client Client
	nodes  NodeProvider
	log    *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		s.log = l.WithComponent("persistent")
	}
}

// NewService creates a Service that submits through client and resolves the
// local node through nodes.
func NewService(client Client, nodes NodeProvider, opts ...Option) *Service {
	s := &Service{
		client: client,
		nodes:  nodes,
		log:    logging.New().WithComponent("persistent"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOption adjusts a create request.
type CreateOption func(*CreateRequest)

// WithStopped records the task as stopped instead of starting it.
// Default: false
func WithStopped(stopped bool) CreateOption {
	return func(r *CreateRequest) {
		r.Stopped = stopped
	}
}

// WithRemoveOnCompletion controls whether the coordinator forgets the task
// when it completes. Default: true
func WithRemoveOnCompletion(remove bool) CreateOption {
	return func(r *CreateRequest) {
		r.RemoveOnCompletion = remove
	}
}

// NewCreateRequest builds a create request with defaults applied.
func NewCreateRequest(action string, params Params, opts ...CreateOption) CreateRequest {
	req := CreateRequest{
		TaskAction:         action,
		Params:             params,
		Stopped:            false,
		RemoveOnCompletion: true,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// Create records a new task of the given action type. On success l receives
// the id assigned by the coordinator.
func (s *Service) Create(ctx context.Context, action string, params Params, l Listener, opts ...CreateOption) {
	s.dispatch(ctx, NewCreateRequest(action, params, opts...), l, func(resp Response) TaskID {
		return resp.TaskID
	})
}

// Start starts a stopped or finished task.
func (s *Service) Start(ctx context.Context, id TaskID, l Listener) {
	s.dispatch(ctx, StartRequest{TaskID: id}, l, echo(id))
}

// UpdateStatus replaces the task's status.
func (s *Service) UpdateStatus(ctx context.Context, id TaskID, status any, l Listener) {
	s.dispatch(ctx, UpdateStatusRequest{TaskID: id, Status: status}, l, echo(id))
}

// SendCompletionNotification reports that the task finished, successfully
// when failure is nil. l learns whether the notification was accepted, not
// whether the task succeeded.
func (s *Service) SendCompletionNotification(ctx context.Context, id TaskID, failure error, l Listener) {
	f, err := completionFailure(failure)
	if err != nil {
		g := guard(l, ActionComplete, id, s.log)
		s.log.SubmitFailed(ActionComplete.String(), id.String(), err)
		g.OnFailure(err)
		return
	}
	s.dispatch(ctx, CompletionRequest{TaskID: id, Failure: f}, l, echo(id))
}

// completionFailure converts the reported failure to its wire form. The
// value comes from the caller, so its Error and Unwrap may panic.
func completionFailure(failure error) (f *errors.Error, err error) {
	if failure == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, errors.RecoverPanic(r)
		}
	}()
	return errors.From(failure), nil
}

// SendCancellation cancels the task as it runs on the local node.
// Nothing is sent if the local node cannot be resolved.
func (s *Service) SendCancellation(ctx context.Context, id TaskID, l Listener) {
	node, err := s.localNode()
	if err != nil {
		g := guard(l, ActionCancel, id, s.log)
		s.log.SubmitFailed(ActionCancel.String(), id.String(), err)
		g.OnFailure(err)
		return
	}
	req := CancelTasksRequest{
		Target: TaskTarget{Node: node, ID: id},
		Reason: CancelReason,
	}
	s.dispatch(ctx, req, l, echo(id))
}

// Remove deletes the task from the cluster.
func (s *Service) Remove(ctx context.Context, id TaskID, l Listener) {
	s.dispatch(ctx, RemoveRequest{TaskID: id}, l, echo(id))
}

func (s *Service) localNode() (node string, err error) {
	if s.nodes == nil {
		return "", errors.NodeUnavailable("no node provider configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return s.nodes.LocalNode()
}

// dispatch submits req and resolves l exactly once. result picks the id
// reported on success.
func (s *Service) dispatch(ctx context.Context, req Request, l Listener, result func(Response) TaskID) {
	g := guard(l, req.Action(), req.Task(), s.log)

	s.log.Dispatch(req.Action().String(), req.Task().String())
	err := s.submit(ctx, req, func(resp Response, err error) {
		if err != nil {
			s.log.Rejected(req.Action().String(), req.Task().String(), err)
			g.OnFailure(err)
			return
		}
		g.OnResponse(result(resp))
	})
	if err != nil {
		s.log.SubmitFailed(req.Action().String(), req.Task().String(), err)
		g.OnFailure(err)
	}
}

// submit hands req to the client, turning a panic into an error.
func (s *Service) submit(ctx context.Context, req Request, done func(Response, error)) (err error) {
	if s.client == nil {
		return errors.New(errors.ErrCodeUnavailable, "no client configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return s.client.Execute(ctx, req, done)
}

func echo(id TaskID) func(Response) TaskID {
	return func(Response) TaskID { return id }
}
