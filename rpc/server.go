package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/persistkit/bus"
	"github.com/vinayprograms/persistkit/errors"
	"github.com/vinayprograms/persistkit/logging"
	"github.com/vinayprograms/persistkit/persistent"
)

// Coordinator owns the authoritative record of every persistent task.
// Failures should be *errors.Error so callers can tell rejections apart.
type Coordinator interface {
	CreateTask(ctx context.Context, action string, params json.RawMessage, stopped, removeOnCompletion bool) (persistent.TaskID, error)
	StartTask(ctx context.Context, id persistent.TaskID) error
	UpdateStatus(ctx context.Context, id persistent.TaskID, status json.RawMessage) error
	CompleteTask(ctx context.Context, id persistent.TaskID, failure *errors.Error) error
	RemoveTask(ctx context.Context, id persistent.TaskID) error
}

// Canceller cancels tasks running on one node.
type Canceller interface {
	Cancel(ctx context.Context, target persistent.TaskTarget, reason string) error
}

// Server answers lifecycle requests arriving on a MessageBus.
type Server struct {
	bus      bus.MessageBus
	subjects Subjects
	queue    string
	timeout  time.Duration
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   []bus.Subscription
	wg     sync.WaitGroup
	closed bool
}

// NewServer creates a server on b. Nothing is served until ServeCoordinator
// or ServeCanceller is called.
func NewServer(b bus.MessageBus, cfg Config, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	o := buildOptions("rpc.server", opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		bus:      b,
		subjects: Subjects{Prefix: cfg.Prefix},
		queue:    cfg.Queue,
		timeout:  cfg.RequestTimeout,
		log:      o.log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ServeCoordinator joins the coordinator queue group on every coordinator
// subject. Several servers may serve coordinators for the same prefix.
func (s *Server) ServeCoordinator(c Coordinator) error {
	h := &coordinatorHandler{c: c}
	for _, action := range persistent.Actions {
		if action == persistent.ActionCancel {
			continue
		}
		sub, err := s.bus.QueueSubscribe(s.subjects.For(action), s.queue)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", action, err)
		}
		s.serve(sub, h.handle)
	}
	return nil
}

// ServeCanceller answers cancellations addressed to node.
func (s *Server) ServeCanceller(node string, c Canceller) error {
	subject, err := s.subjects.Cancel(node)
	if err != nil {
		return err
	}
	sub, err := s.bus.Subscribe(subject)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.serve(sub, func(ctx context.Context, env *Envelope) (persistent.TaskID, error) {
		if env.Action != persistent.ActionCancel {
			return 0, errors.UnknownAction(string(env.Action))
		}
		var req persistent.CancelTasksRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return 0, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode cancel request")
		}
		if err := c.Cancel(ctx, req.Target, req.Reason); err != nil {
			return 0, err
		}
		return req.Target.ID, nil
	})
	return nil
}

type handlerFunc func(ctx context.Context, env *Envelope) (persistent.TaskID, error)

func (s *Server) serve(sub bus.Subscription, h handlerFunc) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range sub.Messages() {
			s.wg.Add(1)
			go func(msg *bus.Message) {
				defer s.wg.Done()
				s.handle(msg, h)
			}(msg)
		}
	}()
}

func (s *Server) handle(msg *bus.Message, h handlerFunc) {
	if msg.Reply == "" {
		s.log.Warn("request_without_reply", map[string]interface{}{"subject": msg.Subject})
		return
	}

	var reply Reply
	env, err := Decode(msg.Data)
	if err == nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		reply.TaskID, err = s.call(ctx, env, h)
		cancel()
	}
	if err != nil {
		reply = Reply{Error: toWire(err)}
		action := ""
		if env != nil {
			action = string(env.Action)
		}
		s.log.Debug("request_rejected", map[string]interface{}{
			"subject": msg.Subject,
			"action":  action,
			"code":    string(reply.Error.Code()),
		})
	}

	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("encode_reply", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := s.bus.Publish(msg.Reply, data); err != nil {
		s.log.Warn("reply_failed", map[string]interface{}{
			"subject": msg.Subject,
			"error":   err.Error(),
		})
	}
}

func (s *Server) call(ctx context.Context, env *Envelope, h handlerFunc) (id persistent.TaskID, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return h(ctx, env)
}

// Close stops serving and waits for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.wg.Wait()
	s.cancel()
	return nil
}

// toWire picks the *errors.Error to send back for err.
func toWire(err error) *errors.Error {
	if te := errors.AsTaskError(err); te != nil {
		if e, ok := te.(*errors.Error); ok {
			return e
		}
	}
	return errors.Wrap(err, err.Error())
}

// coordinatorHandler decodes the five coordinator requests.
type coordinatorHandler struct {
	c Coordinator
}

type createBody struct {
	Action             string          `json:"action"`
	Params             json.RawMessage `json:"params"`
	Stopped            bool            `json:"stopped"`
	RemoveOnCompletion bool            `json:"remove_on_completion"`
}

type statusBody struct {
	TaskID persistent.TaskID `json:"task_id"`
	Status json.RawMessage   `json:"status"`
}

func (h *coordinatorHandler) handle(ctx context.Context, env *Envelope) (persistent.TaskID, error) {
	switch env.Action {
	case persistent.ActionCreate:
		var body createBody
		if err := decodeBody(env, &body); err != nil {
			return 0, err
		}
		return h.c.CreateTask(ctx, body.Action, body.Params, body.Stopped, body.RemoveOnCompletion)

	case persistent.ActionStart:
		var req persistent.StartRequest
		if err := decodeBody(env, &req); err != nil {
			return 0, err
		}
		return req.TaskID, h.c.StartTask(ctx, req.TaskID)

	case persistent.ActionUpdateStatus:
		var body statusBody
		if err := decodeBody(env, &body); err != nil {
			return 0, err
		}
		return body.TaskID, h.c.UpdateStatus(ctx, body.TaskID, body.Status)

	case persistent.ActionComplete:
		var req persistent.CompletionRequest
		if err := decodeBody(env, &req); err != nil {
			return 0, err
		}
		return req.TaskID, h.c.CompleteTask(ctx, req.TaskID, req.Failure)

	case persistent.ActionRemove:
		var req persistent.RemoveRequest
		if err := decodeBody(env, &req); err != nil {
			return 0, err
		}
		return req.TaskID, h.c.RemoveTask(ctx, req.TaskID)
	}
	return 0, errors.UnknownAction(string(env.Action))
}

func decodeBody(env *Envelope, v interface{}) error {
	if err := json.Unmarshal(env.Body, v); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode "+string(env.Action)+" request")
	}
	return nil
}
