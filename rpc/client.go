package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/persistkit/bus"
	"github.com/vinayprograms/persistkit/errors"
	"github.com/vinayprograms/persistkit/logging"
	"github.com/vinayprograms/persistkit/persistent"
)

// Config holds settings shared by Client and Server.
type Config struct {
	// Prefix is prepended to every subject.
	// Default: "persistkit"
	Prefix string

	// Queue is the queue group coordinators join.
	// Default: "coordinators"
	Queue string

	// RequestTimeout bounds a request whose context has no deadline, and
	// each request handled by a Server.
	// Default: 10s
	RequestTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:         "persistkit",
		Queue:          "coordinators",
		RequestTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.Queue == "" {
		c.Queue = d.Queue
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// Option configures a Client or Server.
type Option func(*options)

type options struct {
	log *logging.Logger
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{log: logging.New()}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.WithComponent(component)
	return o
}

// Client sends lifecycle requests over a MessageBus.
// It implements persistent.Client.
type Client struct {
	bus      bus.MessageBus
	subjects Subjects
	timeout  time.Duration
	log      *logging.Logger
	wg       sync.WaitGroup
}

var _ persistent.Client = (*Client)(nil)

// NewClient creates a client on b.
func NewClient(b bus.MessageBus, cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	o := buildOptions("rpc.client", opts)
	return &Client{
		bus:      b,
		subjects: Subjects{Prefix: cfg.Prefix},
		timeout:  cfg.RequestTimeout,
		log:      o.log,
	}
}

// Execute validates and encodes req, then sends it in the background.
// Errors found before sending are returned and done is not called.
func (c *Client) Execute(ctx context.Context, req persistent.Request, done func(persistent.Response, error)) error {
	if c.bus.Closed() {
		return bus.ErrClosed
	}
	if err := req.Validate(); err != nil {
		return err
	}
	subject, err := c.subjects.Route(req)
	if err != nil {
		return err
	}
	data, err := Encode(req)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		done(c.roundTrip(ctx, subject, data))
	}()
	return nil
}

func (c *Client) roundTrip(ctx context.Context, subject string, data []byte) (persistent.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.bus.Request(ctx, subject, data)
	if err != nil {
		c.log.Debug("request_failed", map[string]interface{}{
			"subject": subject,
			"error":   err.Error(),
		})
		return persistent.Response{}, err
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return persistent.Response{}, errors.WrapWithCode(err, errors.ErrCodeCorruption, "decode reply from "+subject)
	}
	if reply.Error != nil {
		return persistent.Response{}, reply.Error
	}
	return persistent.Response{TaskID: reply.TaskID}, nil
}

// Wait blocks until every request sent so far has called back.
func (c *Client) Wait() {
	c.wg.Wait()
}
