package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/persistkit/logging"
)

// Phases of a node shutdown. Lower phases run first.
const (
	PhaseIntake    = 10
	PhaseTasks     = 20
	PhaseTransport = 30
	PhaseStorage   = 40
)

var (
	// ErrAlreadyShutdown is returned by Run after the first call.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout is returned when the deadline expires between phases.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed is returned when one or more handlers fail.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Handler releases one component.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer to Handler. The context is not consulted.
func Closer(c io.Closer) Handler {
	return HandlerFunc(func(context.Context) error {
		return c.Close()
	})
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Sequence.
type Config struct {
	// Timeout bounds a signal-triggered shutdown.
	// Default: 30 seconds
	Timeout time.Duration

	// ContinueOnError keeps running later phases after a handler fails.
	// When false, a failure also cancels the context of the other handlers
	// in its phase.
	// Default: true
	ContinueOnError bool

	// Logger receives one line per handler. Default: component "shutdown".
	Logger *logging.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	phase   int
	handler Handler
}

// Sequence runs registered handlers phase by phase, once.
type Sequence struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	done     chan struct{}
	result   *Result
	signals  chan os.Signal
}

// New creates an empty sequence.
func New(cfg Config) *Sequence {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New().WithComponent("shutdown")
	}
	return &Sequence{
		config:  cfg,
		log:     log,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler to phase.
func (s *Sequence) Register(name string, phase int, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, registration{name: name, phase: phase, handler: h})
}

// RegisterFunc adds a function to phase.
func (s *Sequence) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	s.Register(name, phase, HandlerFunc(fn))
}

// Run runs every phase in order. Only the first call does any work.
func (s *Sequence) Run(ctx context.Context) (*Result, error) {
	ran := false
	s.once.Do(func() {
		ran = true
		s.result = s.run(ctx)
		close(s.done)
	})
	if !ran {
		return nil, ErrAlreadyShutdown
	}
	return s.result, s.result.Err
}

// HandleSignals runs the sequence with the configured timeout on SIGTERM
// or SIGINT.
func (s *Sequence) HandleSignals() {
	signal.Notify(s.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-s.signals:
			s.log.Info("signal_received", map[string]interface{}{"signal": sig.String()})
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
			defer cancel()
			s.Run(ctx)
		case <-s.done:
		}
		signal.Stop(s.signals)
	}()
}

// Done is closed when the sequence has finished.
func (s *Sequence) Done() <-chan struct{} {
	return s.done
}

// Result returns the outcome, or nil before Done is closed.
func (s *Sequence) Result() *Result {
	select {
	case <-s.done:
		return s.result
	default:
		return nil
	}
}

func (s *Sequence) run(ctx context.Context) *Result {
	start := time.Now()

	s.mu.Lock()
	handlers := make([]registration, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			break
		}
		phase, err := s.runPhase(ctx, group)
		result.Results = append(result.Results, phase...)
		if err != nil {
			result.Err = ErrHandlerFailed
			break
		}
		for _, hr := range phase {
			if hr.Err != nil {
				result.Err = ErrHandlerFailed
			}
		}
	}
	result.TotalDuration = time.Since(start)
	return result
}

// runPhase runs one phase concurrently. Unless ContinueOnError is set, the
// first failing handler cancels the context of the rest of its phase and
// is returned.
func (s *Sequence) runPhase(ctx context.Context, group []registration) ([]HandlerResult, error) {
	results := make([]HandlerResult, len(group))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range group {
		g.Go(func() error {
			start := time.Now()
			err := r.handler.OnShutdown(gctx)
			results[i] = HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}

			fields := map[string]interface{}{
				"handler":  r.name,
				"phase":    r.phase,
				"duration": results[i].Duration.Round(time.Millisecond).String(),
			}
			if err == nil {
				s.log.Debug("handler_done", fields)
				return nil
			}
			fields["error"] = err.Error()
			s.log.Warn("handler_failed", fields)
			if s.config.ContinueOnError {
				return nil
			}
			return fmt.Errorf("%s: %w", r.name, err)
		})
	}
	return results, g.Wait()
}

// groupByPhase splits handlers sorted by phase into one slice per phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
