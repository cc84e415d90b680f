// Package node assembles a persistent task node from its configuration:
// bus, task store, coordinator, rpc server and client, membership, the
// running-task registry and the lifecycle service.
package node

import (
	"context"
	"fmt"

	"github.com/vinayprograms/persistkit/bus"
	"github.com/vinayprograms/persistkit/cluster"
	"github.com/vinayprograms/persistkit/config"
	"github.com/vinayprograms/persistkit/coordinator"
	"github.com/vinayprograms/persistkit/logging"
	"github.com/vinayprograms/persistkit/persistent"
	"github.com/vinayprograms/persistkit/rpc"
	"github.com/vinayprograms/persistkit/shutdown"
	"github.com/vinayprograms/persistkit/state"
	"github.com/vinayprograms/persistkit/tasks"
)

// Node is one running member of a persistkit cluster.
type Node struct {
	Bus         bus.MessageBus
	Store       state.Store
	Coordinator *coordinator.Coordinator
	Members     *cluster.Local
	Tasks       *tasks.Registry
	Service     *persistent.Service

	cfg    *config.Config
	log    *logging.Logger
	server *rpc.Server
	client *rpc.Client
	seq    *shutdown.Sequence
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the base logger. Its level is replaced by log.level.
func WithLogger(l *logging.Logger) Option {
	return func(n *Node) {
		n.log = l
	}
}

// Start builds and starts a node. When any step fails, whatever was
// already started is shut down again.
func Start(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, log: logging.New()}
	for _, opt := range opts {
		opt(n)
	}
	level, _ := logging.ParseLevel(cfg.Log.Level)
	n.log.SetLevel(level)
	n.seq = shutdown.New(shutdown.Config{
		Timeout:         cfg.Bus.RequestTimeout.Duration * 3,
		ContinueOnError: true,
		Logger:          n.log.WithComponent("shutdown"),
	})

	if err := n.start(ctx); err != nil {
		n.seq.Run(context.Background())
		return nil, err
	}
	n.log.WithComponent("node").Info("started", map[string]interface{}{
		"node":   cfg.Node.ID,
		"bus":    n.busName(),
		"prefix": cfg.Bus.SubjectPrefix,
	})
	return n, nil
}

func (n *Node) start(ctx context.Context) error {
	cfg := n.cfg

	if err := n.openBackends(ctx); err != nil {
		return err
	}

	n.Coordinator = coordinator.New(n.Store, coordinator.WithLogger(n.log))

	n.Members = cluster.NewLocal()
	n.seq.Register("cluster", shutdown.PhaseTransport, shutdown.Closer(n.Members))
	if err := n.Members.Join(cfg.NodeInfo()); err != nil {
		return err
	}

	n.Tasks = tasks.NewRegistry(n.Members, tasks.WithLogger(n.log))
	n.seq.Register("tasks", shutdown.PhaseTasks, shutdown.Closer(n.Tasks))

	rcfg := rpc.Config{
		Prefix:         cfg.Bus.SubjectPrefix,
		Queue:          cfg.Bus.Queue,
		RequestTimeout: cfg.Bus.RequestTimeout.Duration,
	}
	n.server = rpc.NewServer(n.Bus, rcfg, rpc.WithLogger(n.log))
	n.seq.Register("rpc-server", shutdown.PhaseIntake, shutdown.Closer(n.server))
	if err := n.server.ServeCoordinator(n.Coordinator); err != nil {
		return err
	}
	if err := n.server.ServeCanceller(cfg.Node.ID, n.Tasks); err != nil {
		return err
	}

	n.client = rpc.NewClient(n.Bus, rcfg, rpc.WithLogger(n.log))
	n.seq.RegisterFunc("rpc-client", shutdown.PhaseIntake, func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			n.client.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	n.Service = persistent.NewService(n.client, n.Members, persistent.WithLogger(n.log))
	return nil
}

// openBackends connects the bus and opens the task store. An empty bus
// URL selects the in-process pair.
func (n *Node) openBackends(ctx context.Context) error {
	cfg := n.cfg

	if cfg.InMemory() {
		n.Bus = bus.NewMemoryBus(bus.DefaultConfig())
		n.Store = state.NewMemoryStore()
		n.seq.Register("bus", shutdown.PhaseTransport, shutdown.Closer(n.Bus))
		n.seq.Register("store", shutdown.PhaseStorage, shutdown.Closer(n.Store))
		return nil
	}

	ncfg := bus.DefaultNATSConfig()
	ncfg.URL = cfg.Bus.URL
	ncfg.Name = cfg.Bus.Name
	nb, err := bus.NewNATSBus(ncfg)
	if err != nil {
		return err
	}
	n.Bus = nb
	n.seq.Register("bus", shutdown.PhaseTransport, shutdown.Closer(nb))

	scfg := state.DefaultNATSStoreConfig()
	scfg.Conn = nb.Conn()
	scfg.Bucket = cfg.Store.Bucket
	scfg.History = cfg.Store.History
	store, err := state.NewNATSStore(ctx, scfg)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	n.Store = store
	n.seq.Register("store", shutdown.PhaseStorage, shutdown.Closer(store))
	return nil
}

func (n *Node) busName() string {
	if n.cfg.InMemory() {
		return "memory"
	}
	return n.cfg.Bus.URL
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.cfg.Node.ID
}

// Register makes action a task type this node's coordinator accepts.
func (n *Node) Register(action string, factory coordinator.ParamsFactory) error {
	return n.Coordinator.Register(action, factory)
}

// HandleSignals shuts the node down on SIGTERM or SIGINT.
func (n *Node) HandleSignals() {
	n.seq.HandleSignals()
}

// Shutdown stops the node phase by phase: intake, running tasks,
// transport, storage.
func (n *Node) Shutdown(ctx context.Context) (*shutdown.Result, error) {
	return n.seq.Run(ctx)
}

// Done is closed once the node has shut down.
func (n *Node) Done() <-chan struct{} {
	return n.seq.Done()
}
