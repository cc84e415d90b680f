// Package shutdown tears a node down in ordered phases.
//
// A node stops in four phases, lowest first:
//
//	PhaseIntake     stop serving lifecycle requests
//	PhaseTasks      cancel tasks still running on the node
//	PhaseTransport  leave the cluster and close the bus
//	PhaseStorage    close the task store
//
// Handlers in the same phase run concurrently. Every handler shares the
// deadline of the context passed to Run; once it expires the remaining
// phases are skipped and Run returns ErrTimeout.
//
//	seq := shutdown.New(shutdown.DefaultConfig())
//	seq.Register("rpc-server", shutdown.PhaseIntake, shutdown.Closer(server))
//	seq.Register("bus", shutdown.PhaseTransport, shutdown.Closer(b))
//	seq.HandleSignals()
//	<-seq.Done()
package shutdown
