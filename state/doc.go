// Package state provides revisioned key-value storage for the cluster's
// persistent task records.
//
// Every write bumps the entry revision, and Update and Delete can be made
// conditional on the revision last read. Callers build read-modify-write
// loops on top of that instead of taking locks.
//
// # Backends
//
//   - NATSStore: NATS JetStream KV (production)
//   - MemoryStore: in-memory (tests and single-process clusters)
//
// # Usage
//
//	b, _ := bus.NewNATSBus(bus.NATSConfig{URL: "nats://localhost:4222"})
//	store, _ := state.NewNATSStore(ctx, state.NATSStoreConfig{
//	    Conn:   b.Conn(),
//	    Bucket: "persistent-tasks",
//	})
//
//	e, _ := store.Get(ctx, "task.42")
//	_, err := store.Update(ctx, "task.42", next, e.Revision)
//	if errors.Is(err, state.ErrRevisionMismatch) {
//	    // someone else wrote first; read again and retry
//	}
package state
