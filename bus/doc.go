// Package bus provides the message bus that carries lifecycle requests
// between cluster members.
//
// # Available Implementations
//
//   - NATSBus: production messaging using NATS
//   - MemoryBus: in-process implementation for tests and single-node setups
//
// # Request/Reply
//
// Lifecycle requests are sent with Request and answered by whoever owns the
// subject (a coordinator queue group, or a single node for cancellations):
//
//	// Responder
//	sub, _ := b.QueueSubscribe("cluster.persistent.start", "coordinators")
//	for msg := range sub.Messages() {
//	    b.Publish(msg.Reply, reply)
//	}
//
//	// Requester
//	reply, err := b.Request(ctx, "cluster.persistent.start", data)
//
// Request distinguishes "nobody is listening" (ErrNoResponders) from
// "nobody answered in time" (ErrTimeout), on both implementations.
//
// # Queue Groups
//
// Each message published to a subject is delivered to every plain
// subscriber and to exactly one member of each queue group, which lets
// several coordinators share the request load.
package bus
