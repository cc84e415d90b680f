// Package tasks tracks the persistent tasks running on the local node so
// they can be cancelled by id.
//
// A task registers when it starts and gets a context that is cancelled,
// with an *errors.Error cause of code CANCELED, when a cancellation for it
// arrives:
//
//	reg := tasks.NewRegistry(membership)
//	err := reg.Run(ctx, id, "reindex", func(ctx context.Context) error {
//	    return reindex(ctx, params)
//	})
//	if errors.Is(err, errors.ErrCodeCanceled) {
//	    // removed while running
//	}
//
// Registry implements rpc.Canceller, so it can be served on the node's
// cancellation subject:
//
//	server.ServeCanceller(nodeID, reg)
//
// Cancellations are addressed by node and task id. A request for another
// node is rejected with INVALID_INPUT; a task that is not running is
// NOT_FOUND.
package tasks
