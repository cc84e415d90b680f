// Package persistent is the lifecycle facade for persistent tasks: units of
// background work whose state lives with the cluster coordinator so they
// survive the node running them.
//
// A Service turns six lifecycle intents into request values and hands them
// to an asynchronous Client:
//
//	Create                     persistent.create        -> new task id
//	Start                      persistent.start         -> same id
//	UpdateStatus               persistent.update_status -> same id
//	SendCompletionNotification persistent.complete      -> same id
//	SendCancellation           tasks.cancel             -> same id
//	Remove                     persistent.remove        -> same id
//
// # Outcomes
//
// Every call resolves its Listener exactly once. A request the client
// refuses up front (closed connection, encoding failure, even a panic)
// reaches Listener.OnFailure with the original cause; nothing is returned
// to or raised in the caller. Coordinator rejections arrive the same way,
// unchanged. The Service never retries and owns no timeouts.
//
//	f := persistent.NewFuture()
//	svc.Create(ctx, "reindex", params, f)
//	id, err := f.Get(ctx)
//
// # Cancellation
//
// SendCancellation targets the task as it runs on the local node, so it
// resolves the local node identity first. If that fails the listener gets
// the failure and no request is sent.
//
// # Ordering
//
// The Service keeps no state between calls. Calls for different tasks are
// independent. Calls for the same task reach the coordinator in no
// particular order: callers that need, say, Start to land before
// SendCancellation must wait for the first outcome before issuing the next.
package persistent
