// Package coordinator keeps the authoritative state of persistent tasks.
//
// Records live in a state.Store under "task.<id>"; ids come from a
// revision-checked counter under "seq", so coordinators sharing a store
// never hand out the same id.
//
// # State Machine
//
//	event            from                        to
//	create           -                           started
//	create(stopped)  -                           stopped
//	start            stopped, completed, failed  started
//	complete         started                     completed
//	complete(error)  started                     failed
//
// Remove deletes a record in any state. Completing a task created with
// remove-on-completion deletes it too. Starting a started task, or
// completing one that is not started, is a CONFLICT. Unknown ids are
// NOT_FOUND.
//
// # Task Types
//
// Every create names a registered task type. Its params are decoded into
// the type's Params value and validated before an id is handed out:
//
//	c.Register("reindex", func() persistent.Params { return &ReindexParams{} })
package coordinator
