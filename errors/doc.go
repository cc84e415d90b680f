// Package errors provides the structured error taxonomy shared by the
// lifecycle dispatcher, the bus transport and the coordinator.
//
// # Error Categories
//
//   - Transient: the request may succeed later (timeouts, node not joined)
//   - Permanent: retrying the same request will not help (unknown task, bad transition)
//   - Internal: bugs or corrupted state
//
// # Crossing the Wire
//
// Coordinator rejections are *Error values. They marshal to JSON, travel
// back in the reply and are unmarshalled on the caller side, so a caller
// can branch on the code without knowing which node rejected the request:
//
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // task already removed
//	}
//
// The cause of an unmarshalled error only keeps its message.
package errors
