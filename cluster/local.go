package cluster

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/persistkit/errors"
	"github.com/vinayprograms/persistkit/persistent"
)

// NodeInfo describes a cluster member.
type NodeInfo struct {
	// ID uniquely identifies the node. It is used in bus subjects, so it
	// may not contain dots, spaces or wildcards.
	ID string

	// Name is a human-readable name for the node.
	Name string

	// Metadata contains additional key-value pairs.
	Metadata map[string]string

	// JoinedAt is when the node joined.
	JoinedAt time.Time
}

// EventType represents the type of membership event.
type EventType string

const (
	EventJoined EventType = "joined"
	EventLeft   EventType = "left"
)

// Event represents a change in local membership.
type Event struct {
	Type EventType
	Node NodeInfo
}

// ValidateNodeInfo checks that info can identify a node.
func ValidateNodeInfo(info NodeInfo) error {
	if info.ID == "" {
		return errors.InvalidInput("node id is required")
	}
	if strings.ContainsAny(info.ID, ". \t\r\n*>") {
		return errors.InvalidInput(fmt.Sprintf("node id %q contains reserved characters", info.ID))
	}
	return nil
}

// Local holds the identity of the node this process runs as.
// It implements persistent.NodeProvider.
type Local struct {
	mu       sync.RWMutex
	node     *NodeInfo
	watchers []chan Event
	closed   bool
}

var _ persistent.NodeProvider = (*Local)(nil)

// NewLocal creates a membership that has not joined yet.
func NewLocal() *Local {
	return &Local{}
}

// Join makes info the local node. Joining again replaces the identity.
func (l *Local) Join(info NodeInfo) error {
	if err := ValidateNodeInfo(info); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New(errors.ErrCodeUnavailable, "membership closed")
	}
	if l.node != nil {
		l.notify(Event{Type: EventLeft, Node: *l.node})
	}

	info.JoinedAt = time.Now()
	l.node = &info
	l.notify(Event{Type: EventJoined, Node: info})
	return nil
}

// Leave forgets the local node identity.
func (l *Local) Leave() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.node == nil {
		return errors.NodeUnavailable("local node has not joined")
	}
	l.notify(Event{Type: EventLeft, Node: *l.node})
	l.node = nil
	return nil
}

// LocalNode returns the local node id, or NODE_UNAVAILABLE before Join.
func (l *Local) LocalNode() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.node == nil {
		return "", errors.NodeUnavailable("local node has not joined")
	}
	return l.node.ID, nil
}

// Info returns the local node, if joined.
func (l *Local) Info() (NodeInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.node == nil {
		return NodeInfo{}, false
	}
	return *l.node, true
}

// Watch returns a channel of membership events.
// The channel is closed when the membership is closed.
func (l *Local) Watch() (<-chan Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errors.New(errors.ErrCodeUnavailable, "membership closed")
	}
	ch := make(chan Event, 16)
	l.watchers = append(l.watchers, ch)
	return ch, nil
}

// Close leaves the cluster and closes all watchers.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	if l.node != nil {
		l.notify(Event{Type: EventLeft, Node: *l.node})
		l.node = nil
	}
	l.closed = true
	for _, ch := range l.watchers {
		close(ch)
	}
	l.watchers = nil
	return nil
}

// notify sends an event to all watchers. Caller must hold the lock.
func (l *Local) notify(event Event) {
	for _, ch := range l.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}
