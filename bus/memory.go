package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process clusters.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        map[string][]*memorySub
	queueGroups map[string]map[string][]*memorySub // subject -> queue -> subs
	queueNext   map[string]*atomic.Uint64          // subject/queue -> round-robin cursor
	closed      atomic.Bool

	replyMu   sync.Mutex
	replySubs map[string]chan *Message
}

type memorySub struct {
	subject string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string][]*memorySub),
		queueNext:   make(map[string]*atomic.Uint64),
		replySubs:   make(map[string]chan *Message),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	if b.deliverToReply(subject, msg) {
		return nil
	}
	b.deliver(subject, msg)
	return nil
}

// deliver fans a message out to subscribers and one member per queue group.
// Returns the number of subscriptions that accepted it.
func (b *MemoryBus) deliver(subject string, msg *Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs[subject] {
		if sub.send(msg) {
			delivered++
		}
	}

	for queue, qsubs := range b.queueGroups[subject] {
		if len(qsubs) == 0 {
			continue
		}
		cursor := b.queueNext[subject+"|"+queue]
		start := int(cursor.Add(1))
		for i := 0; i < len(qsubs); i++ {
			if qsubs[(start+i)%len(qsubs)].send(msg) {
				delivered++
				break
			}
		}
	}

	return delivered
}

// deliverToReply hands a reply to a pending request, if subject is its inbox.
func (b *MemoryBus) deliverToReply(subject string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subject]
	if ok {
		delete(b.replySubs, subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := b.newSub(subject, "")

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := b.newSub(subject, queue)

	b.mu.Lock()
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string][]*memorySub)
	}
	b.queueGroups[subject][queue] = append(b.queueGroups[subject][queue], sub)
	if b.queueNext[subject+"|"+queue] == nil {
		b.queueNext[subject+"|"+queue] = &atomic.Uint64{}
	}
	b.mu.Unlock()

	return sub, nil
}

func (b *MemoryBus) newSub(subject, queue string) *memorySub {
	return &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
}

// Request sends a request and waits for a reply or ctx expiry.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	inbox := "_INBOX." + uuid.NewString()
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[inbox] = replyCh
	b.replyMu.Unlock()

	msg := &Message{
		Subject: subject,
		Data:    data,
		Reply:   inbox,
	}

	if b.deliver(subject, msg) == 0 {
		b.dropReply(inbox)
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		b.dropReply(inbox)
		return nil, requestError(ctx)
	}
}

func (b *MemoryBus) dropReply(inbox string) {
	b.replyMu.Lock()
	delete(b.replySubs, inbox)
	b.replyMu.Unlock()
}

// Closed reports whether Close has been called.
func (b *MemoryBus) Closed() bool {
	return b.closed.Load()
}

// Close shuts down the bus and ends every subscription.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, queues := range b.queueGroups {
		for _, subs := range queues {
			for _, sub := range subs {
				sub.close()
			}
		}
	}

	b.subs = make(map[string][]*memorySub)
	b.queueGroups = make(map[string]map[string][]*memorySub)

	return nil
}

// send offers msg without blocking; a full buffer drops it.
func (s *memorySub) send(msg *Message) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySub) close() {
	if !s.closed.Swap(true) {
		close(s.ch)
	}
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed.Load() {
		return nil
	}

	if s.queue == "" {
		s.bus.subs[s.subject] = removeSub(s.bus.subs[s.subject], s)
	} else if s.bus.queueGroups[s.subject] != nil {
		s.bus.queueGroups[s.subject][s.queue] = removeSub(s.bus.queueGroups[s.subject][s.queue], s)
	}

	s.close()
	return nil
}

func removeSub(subs []*memorySub, target *memorySub) []*memorySub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
