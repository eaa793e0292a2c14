package events

import (
	"context"
	"errors"
	"sync"
)

// ErrEventType is returned when publishing an event without a type.
var ErrEventType = errors.New("event type is required")

// Queue fans session events out to subscribers.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
	Close() error
}

// Subscription is an active event stream. Events is closed after Close.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryQueue returns a single-process queue. Publishing never blocks:
// events are dropped for subscribers whose buffer is full.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return ErrEventType
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{queue: q, ch: make(chan Event, q.buffer)}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	q.subs[sub] = struct{}{}
	return sub
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	subs := make([]*memorySubscription, 0, len(q.subs))
	for sub := range q.subs {
		subs = append(subs, sub)
	}
	q.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
