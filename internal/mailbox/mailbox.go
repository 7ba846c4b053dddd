// Package mailbox holds the per-instance response queues replies land in.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed  = errors.New("response queue closed")
	ErrMissing = errors.New("response queue not found")
)

// Message is one reply waiting to be consumed.
type Message struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	SenderID      string    `json:"sender_id"`
	Content       string    `json:"content"`
	At            time.Time `json:"at"`
}

// Queue is an unbounded FIFO with blocking, match-based receive.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	// notify is closed and replaced whenever the queue changes.
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{})}
}

// Push appends msg. Pushing onto a closed queue fails.
func (q *Queue) Push(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, msg)
	q.wakeLocked()
	return nil
}

// TryTake removes and returns the first message accepted by match.
func (q *Queue) TryTake(match func(Message) bool) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(match)
}

// WaitFor blocks until a message accepted by match arrives, the queue closes
// or ctx ends. Messages that do not match stay queued in order.
func (q *Queue) WaitFor(ctx context.Context, match func(Message) bool) (Message, error) {
	for {
		q.mu.Lock()
		if msg, ok := q.takeLocked(match); ok {
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Message{}, ErrClosed
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Drain removes and returns everything queued.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len reports the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every waiter; queued messages stay drainable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) takeLocked(match func(Message) bool) (Message, bool) {
	for i, msg := range q.items {
		if match == nil || match(msg) {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return msg, true
		}
	}
	return Message{}, false
}

func (q *Queue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Store maps participant ids to their queues.
type Store struct {
	queues sync.Map
}

func NewStore() *Store {
	return &Store{}
}

// Open creates the queue for id, or returns the existing one.
func (s *Store) Open(id string) *Queue {
	queue, _ := s.queues.LoadOrStore(id, NewQueue())
	return queue.(*Queue)
}

func (s *Store) Get(id string) (*Queue, bool) {
	queue, ok := s.queues.Load(id)
	if !ok {
		return nil, false
	}
	return queue.(*Queue), true
}

// Push enqueues msg for id.
func (s *Store) Push(id string, msg Message) error {
	queue, ok := s.Get(id)
	if !ok {
		return ErrMissing
	}
	return queue.Push(msg)
}

// Remove drains, closes and forgets id's queue, returning what was left.
func (s *Store) Remove(id string) []Message {
	queue, ok := s.queues.LoadAndDelete(id)
	if !ok {
		return nil
	}
	q := queue.(*Queue)
	q.Close()
	return q.Drain()
}
