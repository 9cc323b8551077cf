package messaging

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process broker with one partition per queue. It serves tests
// and single-process runs.
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string]*memoryQueue
	sendErr error
	closed  bool
	wake    chan struct{}
}

type memoryQueue struct {
	msgs  []Message
	next  int
	acked []int64
}

var _ Sink = (*MemoryBroker)(nil)

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memoryQueue),
		wake:   make(chan struct{}),
	}
}

// FailSends makes every Send return err until it is called again with nil.
func (b *MemoryBroker) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

func (b *MemoryBroker) Send(ctx context.Context, msgs ...Outgoing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	for _, m := range msgs {
		q := b.queue(m.Queue)
		headers := make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			headers[k] = v
		}
		q.msgs = append(q.msgs, Message{
			Queue:   m.Queue,
			Offset:  int64(len(q.msgs)),
			Key:     []byte(m.Key),
			Value:   m.Value,
			Headers: headers,
		})
	}
	b.signal()
	return nil
}

// Close wakes every waiting Fetch with ErrSourceClosed once its queue is drained.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.signal()
}

// Messages returns everything sent to a queue, acked or not.
func (b *MemoryBroker) Messages(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.queue(queue).msgs...)
}

// Acked returns the acked offsets of a queue in ack order.
func (b *MemoryBroker) Acked(queue string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.queue(queue).acked...)
}

// Source returns a reader for queue. Readers of one queue share its position.
func (b *MemoryBroker) Source(queue string) Source {
	return &memorySource{broker: b, queue: queue}
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{}
		b.queues[name] = q
	}
	return q
}

// signal must be called with mu held.
func (b *MemoryBroker) signal() {
	close(b.wake)
	b.wake = make(chan struct{})
}

type memorySource struct {
	broker *MemoryBroker
	queue  string
}

func (s *memorySource) Fetch(ctx context.Context) (Message, error) {
	for {
		s.broker.mu.Lock()
		q := s.broker.queue(s.queue)
		if q.next < len(q.msgs) {
			msg := q.msgs[q.next]
			q.next++
			s.broker.mu.Unlock()
			return msg, nil
		}
		closed, wake := s.broker.closed, s.broker.wake
		s.broker.mu.Unlock()
		if closed {
			return Message{}, ErrSourceClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wake:
		}
	}
}

func (s *memorySource) Ack(ctx context.Context, msg Message) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	q := s.broker.queue(s.queue)
	q.acked = append(q.acked, msg.Offset)
	return nil
}
