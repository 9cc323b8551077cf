package messaging

import (
	"context"
	"errors"
)

// ErrSourceClosed is returned by a Source once it has no more messages to hand out.
var ErrSourceClosed = errors.New("message source closed")

// Message is one delivery pulled from a queue.
type Message struct {
	Queue     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

// Outgoing is one message bound for a queue.
type Outgoing struct {
	Queue   string            `json:"queue"`
	Key     string            `json:"key"`
	Value   []byte            `json:"value"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Source hands out messages and takes acknowledgements. Ack must be called in
// delivery order per partition.
type Source interface {
	Fetch(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
}

// Sink writes messages to their queues.
type Sink interface {
	Send(ctx context.Context, msgs ...Outgoing) error
}

// Header names stamped on requeued and dead-lettered messages.
const (
	HeaderRequeues      = "x-requeues"
	HeaderError         = "x-error"
	HeaderErrorClass    = "x-error-class"
	HeaderAttempts      = "x-attempts"
	HeaderOriginalQueue = "x-original-queue"
	HeaderEventName     = "event_name"
)
