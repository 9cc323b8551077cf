package messaging

import (
	"context"
	"sync"
)

// Inbox remembers which events a consumer already handled so a redelivery is acked
// without running the handler again. Keys are scoped by queue.
type Inbox interface {
	Processed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
}

func inboxKey(queue, eventID string) string {
	return queue + ":" + eventID
}

type MemoryInbox struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{seen: make(map[string]struct{})}
}

func (i *MemoryInbox) Processed(ctx context.Context, key string) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.seen[key]
	return ok, nil
}

func (i *MemoryInbox) MarkProcessed(ctx context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seen[key] = struct{}{}
	return nil
}
