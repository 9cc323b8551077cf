package messaging

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OutboxEntry is a message the publisher could not hand to the sink.
type OutboxEntry struct {
	ID            string
	Message       Outgoing
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

func NewOutboxEntry(msg Outgoing, lastErr error, now time.Time) OutboxEntry {
	e := OutboxEntry{
		ID:            uuid.New().String(),
		Message:       msg,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if lastErr != nil {
		e.LastError = lastErr.Error()
	}
	return e
}

// Outbox stores unsent messages until the relay delivers them.
type Outbox interface {
	Store(ctx context.Context, entries ...OutboxEntry) error
	Due(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error)
	MarkSent(ctx context.Context, ids ...string) error
	MarkFailed(ctx context.Context, id, lastErr string, next time.Time) error
}

type MemoryOutbox struct {
	mu      sync.Mutex
	entries []OutboxEntry
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

func (o *MemoryOutbox) Store(ctx context.Context, entries ...OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, entries...)
	return nil
}

func (o *MemoryOutbox) Due(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxEntry
	for _, e := range o.entries {
		if e.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o *MemoryOutbox) MarkSent(ctx context.Context, ids ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = slices.DeleteFunc(o.entries, func(e OutboxEntry) bool {
		return slices.Contains(ids, e.ID)
	})
	return nil
}

func (o *MemoryOutbox) MarkFailed(ctx context.Context, id, lastErr string, next time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.entries {
		if o.entries[i].ID == id {
			o.entries[i].Attempts++
			o.entries[i].LastError = lastErr
			o.entries[i].NextAttemptAt = next
		}
	}
	return nil
}

// Len reports how many entries are waiting.
func (o *MemoryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Relay drains the outbox into the sink on a ticker. Each entry backs off
// exponentially on repeated failure.
type Relay struct {
	outbox    Outbox
	sink      Sink
	interval  time.Duration
	batchSize int
	maxDelay  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewRelay(outbox Outbox, sink Sink, interval time.Duration, logger *zap.Logger) *Relay {
	return &Relay{
		outbox:    outbox,
		sink:      sink,
		interval:  interval,
		batchSize: 100,
		maxDelay:  5 * time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("outbox-relay"),
	}
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return nil
		case <-t.C:
			if _, err := r.Flush(ctx); err != nil {
				r.logger.Error("relay flush failed", zap.Error(err))
			}
		}
	}
}

// Flush sends every due entry once and returns how many were delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	now := r.now()
	entries, err := r.outbox.Due(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}

	sent := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := r.sink.Send(ctx, e.Message); err != nil {
			next := now.Add(r.retryDelay(e.Attempts))
			r.logger.Warn("outbox send failed",
				zap.String("entry_id", e.ID),
				zap.String("queue", e.Message.Queue),
				zap.Int("attempts", e.Attempts+1),
				zap.Time("next_attempt_at", next),
				zap.Error(err))
			if merr := r.outbox.MarkFailed(ctx, e.ID, err.Error(), next); merr != nil {
				return len(sent), merr
			}
			continue
		}
		sent = append(sent, e.ID)
	}
	if len(sent) == 0 {
		return 0, nil
	}
	if err := r.outbox.MarkSent(ctx, sent...); err != nil {
		return 0, err
	}
	r.logger.Info("outbox entries delivered", zap.Int("count", len(sent)))
	return len(sent), nil
}

// retryDelay is the wait before attempt number attempts+1.
func (r *Relay) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.interval
	b.MaxInterval = r.maxDelay
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
