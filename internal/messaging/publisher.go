package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ec-stock-saga/internal/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 3 * time.Second

// Publisher routes records to their queues. A record the sink cannot take in time is
// parked in the outbox for the relay, so a broker outage never fails the caller's
// mutation.
type Publisher struct {
	sink    Sink
	outbox  Outbox
	routes  Routes
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

type PublisherOption func(*Publisher)

func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithRoutes(routes Routes) PublisherOption {
	return func(p *Publisher) { p.routes = routes }
}

func NewPublisher(sink Sink, outbox Outbox, logger *zap.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		sink:    sink,
		outbox:  outbox,
		routes:  DefaultRoutes,
		timeout: defaultPublishTimeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Named("publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends records to every queue routed for their name. It only fails when a
// record cannot be encoded or the outbox itself rejects the fallback write.
func (p *Publisher) Publish(ctx context.Context, records ...event.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]Outgoing, 0, len(records))
	for _, r := range records {
		out, err := p.outgoing(ctx, r)
		if err != nil {
			return err
		}
		msgs = append(msgs, out...)
	}
	if len(msgs) == 0 {
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.sink.Send(sendCtx, msgs...)
	if err == nil {
		for _, m := range msgs {
			p.logger.Debug("event published",
				zap.String("event_name", m.Headers[HeaderEventName]),
				zap.String("queue", m.Queue),
				zap.String("key", m.Key))
		}
		return nil
	}

	p.logger.Warn("sink unavailable, parking events in outbox",
		zap.Int("messages", len(msgs)),
		zap.Error(err))
	now := p.now()
	entries := make([]OutboxEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, NewOutboxEntry(m, err, now))
	}
	if oerr := p.outbox.Store(context.WithoutCancel(ctx), entries...); oerr != nil {
		return fmt.Errorf("%w: outbox store after send failure (%v): %w", ErrTransient, err, oerr)
	}
	return nil
}

func (p *Publisher) outgoing(ctx context.Context, r event.Record) ([]Outgoing, error) {
	queues := p.routes.Queues(r.Name)
	if len(queues) == 0 {
		p.logger.Debug("no route for event", zap.String("event_name", r.Name))
		return nil, nil
	}
	data, err := r.Marshal()
	if err != nil {
		return nil, err
	}

	out := make([]Outgoing, 0, len(queues))
	for _, q := range queues {
		headers := map[string]string{HeaderEventName: r.Name}
		otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
		out = append(out, Outgoing{Queue: q, Key: r.Key, Value: data, Headers: headers})
	}
	return out, nil
}
