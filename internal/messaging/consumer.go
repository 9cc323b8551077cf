package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/example/ec-stock-saga/internal/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ConsumerConfig struct {
	// Queue the consumer reads; also scopes inbox keys and names the dead-letter queue.
	Queue string
	// Prefetch is how many fetched messages may wait per partition behind the one
	// being handled. Default 1.
	Prefetch int
	// MaxAttempts bounds handler runs for a transient failure before dead-lettering.
	MaxAttempts int
	// MaxRequeues bounds how often an event that arrived ahead of its predecessor is
	// sent back to the tail of the queue before dead-lettering.
	MaxRequeues int
	// RetryInitial and RetryMax shape the exponential wait between attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 20
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
	return c
}

// Consumer pulls messages from a source and runs the routed handler. Messages of one
// partition are handled one at a time in delivery order; partitions run in parallel.
// A message is acked only once its handler succeeded, or it was requeued or dead-lettered
// through sink.
type Consumer struct {
	cfg    ConsumerConfig
	source Source
	router *Router
	inbox  Inbox
	sink   Sink
	tracer trace.Tracer
	logger *zap.Logger
}

func NewConsumer(cfg ConsumerConfig, source Source, router *Router, inbox Inbox, sink Sink, logger *zap.Logger) *Consumer {
	cfg = cfg.withDefaults()
	if inbox == nil {
		inbox = NewMemoryInbox()
	}
	return &Consumer{
		cfg:    cfg,
		source: source,
		router: router,
		inbox:  inbox,
		sink:   sink,
		tracer: otel.Tracer("messaging"),
		logger: logger.Named("consumer").With(zap.String("queue", cfg.Queue)),
	}
}

// Run consumes until ctx is cancelled or the source closes. On shutdown it stops
// fetching, lets every in-flight handler finish and returns nil. Messages fetched but
// not started stay unacked and are redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	fetchCtx, stopFetch := context.WithCancel(ctx)
	defer stopFetch()
	// handlers run on a context shutdown cannot cancel
	workCtx := context.WithoutCancel(ctx)

	var (
		wg       sync.WaitGroup
		workers  = make(map[int]chan Message)
		failOnce sync.Once
		failErr  error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			failErr = err
			stopFetch()
		})
	}
	c.logger.Info("consumer started",
		zap.Int("prefetch", c.cfg.Prefetch),
		zap.Strings("events", c.router.Names()))

	var runErr error
fetch:
	for {
		msg, err := c.source.Fetch(fetchCtx)
		if err != nil {
			if fetchCtx.Err() == nil && !errors.Is(err, ErrSourceClosed) {
				runErr = fmt.Errorf("fetch from %s: %w", c.cfg.Queue, err)
			}
			break
		}

		ch, ok := workers[msg.Partition]
		if !ok {
			// the fetch loop holds one more while blocked on a full channel, so
			// Prefetch messages wait in total
			ch = make(chan Message, c.cfg.Prefetch-1)
			workers[msg.Partition] = ch
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.work(fetchCtx, workCtx, fail, ch)
			}()
		}
		select {
		case ch <- msg:
		case <-fetchCtx.Done():
			break fetch
		}
	}

	for _, ch := range workers {
		close(ch)
	}
	wg.Wait()

	c.logger.Info("consumer stopped")
	return errors.Join(runErr, failErr)
}

// work handles one partition. fetchCtx signals shutdown; workCtx outlives it so an
// in-flight handler is never cut short.
func (c *Consumer) work(fetchCtx, workCtx context.Context, fail func(error), ch <-chan Message) {
	for msg := range ch {
		if fetchCtx.Err() != nil {
			continue
		}
		if err := c.process(fetchCtx, workCtx, msg); err != nil {
			c.logger.Error("consumer halted",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			fail(err)
		}
	}
}

// process runs one message to an acked outcome. It returns an error only when the
// message could neither be handled nor parked, which stops the consumer.
func (c *Consumer) process(fetchCtx, workCtx context.Context, msg Message) error {
	log := c.logger.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	env, err := event.Decode(msg.Value)
	if err != nil {
		log.Warn("malformed message dropped", zap.Error(err))
		return c.ack(workCtx, msg)
	}
	log = log.With(zap.String("event_name", env.Name), zap.String("event_id", env.ID))

	handler, ok := c.router.Lookup(env.Name)
	if !ok {
		log.Info("no handler for event, acknowledging")
		return c.ack(workCtx, msg)
	}

	key := inboxKey(c.cfg.Queue, env.ID)
	seen, err := c.inbox.Processed(workCtx, key)
	if err != nil {
		log.Warn("inbox lookup failed, handling anyway", zap.Error(err))
	}
	if seen {
		log.Debug("duplicate event skipped")
		return c.ack(workCtx, msg)
	}

	ctx := otel.GetTextMapPropagator().Extract(workCtx, propagation.MapCarrier(msg.Headers))
	ctx, span := c.tracer.Start(ctx, "consume "+env.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.cfg.Queue),
			attribute.String("messaging.message.id", env.ID),
			attribute.Int("messaging.kafka.partition", msg.Partition),
		))
	defer span.End()

	attempts, herr := c.handle(fetchCtx, ctx, handler, env)
	class := Classify(herr)
	span.SetAttributes(attribute.Int("messaging.attempts", attempts))
	if herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, class.String())
	}

	switch class {
	case ClassNone:
		log.Debug("event handled", zap.Int("attempts", attempts))
	case ClassValidation:
		log.Warn("invalid event payload, acknowledging", zap.Error(herr))
	case ClassBusinessRule:
		log.Info("event rejected by business rule, acknowledging", zap.Error(herr))
	case ClassTransient:
		if fetchCtx.Err() != nil {
			// shutdown interrupted the retries; leave it for redelivery
			log.Info("retry interrupted by shutdown", zap.Error(herr))
			return nil
		}
		log.Error("retries exhausted, dead-lettering", zap.Int("attempts", attempts), zap.Error(herr))
		return c.deadLetter(workCtx, msg, class, attempts, herr)
	case ClassDeferred:
		requeues := requeueCount(msg)
		if requeues >= c.cfg.MaxRequeues {
			log.Error("predecessor never arrived, dead-lettering", zap.Int("requeues", requeues), zap.Error(herr))
			return c.deadLetter(workCtx, msg, class, attempts, herr)
		}
		log.Info("event ahead of its predecessor, requeueing", zap.Int("requeues", requeues+1), zap.Error(herr))
		return c.requeue(workCtx, msg, requeues+1)
	case ClassInvariant:
		log.Error("invariant violated, dead-lettering", zap.Error(herr))
		return c.deadLetter(workCtx, msg, class, attempts, herr)
	}

	if err := c.inbox.MarkProcessed(workCtx, key); err != nil {
		log.Warn("inbox mark failed", zap.Error(err))
	}
	return c.ack(workCtx, msg)
}

// handle runs the handler, retrying transient failures with exponential backoff.
// Waiting between attempts stops when fetchCtx is cancelled.
func (c *Consumer) handle(fetchCtx, ctx context.Context, h Handler, env event.Envelope) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		err := h(ctx, env)
		if err != nil && Classify(err) != ClassTransient {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), fetchCtx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.logger.Warn("handler failed, retrying",
			zap.String("event_name", env.Name),
			zap.String("event_id", env.ID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	return attempts, err
}

// requeue sends msg to the tail of its own queue under the same key, so it lands behind
// whatever the partition already holds, then acks the original.
func (c *Consumer) requeue(ctx context.Context, msg Message, requeues int) error {
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderRequeues] = strconv.Itoa(requeues)

	out := Outgoing{
		Queue:   c.cfg.Queue,
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	}
	if err := c.sink.Send(ctx, out); err != nil {
		return fmt.Errorf("requeue to %s: %w", out.Queue, err)
	}
	return c.ack(ctx, msg)
}

func requeueCount(msg Message) int {
	n, err := strconv.Atoi(msg.Headers[HeaderRequeues])
	if err != nil {
		return 0
	}
	return n
}

func (c *Consumer) deadLetter(ctx context.Context, msg Message, class Class, attempts int, cause error) error {
	headers := make(map[string]string, len(msg.Headers)+4)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderError] = cause.Error()
	headers[HeaderErrorClass] = class.String()
	headers[HeaderAttempts] = strconv.Itoa(attempts)
	headers[HeaderOriginalQueue] = msg.Queue

	dl := Outgoing{
		Queue:   DeadLetterQueue(c.cfg.Queue),
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	}
	if err := c.sink.Send(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter to %s: %w", dl.Queue, err)
	}
	return c.ack(ctx, msg)
}

func (c *Consumer) ack(ctx context.Context, msg Message) error {
	if err := c.source.Ack(ctx, msg); err != nil {
		return fmt.Errorf("ack %s/%d@%d: %w", c.cfg.Queue, msg.Partition, msg.Offset, err)
	}
	return nil
}
