package kafka

import (
	"context"
	"time"

	"github.com/example/ec-stock-saga/internal/messaging"
	"github.com/segmentio/kafka-go"
)

// Producer writes messages to the topic named by their queue. One writer serves
// every topic.
type Producer struct {
	writer *kafka.Writer
}

var _ messaging.Sink = (*Producer)(nil)

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer}
}

func (p *Producer) Send(ctx context.Context, msgs ...messaging.Outgoing) error {
	out := make([]kafka.Message, 0, len(msgs))
	now := time.Now()
	for _, m := range msgs {
		out = append(out, kafka.Message{
			Topic:   m.Queue,
			Key:     []byte(m.Key),
			Value:   m.Value,
			Headers: toHeaders(m.Headers),
			Time:    now,
		})
	}
	return p.writer.WriteMessages(ctx, out...)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func toHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromHeaders(h []kafka.Header) map[string]string {
	out := make(map[string]string, len(h))
	for _, hh := range h {
		out[hh.Key] = string(hh.Value)
	}
	return out
}
