package kafka

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/example/ec-stock-saga/internal/messaging"
	"github.com/segmentio/kafka-go"
)

// Consumer reads one topic as part of a consumer group. Offsets are committed
// explicitly through Ack, never on read.
type Consumer struct {
	reader *kafka.Reader

	mu      sync.Mutex
	pending map[int]map[int64]kafka.Message // partition -> offset -> message
}

var _ messaging.Source = (*Consumer)(nil)

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // synchronous commits
		StartOffset:    kafka.FirstOffset,
	})
	return &Consumer{
		reader:  reader,
		pending: make(map[int]map[int64]kafka.Message),
	}
}

func (c *Consumer) Fetch(ctx context.Context) (messaging.Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return messaging.Message{}, messaging.ErrSourceClosed
		}
		return messaging.Message{}, err
	}

	c.mu.Lock()
	byOffset, ok := c.pending[msg.Partition]
	if !ok {
		byOffset = make(map[int64]kafka.Message)
		c.pending[msg.Partition] = byOffset
	}
	byOffset[msg.Offset] = msg
	c.mu.Unlock()

	return messaging.Message{
		Queue:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   fromHeaders(msg.Headers),
	}, nil
}

func (c *Consumer) Ack(ctx context.Context, m messaging.Message) error {
	c.mu.Lock()
	msg, ok := c.pending[m.Partition][m.Offset]
	if ok {
		delete(c.pending[m.Partition], m.Offset)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.reader.CommitMessages(ctx, msg)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
