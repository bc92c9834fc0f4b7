package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Consumer wraps a consumer-group reader over a set of topics. Offsets are
// committed explicitly via Commit, never on fetch: the caller acknowledges
// a message only after its effects are durable.
type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(brokers, topics []string, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupTopics: topics,
		GroupID:     groupID,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{reader: reader}
}

func (c *Consumer) Fetch(ctx context.Context) (kafka.Message, error) {
	return c.reader.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, msgs ...kafka.Message) error {
	return c.reader.CommitMessages(ctx, msgs...)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
