package taskqueue

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	kafkaMinBytes = 10_000     // 10KB
	kafkaMaxBytes = 10_000_000 // 10MB
)

// KafkaProducer publishes keyed messages through a shared kafka writer. The
// hash balancer keeps messages for one key on one partition, which is the
// ordering and exclusivity guarantee the pipeline depends on.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			BatchTimeout: 5 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
	}
}

func (p *KafkaProducer) Send(ctx context.Context, topic string, key, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	})
}

func (p *KafkaProducer) Close() error { return p.writer.Close() }

// KafkaConsumer consumes one topic within a consumer group. Offsets are
// committed manually after the handler completes, giving at-least-once
// delivery; the group protocol bounds parallelism by partition count.
type KafkaConsumer struct {
	reader *kafka.Reader
	opts   ConsumerOptions
}

func NewKafkaConsumer(brokers []string, topic, group string, opts ConsumerOptions) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  group,
			Topic:    topic,
			MinBytes: kafkaMinBytes,
			MaxBytes: kafkaMaxBytes,
			MaxWait:  250 * time.Millisecond,
		}),
		opts: opts.withDefaults(),
	}
}

func (c *KafkaConsumer) Run(ctx context.Context, handler Handler) error {
	log := c.opts.Logger
	for {
		fetched, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return ctx.Err()
			}
			log.Warn("fetch failed", zap.Error(err))
			continue
		}

		msg := Message{
			Topic:     fetched.Topic,
			Key:       fetched.Key,
			Value:     fetched.Value,
			Partition: fetched.Partition,
			Offset:    fetched.Offset,
		}
		if !processMessage(ctx, c.opts, handler, msg) {
			// Shutdown mid-message: leave the offset uncommitted so the
			// message is redelivered after the rebalance.
			return ctx.Err()
		}
		if err := c.reader.CommitMessages(ctx, fetched); err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			log.Warn("offset commit failed", zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }
