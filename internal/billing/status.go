package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
)

// StatusConsumer records terminal submission outcomes against the stored
// aggregates.
type StatusConsumer struct {
	store    AggregateStore
	consumer taskqueue.Consumer
	log      *zap.Logger
}

func NewStatusConsumer(
	cfg config.Config,
	factory taskqueue.Factory,
	registry *taskqueue.Registry,
	store AggregateStore,
	m *metrics.Metrics,
	log *zap.Logger,
) *StatusConsumer {
	log = log.Named("billing.status")
	consumer := factory.Consumer(
		cfg.Kafka.UsageStatusTopic,
		cfg.Kafka.ConsumerGroup+"-usage-status",
		taskqueue.ConsumerOptions{Logger: log, Stats: m},
	)
	registry.Add(consumer)
	return &StatusConsumer{
		store:    store,
		consumer: consumer,
		log:      log,
	}
}

// Run blocks consuming status messages until the context ends.
func (c *StatusConsumer) Run(ctx context.Context) error {
	return c.consumer.Run(ctx, c.handle)
}

func (c *StatusConsumer) handle(ctx context.Context, msg taskqueue.Message) error {
	var status StatusMessage
	if err := json.Unmarshal(msg.Value, &status); err != nil {
		return fmt.Errorf("%w: status message: %v", taskqueue.ErrMalformed, err)
	}

	err := c.store.UpdateStatus(ctx, status.AggregateID, status.Status, status.ErrorCode, status.BilledOn)
	if errors.Is(err, ErrAggregateNotFound) {
		// The aggregate row may come from another environment or have been
		// pruned; the outcome is already on the topic for downstream readers.
		c.log.Warn("status for unknown aggregate",
			zap.String("aggregate_id", status.AggregateID),
			zap.String("status", status.Status),
		)
		return nil
	}
	if err != nil {
		return taskqueue.Retryable(fmt.Errorf("update aggregate status: %w", err))
	}
	return nil
}
