package tally

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/event"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/product"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
)

// Consumer folds canonical usage events into hourly usage samples. Events are
// keyed org+instance upstream, so samples for one instance are written in
// order.
type Consumer struct {
	engine   *Engine
	samples  SampleStore
	consumer taskqueue.Consumer

	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewConsumer(
	cfg config.Config,
	factory taskqueue.Factory,
	registry *taskqueue.Registry,
	engine *Engine,
	samples SampleStore,
	m *metrics.Metrics,
	log *zap.Logger,
) *Consumer {
	log = log.Named("tally.consumer")
	consumer := factory.Consumer(
		cfg.Kafka.EventsTopic,
		cfg.Kafka.ConsumerGroup+"-tally",
		taskqueue.ConsumerOptions{Logger: log, Stats: m},
	)
	registry.Add(consumer)
	return &Consumer{
		engine:   engine,
		samples:  samples,
		consumer: consumer,
		metrics:  m,
		log:      log,
	}
}

// Run blocks consuming canonical events until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	return c.consumer.Run(ctx, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg taskqueue.Message) error {
	var ev event.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("%w: usage event: %v", taskqueue.ErrMalformed, err)
	}

	ev.ProductTags = c.engine.HourlyEligible(ev.ProductTags)
	if len(ev.ProductTags) == 0 {
		return nil
	}

	totals, err := c.engine.Accumulate([]event.Event{ev}, product.Hourly)
	if err != nil {
		// Hourly is the finest granularity, so this cannot be a
		// too-fine request; anything else is a bad message.
		return fmt.Errorf("%w: accumulate: %v", taskqueue.ErrMalformed, err)
	}

	for windowed, value := range totals {
		err := c.samples.Upsert(ctx, windowed.Key, windowed.WindowStart, ev.InstanceID, value)
		if err != nil {
			return taskqueue.Retryable(fmt.Errorf("upsert usage sample: %w", err))
		}
	}
	return nil
}
