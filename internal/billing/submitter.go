package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/billing/marketplace"
	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/product"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
)

// Submitter consumes billable usage aggregates and meters them against the
// marketplace. Aggregates are keyed by their aggregate key, so submissions
// for one key are strictly ordered.
type Submitter struct {
	registry *product.Registry
	lookup   marketplace.ContextLookup
	meterer  marketplace.Meterer
	store    AggregateStore
	clock    clock.Clock

	consumer taskqueue.Consumer
	producer taskqueue.Producer

	statusTopic   string
	usageWindow   time.Duration
	lookupRetries int
	dryRun        bool

	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewSubmitter(
	cfg config.Config,
	factory taskqueue.Factory,
	registry *taskqueue.Registry,
	products *product.Registry,
	lookup marketplace.ContextLookup,
	meterer marketplace.Meterer,
	store AggregateStore,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
) *Submitter {
	log = log.Named("billing.submitter")
	consumer := factory.Consumer(
		cfg.Kafka.BillableUsageTopic,
		cfg.Kafka.ConsumerGroup+"-billing",
		taskqueue.ConsumerOptions{Logger: log, Stats: m},
	)
	registry.Add(consumer)
	return &Submitter{
		registry:      products,
		lookup:        lookup,
		meterer:       meterer,
		store:         store,
		clock:         clk,
		consumer:      consumer,
		producer:      factory.Producer(),
		statusTopic:   cfg.Kafka.UsageStatusTopic,
		usageWindow:   cfg.UsageWindow,
		lookupRetries: cfg.UsageContextLookupRetries,
		dryRun:        cfg.DryRun,
		metrics:       m,
		log:           log,
	}
}

// Run blocks consuming aggregates until the context ends.
func (s *Submitter) Run(ctx context.Context) error {
	return s.consumer.Run(ctx, s.handle)
}

func (s *Submitter) Close() error {
	return s.producer.Close()
}

func (s *Submitter) handle(ctx context.Context, msg taskqueue.Message) error {
	var aggregate Aggregate
	if err := json.Unmarshal(msg.Value, &aggregate); err != nil {
		return fmt.Errorf("%w: billable usage aggregate: %v", taskqueue.ErrMalformed, err)
	}

	// Replays of an aggregate that already reached a terminal state must not
	// bill again.
	if stored, err := s.store.Find(ctx, aggregate.ID); err == nil && stored.Status != StatusPending {
		s.log.Info("aggregate already settled, skipping replay",
			zap.String("aggregate_id", aggregate.ID),
			zap.String("status", stored.Status),
		)
		return nil
	}

	if aggregate.Key.BillingProvider != ProviderAWS {
		s.metrics.IncIgnored(aggregate.Key.BillingProvider)
		s.log.Debug("ignoring aggregate for unsupported provider",
			zap.String("billing_provider", aggregate.Key.BillingProvider),
			zap.String("aggregate_id", aggregate.ID),
		)
		return nil
	}

	return s.submit(ctx, aggregate)
}

// submit runs the submission pipeline. Steps fail terminally (status message
// with an error code) or retryably (error returned to the consumer); a panic
// settles the aggregate as UNKNOWN so a poison aggregate cannot wedge the
// partition.
func (s *Submitter) submit(ctx context.Context, aggregate Aggregate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while submitting aggregate",
				zap.Any("panic", r),
				zap.String("aggregate_id", aggregate.ID),
			)
			err = s.fail(ctx, aggregate, ErrorUnknown)
		}
	}()

	metric, ok := s.registry.Metric(aggregate.Key.ProductTag, aggregate.Key.MetricID)
	if !ok {
		return s.fail(ctx, aggregate, ErrorUnsupportedMetric)
	}
	if metric.AWSDimension == "" {
		return s.fail(ctx, aggregate, ErrorUnsupportedMetric)
	}

	cutoff := clock.StartOfHour(s.clock.Now()).Add(-s.usageWindow)

	usageContext, err := s.lookupContext(ctx, aggregate.Key)
	switch {
	case errors.Is(err, marketplace.ErrSubscriptionTerminated):
		return s.fail(ctx, aggregate, ErrorSubscriptionTerminated)
	case errors.Is(err, marketplace.ErrContextNotFound):
		// Usage too old to ever bill means the subscription was active once
		// and has gone away; recent usage with no subscription is a gap in
		// the entitlement data.
		if aggregate.WindowStart.Before(cutoff) {
			return s.fail(ctx, aggregate, ErrorInactive)
		}
		return s.fail(ctx, aggregate, ErrorSubscriptionNotFound)
	case err != nil:
		return s.fail(ctx, aggregate, ErrorUsageContextLookup)
	}

	if aggregate.WindowStart.Before(cutoff) {
		return s.fail(ctx, aggregate, ErrorRedundant)
	}

	// The marketplace rejects timestamps before the subscription existed.
	meterAt := aggregate.WindowStart
	if meterAt.Before(usageContext.SubscriptionStart) {
		meterAt = usageContext.SubscriptionStart
	}

	quantity := int64(math.Ceil(aggregate.TotalValue * metric.BillingFactor))
	record := marketplace.UsageRecord{
		CustomerID: usageContext.CustomerID,
		Dimension:  metric.AWSDimension,
		Quantity:   quantity,
		Timestamp:  meterAt,
	}

	if s.dryRun {
		s.log.Info("dry run, skipping marketplace call",
			zap.String("aggregate_id", aggregate.ID),
			zap.String("product_code", usageContext.ProductCode),
			zap.String("dimension", record.Dimension),
			zap.Int64("quantity", record.Quantity),
		)
		return s.succeed(ctx, aggregate)
	}

	result, err := s.meterer.BatchMeterUsage(ctx, usageContext.ProductCode, []marketplace.UsageRecord{record})
	if errors.Is(err, marketplace.ErrThrottled) {
		s.metrics.IncRejected(aggregate.Key.BillingProvider, 1)
		return taskqueue.Retryable(fmt.Errorf("marketplace throttled: %w", err))
	}
	if err != nil {
		return taskqueue.Retryable(fmt.Errorf("batch meter usage: %w", err))
	}
	if len(result.Unprocessed) > 0 {
		s.metrics.IncRejected(aggregate.Key.BillingProvider, len(result.Unprocessed))
		return taskqueue.Retryable(fmt.Errorf("marketplace left %d records unprocessed", len(result.Unprocessed)))
	}
	if len(result.CustomerNotSubscribed) > 0 {
		s.log.Warn("customer not subscribed",
			zap.String("aggregate_id", aggregate.ID),
			zap.String("customer_id", usageContext.CustomerID),
			zap.String("product_code", usageContext.ProductCode),
		)
	}
	return s.succeed(ctx, aggregate)
}

// lookupContext retries transient lookup failures a bounded number of times.
// Definitive answers (found, not found, terminated) are never retried.
func (s *Submitter) lookupContext(ctx context.Context, key AggregateKey) (marketplace.UsageContext, error) {
	lookupKey := marketplace.LookupKey{
		OrgID:            key.OrgID,
		ProductTag:       key.ProductTag,
		BillingProvider:  key.BillingProvider,
		BillingAccountID: key.BillingAccountID,
	}
	var (
		usageContext marketplace.UsageContext
		err          error
	)
	for attempt := 0; attempt <= s.lookupRetries; attempt++ {
		usageContext, err = s.lookup.UsageContext(ctx, lookupKey)
		if err == nil ||
			errors.Is(err, marketplace.ErrContextNotFound) ||
			errors.Is(err, marketplace.ErrSubscriptionTerminated) {
			return usageContext, err
		}
		s.log.Warn("usage context lookup failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.String("key", key.String()),
		)
	}
	return usageContext, err
}

func (s *Submitter) succeed(ctx context.Context, aggregate Aggregate) error {
	billedOn := s.clock.Now()
	s.metrics.AddMeteredTotal(
		aggregate.Key.ProductTag,
		aggregate.Key.MetricID,
		aggregate.Key.BillingProvider,
		StatusSucceeded,
		"",
		aggregate.TotalValue,
	)
	s.metrics.IncAccepted(aggregate.Key.BillingProvider, 1)
	return s.publishStatus(ctx, StatusMessage{
		AggregateID: aggregate.ID,
		Key:         aggregate.Key,
		WindowStart: aggregate.WindowStart,
		Status:      StatusSucceeded,
		BilledOn:    &billedOn,
	})
}

func (s *Submitter) fail(ctx context.Context, aggregate Aggregate, errorCode string) error {
	s.log.Warn("aggregate failed",
		zap.String("aggregate_id", aggregate.ID),
		zap.String("error_code", errorCode),
		zap.String("key", aggregate.Key.String()),
		zap.Time("window_start", aggregate.WindowStart),
	)
	s.metrics.AddMeteredTotal(
		aggregate.Key.ProductTag,
		aggregate.Key.MetricID,
		aggregate.Key.BillingProvider,
		StatusFailed,
		errorCode,
		aggregate.TotalValue,
	)
	return s.publishStatus(ctx, StatusMessage{
		AggregateID: aggregate.ID,
		Key:         aggregate.Key,
		WindowStart: aggregate.WindowStart,
		Status:      StatusFailed,
		ErrorCode:   errorCode,
	})
}

func (s *Submitter) publishStatus(ctx context.Context, status StatusMessage) error {
	value, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status message: %w", err)
	}
	key := []byte(status.Key.String())
	if err := s.producer.Send(ctx, s.statusTopic, key, value); err != nil {
		return taskqueue.Retryable(fmt.Errorf("publish status: %w", err))
	}
	return nil
}
