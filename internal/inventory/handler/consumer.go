package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/event"
	"github.com/meterwatch/meterwatch/internal/inventory/facts"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
)

// Inbound host event types.
const (
	hostEventCreated = "created"
	hostEventUpdated = "updated"
	hostEventDeleted = "delete"
)

// HostEventMessage is the envelope carried on the host-events topic.
type HostEventMessage struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Host      facts.RawHost `json:"host"`
}

// Dispatch consumes the host-events topic and emits canonical events.
// Messages are keyed org+inventory upstream, so all events for one host land
// on one partition and relationship updates are serialized.
type Dispatch struct {
	service  *Service
	consumer taskqueue.Consumer
	producer taskqueue.Producer

	eventsTopic string
	metrics     *metrics.Metrics
	log         *zap.Logger
}

func NewDispatch(
	cfg config.Config,
	factory taskqueue.Factory,
	registry *taskqueue.Registry,
	service *Service,
	m *metrics.Metrics,
	log *zap.Logger,
) *Dispatch {
	log = log.Named("inventory.dispatch")
	consumer := factory.Consumer(
		cfg.Kafka.HostEventsTopic,
		cfg.Kafka.ConsumerGroup+"-host-events",
		taskqueue.ConsumerOptions{Logger: log, Stats: m},
	)
	registry.Add(consumer)
	return &Dispatch{
		service:     service,
		consumer:    consumer,
		producer:    factory.Producer(),
		eventsTopic: cfg.Kafka.EventsTopic,
		metrics:     m,
		log:         log,
	}
}

// Run blocks consuming host events until the context ends.
func (d *Dispatch) Run(ctx context.Context) error {
	return d.consumer.Run(ctx, d.handle)
}

func (d *Dispatch) Close() error {
	return d.producer.Close()
}

func (d *Dispatch) handle(ctx context.Context, msg taskqueue.Message) error {
	var hostEvent HostEventMessage
	if err := json.Unmarshal(msg.Value, &hostEvent); err != nil {
		return fmt.Errorf("%w: host event: %v", taskqueue.ErrMalformed, err)
	}

	timestamp := hostEvent.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	var (
		events []event.Event
		err    error
	)
	switch hostEvent.Type {
	case hostEventCreated, hostEventUpdated:
		if reason, skip := d.service.SkipReason(hostEvent.Host); skip {
			d.metrics.IncSkipped(reason)
			d.log.Warn("skipping host event",
				zap.String("reason", reason),
				zap.String("org_id", hostEvent.Host.OrgID),
				zap.String("inventory_id", hostEvent.Host.ID),
			)
			return nil
		}
		eventType := event.TypeInstanceUpdated
		if hostEvent.Type == hostEventCreated {
			eventType = event.TypeInstanceCreated
		}
		events, err = d.service.HandleCreateUpdate(ctx, eventType, hostEvent.Host, timestamp)
	case hostEventDeleted:
		events, err = d.service.HandleDelete(ctx, hostEvent.Host.OrgID, hostEvent.Host.ID, timestamp)
	default:
		return fmt.Errorf("%w: unknown host event type %q", taskqueue.ErrMalformed, hostEvent.Type)
	}
	if err != nil {
		// Store and lookup failures are transient from the consumer's view.
		return taskqueue.Retryable(err)
	}

	for _, e := range events {
		if err := d.publish(ctx, e); err != nil {
			return taskqueue.Retryable(err)
		}
	}
	return nil
}

func (d *Dispatch) publish(ctx context.Context, e event.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := []byte(e.OrgID + ":" + e.InstanceID)
	if err := d.producer.Send(ctx, d.eventsTopic, key, value); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
