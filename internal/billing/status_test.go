package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
	"github.com/meterwatch/meterwatch/pkg/db"
)

func newTestStatusConsumer(t *testing.T) (*StatusConsumer, AggregateStore) {
	t.Helper()
	gdb, err := db.NewTest()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(&Aggregate{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := NewAggregateStore(gdb)

	cfg := config.Config{
		Kafka: config.KafkaConfig{
			UsageStatusTopic: testStatusTopic,
			ConsumerGroup:    "meterwatch-test",
			Partitions:       1,
		},
	}
	broker := taskqueue.NewBroker(1)
	t.Cleanup(func() { broker.Close() })
	consumer := NewStatusConsumer(cfg, broker, taskqueue.NewRegistry(), store, metrics.New(nil), zap.NewNop())
	return consumer, store
}

func TestStatusConsumerRecordsOutcome(t *testing.T) {
	consumer, store := newTestStatusConsumer(t)
	ctx := context.Background()

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	if err := store.Save(ctx, &aggregate); err != nil {
		t.Fatalf("save: %v", err)
	}

	billedOn := time.Date(2025, 3, 12, 14, 30, 0, 0, time.UTC)
	value, err := json.Marshal(StatusMessage{
		AggregateID: aggregate.ID,
		Key:         aggregate.Key,
		WindowStart: aggregate.WindowStart,
		Status:      StatusSucceeded,
		BilledOn:    &billedOn,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := consumer.handle(ctx, taskqueue.Message{Value: value}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	updated, err := store.Find(ctx, aggregate.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if updated.Status != StatusSucceeded {
		t.Fatalf("status: %q", updated.Status)
	}
	if updated.BilledOn == nil || !updated.BilledOn.Equal(billedOn) {
		t.Fatalf("billed on: %v", updated.BilledOn)
	}
}

func TestStatusConsumerIgnoresUnknownAggregate(t *testing.T) {
	consumer, _ := newTestStatusConsumer(t)

	value, err := json.Marshal(StatusMessage{
		AggregateID: uuid.NewString(),
		Status:      StatusFailed,
		ErrorCode:   ErrorRedundant,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := consumer.handle(context.Background(), taskqueue.Message{Value: value}); err != nil {
		t.Fatalf("unknown aggregate must be skipped, got %v", err)
	}
}

func TestStatusConsumerDropsMalformedMessage(t *testing.T) {
	consumer, _ := newTestStatusConsumer(t)

	err := consumer.handle(context.Background(), taskqueue.Message{Value: []byte("{broken")})
	if !errors.Is(err, taskqueue.ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}
