package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/event"
	"github.com/meterwatch/meterwatch/internal/inventory/relationship"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
	"go.uber.org/zap"
)

func kafkaTestConfig() config.Config {
	cfg := testConfig()
	cfg.Kafka = config.KafkaConfig{
		HostEventsTopic: "platform.inventory.events",
		EventsTopic:     "platform.metering.events",
		ConsumerGroup:   "meterwatch-test",
		Partitions:      1,
	}
	return cfg
}

func newTestDispatch(t *testing.T) (*Dispatch, *taskqueue.Broker, relationship.Store) {
	t.Helper()
	svc, store, _ := newTestService(t)
	broker := taskqueue.NewBroker(1)
	t.Cleanup(func() { broker.Close() })

	dispatch := NewDispatch(
		kafkaTestConfig(),
		broker,
		taskqueue.NewRegistry(),
		svc,
		metrics.New(nil),
		zap.NewNop(),
	)
	return dispatch, broker, store
}

func sendHostEvent(t *testing.T, broker *taskqueue.Broker, msg HostEventMessage) {
	t.Helper()
	value, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal host event: %v", err)
	}
	producer := broker.Producer()
	key := []byte(msg.Host.OrgID + ":" + msg.Host.ID)
	if err := producer.Send(context.Background(), "platform.inventory.events", key, value); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func collectEvents(t *testing.T, broker *taskqueue.Broker, want int, timeout time.Duration) []event.Event {
	t.Helper()
	got := make(chan event.Event, want)
	consumer := broker.Consumer("platform.metering.events", "collector", taskqueue.ConsumerOptions{})
	go consumer.Run(context.Background(), func(ctx context.Context, msg taskqueue.Message) error {
		var e event.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			t.Errorf("decode event: %v", err)
			return err
		}
		got <- e
		return nil
	})
	t.Cleanup(func() { consumer.Close() })

	events := make([]event.Event, 0, want)
	deadline := time.After(timeout)
	for len(events) < want {
		select {
		case e := <-got:
			events = append(events, e)
		case <-deadline:
			t.Fatalf("timed out after %d/%d events", len(events), want)
		}
	}
	return events
}

func TestDispatchEmitsCanonicalEvent(t *testing.T) {
	dispatch, broker, _ := newTestDispatch(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatch.Run(ctx)
	defer dispatch.Close()

	sendHostEvent(t, broker, HostEventMessage{
		Type:      hostEventCreated,
		Timestamp: time.Date(2025, 3, 10, 12, 25, 0, 0, time.UTC),
		Host:      physicalHost("org-1", "inv-1", "sm-1"),
	})

	events := collectEvents(t, broker, 1, 5*time.Second)
	if events[0].EventType != event.TypeInstanceCreated {
		t.Fatalf("event type: %q", events[0].EventType)
	}
	if events[0].OrgID != "org-1" || events[0].InstanceID != "inv-1" {
		t.Fatalf("identity: %+v", events[0])
	}
}

func TestDispatchSkipsEdgeHost(t *testing.T) {
	dispatch, broker, store := newTestDispatch(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatch.Run(ctx)
	defer dispatch.Close()

	edge := physicalHost("org-1", "inv-edge", "sm-edge")
	edge.SystemProfile.HostType = "edge"
	sendHostEvent(t, broker, HostEventMessage{Type: hostEventCreated, Host: edge})

	// A second, processable host proves the edge event went through first
	// (single partition, strict order) without mutating anything.
	sendHostEvent(t, broker, HostEventMessage{Type: hostEventCreated, Host: physicalHost("org-1", "inv-ok", "sm-ok")})

	events := collectEvents(t, broker, 1, 5*time.Second)
	if events[0].InventoryID != "inv-ok" {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	if _, err := store.Find(context.Background(), "org-1", "inv-edge"); !errors.Is(err, relationship.ErrNotFound) {
		t.Fatalf("edge host must not be persisted, got %v", err)
	}
}

func TestDispatchDropsMalformedMessage(t *testing.T) {
	dispatch, broker, _ := newTestDispatch(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatch.Run(ctx)
	defer dispatch.Close()

	producer := broker.Producer()
	if err := producer.Send(context.Background(), "platform.inventory.events", []byte("k"), []byte("{broken")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sendHostEvent(t, broker, HostEventMessage{Type: hostEventCreated, Host: physicalHost("org-1", "inv-1", "sm-1")})

	// The malformed message is dropped and the partition keeps moving.
	events := collectEvents(t, broker, 1, 5*time.Second)
	if events[0].InventoryID != "inv-1" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}
