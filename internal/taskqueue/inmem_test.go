package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBrokerDeliversInKeyOrder(t *testing.T) {
	broker := NewBroker(3)
	defer broker.Close()

	producer := broker.Producer()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		value := []byte(fmt.Sprintf("msg-%d", i))
		if err := producer.Send(ctx, "events", []byte("org-1"), value); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	consumer := broker.Consumer("events", "group-a", ConsumerOptions{})
	go consumer.Run(ctx, func(ctx context.Context, msg Message) error {
		mu.Lock()
		got = append(got, string(msg.Value))
		if len(got) == 10 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	defer consumer.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		want := fmt.Sprintf("msg-%d", i)
		if v != want {
			t.Fatalf("message %d: got %q, want %q", i, v, want)
		}
	}
}

func TestBrokerRedeliversUncommitted(t *testing.T) {
	broker := NewBroker(1)
	defer broker.Close()

	ctx := context.Background()
	producer := broker.Producer()
	if err := producer.Send(ctx, "events", []byte("k"), []byte("v")); err != nil {
		t.Fatalf("send: %v", err)
	}

	// First consumer sees the message but is canceled mid-handler, so the
	// offset is never committed.
	seen := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	first := broker.Consumer("events", "g", ConsumerOptions{})
	go first.Run(runCtx, func(ctx context.Context, msg Message) error {
		close(seen)
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	<-seen
	first.Close()

	// A replacement in the same group resumes from the committed offset and
	// receives the message again.
	redelivered := make(chan Message, 1)
	second := broker.Consumer("events", "g", ConsumerOptions{})
	go second.Run(ctx, func(ctx context.Context, msg Message) error {
		redelivered <- msg
		return nil
	})
	defer second.Close()

	select {
	case msg := <-redelivered:
		if string(msg.Value) != "v" {
			t.Fatalf("unexpected value %q", msg.Value)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message was not redelivered")
	}
}

func TestBrokerIndependentGroups(t *testing.T) {
	broker := NewBroker(2)
	defer broker.Close()

	ctx := context.Background()
	producer := broker.Producer()
	for i := 0; i < 4; i++ {
		if err := producer.Send(ctx, "events", []byte{byte(i)}, []byte("x")); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	counts := make(chan string, 8)
	for _, group := range []string{"g1", "g2"} {
		group := group
		c := broker.Consumer("events", group, ConsumerOptions{})
		go c.Run(ctx, func(ctx context.Context, msg Message) error {
			counts <- group
			return nil
		})
		defer c.Close()
	}

	seen := map[string]int{}
	deadline := time.After(5 * time.Second)
	for i := 0; i < 8; i++ {
		select {
		case g := <-counts:
			seen[g]++
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	if seen["g1"] != 4 || seen["g2"] != 4 {
		t.Fatalf("each group should see all messages, got %v", seen)
	}
}

func TestBrokerDropsPoisonedMessage(t *testing.T) {
	broker := NewBroker(1)
	defer broker.Close()

	ctx := context.Background()
	producer := broker.Producer()
	if err := producer.Send(ctx, "events", []byte("k"), []byte("poison")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := producer.Send(ctx, "events", []byte("k"), []byte("good")); err != nil {
		t.Fatalf("send: %v", err)
	}

	attempts := 0
	got := make(chan string, 1)
	opts := ConsumerOptions{Retry: RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}}
	consumer := broker.Consumer("events", "g", opts)
	go consumer.Run(ctx, func(ctx context.Context, msg Message) error {
		if string(msg.Value) == "poison" {
			attempts++
			return Retryable(errors.New("boom"))
		}
		got <- string(msg.Value)
		return nil
	})
	defer consumer.Close()

	select {
	case v := <-got:
		if v != "good" {
			t.Fatalf("got %q, want %q", v, "good")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("partition blocked by poisoned message")
	}
	if attempts != 2 {
		t.Fatalf("poison handler ran %d times, want 2", attempts)
	}
}

func TestPartitionForStableByKey(t *testing.T) {
	a := partitionFor([]byte("org-1:host-1"), 8)
	b := partitionFor([]byte("org-1:host-1"), 8)
	if a != b {
		t.Fatalf("partition not stable: %d vs %d", a, b)
	}
	if a < 0 || a >= 8 {
		t.Fatalf("partition %d out of range", a)
	}
}

func TestTaskDescriptorRoundTrip(t *testing.T) {
	desc := TaskDescriptor{
		TaskType: "refresh_tally",
		GroupID:  "org-1",
		Args: []TaskArg{
			{Name: "org_id", Value: "org-1"},
			{Name: "product", Value: "compute-node"},
		},
	}
	raw, err := EncodeTask(desc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeTask(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.TaskType != desc.TaskType || decoded.GroupID != desc.GroupID {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if v, ok := decoded.Arg("product"); !ok || v != "compute-node" {
		t.Fatalf("missing product arg: %+v", decoded.Args)
	}
}

func TestDecodeTaskMalformed(t *testing.T) {
	if _, err := DecodeTask([]byte("{not json")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}
