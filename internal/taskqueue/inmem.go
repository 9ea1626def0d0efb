package taskqueue

import (
	"context"
	"hash/fnv"
	"sync"
)

// Broker is an in-process implementation of the task queue used by tests and
// local development. Topics are split into a fixed number of partitions;
// messages with the same key always land on the same partition, and each
// partition is consumed by a single goroutine per group, which gives the same
// ordering and exclusivity guarantees as the Kafka implementation.
type Broker struct {
	mu         sync.Mutex
	partitions int
	topics     map[string]*topicLog
	closed     bool
}

type topicLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	logs    [][]Message
	offsets map[string][]int64 // committed offset per group, per partition
	closed  bool
}

func NewBroker(partitions int) *Broker {
	if partitions <= 0 {
		partitions = 1
	}
	return &Broker{
		partitions: partitions,
		topics:     make(map[string]*topicLog),
	}
}

func (b *Broker) topic(name string) *topicLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topicLog{
			logs:    make([][]Message, b.partitions),
			offsets: make(map[string][]int64),
		}
		t.cond = sync.NewCond(&t.mu)
		b.topics[name] = t
	}
	return t
}

// Close wakes all blocked consumers and stops further delivery.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		t.mu.Lock()
		t.closed = true
		t.cond.Broadcast()
		t.mu.Unlock()
	}
	return nil
}

func partitionFor(key []byte, n int) int {
	if len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(n))
}

// Producer returns a producer publishing into this broker.
func (b *Broker) Producer() Producer { return &inmemProducer{broker: b} }

type inmemProducer struct{ broker *Broker }

func (p *inmemProducer) Send(ctx context.Context, topic string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := p.broker.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	part := partitionFor(key, len(t.logs))
	msg := Message{
		Topic:     topic,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Partition: part,
		Offset:    int64(len(t.logs[part])),
	}
	t.logs[part] = append(t.logs[part], msg)
	t.cond.Broadcast()
	return nil
}

func (p *inmemProducer) Close() error { return nil }

// Consumer returns a consumer for the topic and group. Committed offsets are
// tracked per group in the broker, so a replacement consumer resumes from the
// last committed position and uncommitted messages are redelivered.
func (b *Broker) Consumer(topic, group string, opts ConsumerOptions) Consumer {
	return &inmemConsumer{
		broker: b,
		topic:  topic,
		group:  group,
		opts:   opts.withDefaults(),
	}
}

type inmemConsumer struct {
	broker *Broker
	topic  string
	group  string
	opts   ConsumerOptions

	cancel context.CancelFunc
	done   sync.WaitGroup
}

func (c *inmemConsumer) Run(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	t := c.broker.topic(c.topic)
	t.mu.Lock()
	if _, ok := t.offsets[c.group]; !ok {
		t.offsets[c.group] = make([]int64, len(t.logs))
	}
	parts := len(t.logs)
	t.mu.Unlock()

	// Wake blocked partition readers when the context ends.
	go func() {
		<-ctx.Done()
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	}()

	c.done.Add(parts)
	for p := 0; p < parts; p++ {
		go c.consumePartition(ctx, t, p, handler)
	}
	c.done.Wait()
	return ctx.Err()
}

func (c *inmemConsumer) consumePartition(ctx context.Context, t *topicLog, part int, handler Handler) {
	defer c.done.Done()
	for {
		t.mu.Lock()
		for int(t.offsets[c.group][part]) >= len(t.logs[part]) && !t.closed && ctx.Err() == nil {
			t.cond.Wait()
		}
		if t.closed || ctx.Err() != nil {
			t.mu.Unlock()
			return
		}
		msg := t.logs[part][t.offsets[c.group][part]]
		t.mu.Unlock()

		if !processMessage(ctx, c.opts, handler, msg) {
			return
		}

		t.mu.Lock()
		t.offsets[c.group][part] = msg.Offset + 1
		t.mu.Unlock()
	}
}

func (c *inmemConsumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.done.Wait()
	return nil
}
