package tally

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/billing"
	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
)

// PublisherConfig tunes the aggregate publisher worker.
type PublisherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RunTimeout   time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Second
	}
	return c
}

// Publisher folds closed-window usage samples into billable aggregates and
// publishes them. Samples stay in the store until their aggregate is
// published, so a crash between save and publish re-emits on the next run and
// downstream redundancy checks absorb the duplicate.
type Publisher struct {
	samples    SampleStore
	aggregates billing.AggregateStore
	producer   taskqueue.Producer
	clock      clock.Clock

	topic string
	cfg   PublisherConfig
	log   *zap.Logger
}

func NewPublisher(
	samples SampleStore,
	aggregates billing.AggregateStore,
	producer taskqueue.Producer,
	clk clock.Clock,
	topic string,
	cfg PublisherConfig,
	log *zap.Logger,
) *Publisher {
	return &Publisher{
		samples:    samples,
		aggregates: aggregates,
		producer:   producer,
		clock:      clk,
		topic:      topic,
		cfg:        cfg.withDefaults(),
		log:        log.Named("tally.publisher"),
	}
}

func (p *Publisher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil {
			p.log.Warn("aggregate publish run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce publishes aggregates for every closed window with unpublished
// samples. Only windows that ended before the current hour are eligible; the
// open hour keeps accumulating.
func (p *Publisher) RunOnce(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, p.cfg.RunTimeout)
	defer cancel()

	cutoff := clock.StartOfHour(p.clock.Now())
	samples, err := p.samples.UnpublishedBefore(ctx, cutoff, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list unpublished samples: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}

	published := 0
	for _, group := range groupSamples(samples) {
		if err := p.publishGroup(ctx, group); err != nil {
			p.log.Warn("aggregate publish failed",
				zap.Error(err),
				zap.String("key", group.key.String()),
				zap.Time("window_start", group.windowStart),
			)
			continue
		}
		published++
	}

	p.log.Info("published aggregates",
		zap.Int("aggregates", published),
		zap.Int("samples", len(samples)),
	)
	return nil
}

type sampleGroup struct {
	key         billing.AggregateKey
	windowStart time.Time
	total       float64
	sampleIDs   []int64
}

// groupSamples buckets samples by key and window, ordered oldest window
// first.
func groupSamples(samples []UsageSample) []sampleGroup {
	index := make(map[WindowedKey]int)
	var groups []sampleGroup
	for _, sample := range samples {
		wk := WindowedKey{Key: sample.Key, WindowStart: sample.WindowStart}
		i, ok := index[wk]
		if !ok {
			i = len(groups)
			index[wk] = i
			groups = append(groups, sampleGroup{key: sample.Key, windowStart: sample.WindowStart})
		}
		groups[i].total += sample.Value
		groups[i].sampleIDs = append(groups[i].sampleIDs, sample.ID)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].windowStart.Before(groups[j].windowStart)
	})
	return groups
}

func (p *Publisher) publishGroup(ctx context.Context, group sampleGroup) error {
	aggregate := &billing.Aggregate{
		ID:           uuid.NewString(),
		Key:          group.key,
		WindowStart:  group.windowStart,
		TotalValue:   group.total,
		SnapshotDate: p.clock.Now(),
		Status:       billing.StatusPending,
	}
	if err := p.aggregates.Save(ctx, aggregate); err != nil {
		return fmt.Errorf("save aggregate: %w", err)
	}

	value, err := json.Marshal(aggregate)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	if err := p.producer.Send(ctx, p.topic, []byte(group.key.String()), value); err != nil {
		return fmt.Errorf("publish aggregate: %w", err)
	}

	if err := p.samples.MarkPublished(ctx, group.sampleIDs); err != nil {
		return fmt.Errorf("mark samples published: %w", err)
	}
	return nil
}
