package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/billing/marketplace"
	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/product"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
	"github.com/meterwatch/meterwatch/pkg/db"
)

const testStatusTopic = "platform.metering.billable-usage-status"

// fakeLookup lets tests inject lookup outcomes, including a bounded number of
// transient failures before a definitive answer.
type fakeLookup struct {
	usageContext  marketplace.UsageContext
	err           error
	transientLeft int
	calls         int
}

func (f *fakeLookup) UsageContext(ctx context.Context, key marketplace.LookupKey) (marketplace.UsageContext, error) {
	f.calls++
	if f.transientLeft > 0 {
		f.transientLeft--
		return marketplace.UsageContext{}, errors.New("lookup service unavailable")
	}
	return f.usageContext, f.err
}

type submitterHarness struct {
	submitter *Submitter
	meterer   *marketplace.FakeMeterer
	lookup    *fakeLookup
	broker    *taskqueue.Broker
	store     AggregateStore
	clock     *clock.FakeClock
}

func newTestSubmitter(t *testing.T, mutate func(*config.Config)) *submitterHarness {
	t.Helper()
	gdb, err := db.NewTest()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(&Aggregate{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Config{
		Kafka: config.KafkaConfig{
			BillableUsageTopic: "platform.metering.billable-usage-hourly-aggregate",
			UsageStatusTopic:   testStatusTopic,
			ConsumerGroup:      "meterwatch-test",
			Partitions:         1,
		},
		UsageWindow:               6 * time.Hour,
		UsageContextLookupRetries: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	broker := taskqueue.NewBroker(1)
	t.Cleanup(func() { broker.Close() })

	meterer := marketplace.NewFakeMeterer()
	lookup := &fakeLookup{
		usageContext: marketplace.UsageContext{
			CustomerID:        "cust-1",
			ProductCode:       "prodcode-rosa",
			SubscriptionStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	clk := clock.NewFakeClock(time.Date(2025, 3, 12, 14, 30, 0, 0, time.UTC))
	store := NewAggregateStore(gdb)

	submitter := NewSubmitter(
		cfg,
		broker,
		taskqueue.NewRegistry(),
		product.Default(),
		lookup,
		meterer,
		store,
		clk,
		metrics.New(nil),
		zap.NewNop(),
	)
	t.Cleanup(func() { submitter.Close() })

	return &submitterHarness{
		submitter: submitter,
		meterer:   meterer,
		lookup:    lookup,
		broker:    broker,
		store:     store,
		clock:     clk,
	}
}

func pendingAggregate(windowStart time.Time, totalValue float64) Aggregate {
	return Aggregate{
		ID: uuid.NewString(),
		Key: AggregateKey{
			OrgID:            "org-1",
			ProductTag:       "rosa",
			MetricID:         product.MetricCores,
			BillingProvider:  ProviderAWS,
			BillingAccountID: "123456789012",
			Sla:              "Premium",
			Usage:            "Production",
		},
		WindowStart:  windowStart,
		TotalValue:   totalValue,
		SnapshotDate: windowStart.Add(time.Hour),
		Status:       StatusPending,
	}
}

func (h *submitterHarness) handle(t *testing.T, aggregate Aggregate) error {
	t.Helper()
	value, err := json.Marshal(aggregate)
	if err != nil {
		t.Fatalf("marshal aggregate: %v", err)
	}
	return h.submitter.handle(context.Background(), taskqueue.Message{
		Topic: "platform.metering.billable-usage-hourly-aggregate",
		Key:   []byte(aggregate.Key.String()),
		Value: value,
	})
}

func (h *submitterHarness) statuses(t *testing.T, want int) []StatusMessage {
	t.Helper()
	got := make(chan StatusMessage, want)
	consumer := h.broker.Consumer(testStatusTopic, "collector", taskqueue.ConsumerOptions{})
	go consumer.Run(context.Background(), func(ctx context.Context, msg taskqueue.Message) error {
		var status StatusMessage
		if err := json.Unmarshal(msg.Value, &status); err != nil {
			t.Errorf("decode status: %v", err)
			return err
		}
		got <- status
		return nil
	})
	t.Cleanup(func() { consumer.Close() })

	statuses := make([]StatusMessage, 0, want)
	deadline := time.After(5 * time.Second)
	for len(statuses) < want {
		select {
		case s := <-got:
			statuses = append(statuses, s)
		case <-deadline:
			t.Fatalf("timed out after %d/%d statuses", len(statuses), want)
		}
	}
	return statuses
}

func TestSubmitSucceeds(t *testing.T) {
	h := newTestSubmitter(t, nil)

	// 13:00 window, well inside the 6h usage window at 14:30.
	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("handle: %v", err)
	}

	batches := h.meterer.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches: %d", len(batches))
	}
	record := batches[0].Records[0]
	if batches[0].ProductCode != "prodcode-rosa" {
		t.Fatalf("product code: %q", batches[0].ProductCode)
	}
	// rosa Cores bills four_vcpu_hour at a 0.25 factor: 8 cores -> 2 units.
	if record.Dimension != "four_vcpu_hour" || record.Quantity != 2 {
		t.Fatalf("record: %+v", record)
	}
	if !record.Timestamp.Equal(aggregate.WindowStart) {
		t.Fatalf("timestamp: %v", record.Timestamp)
	}

	statuses := h.statuses(t, 1)
	if statuses[0].Status != StatusSucceeded || statuses[0].BilledOn == nil {
		t.Fatalf("status: %+v", statuses[0])
	}
	if statuses[0].AggregateID != aggregate.ID {
		t.Fatalf("aggregate id: %q", statuses[0].AggregateID)
	}
}

func TestRedundantUsageIsNotSubmitted(t *testing.T) {
	h := newTestSubmitter(t, nil)
	now := h.clock.Now() // 14:30

	// 7 hours old: before 14:00 - 6h = 08:00, rejected as redundant.
	stale := pendingAggregate(clock.StartOfHour(now.Add(-7*time.Hour)), 8)
	if err := h.handle(t, stale); err != nil {
		t.Fatalf("handle stale: %v", err)
	}
	// 5 hours old: still inside the window, submitted.
	fresh := pendingAggregate(clock.StartOfHour(now.Add(-5*time.Hour)), 8)
	if err := h.handle(t, fresh); err != nil {
		t.Fatalf("handle fresh: %v", err)
	}

	if len(h.meterer.Batches()) != 1 {
		t.Fatalf("only the fresh aggregate may reach the marketplace, got %d batches", len(h.meterer.Batches()))
	}

	statuses := h.statuses(t, 2)
	byID := map[string]StatusMessage{}
	for _, s := range statuses {
		byID[s.AggregateID] = s
	}
	if s := byID[stale.ID]; s.Status != StatusFailed || s.ErrorCode != ErrorRedundant {
		t.Fatalf("stale status: %+v", s)
	}
	if s := byID[fresh.ID]; s.Status != StatusSucceeded {
		t.Fatalf("fresh status: %+v", s)
	}
}

func TestUnsupportedMetric(t *testing.T) {
	h := newTestSubmitter(t, nil)

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	aggregate.Key.MetricID = "Transfer-gibibytes"
	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("handle: %v", err)
	}

	statuses := h.statuses(t, 1)
	if statuses[0].ErrorCode != ErrorUnsupportedMetric {
		t.Fatalf("status: %+v", statuses[0])
	}
	if len(h.meterer.Batches()) != 0 {
		t.Fatal("unsupported metric must not reach the marketplace")
	}
}

func TestSubscriptionTerminated(t *testing.T) {
	h := newTestSubmitter(t, nil)
	h.lookup.err = marketplace.ErrSubscriptionTerminated

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("handle: %v", err)
	}

	statuses := h.statuses(t, 1)
	if statuses[0].ErrorCode != ErrorSubscriptionTerminated {
		t.Fatalf("status: %+v", statuses[0])
	}
}

func TestMissingContextClassifiedByAge(t *testing.T) {
	h := newTestSubmitter(t, nil)
	h.lookup.err = marketplace.ErrContextNotFound
	now := h.clock.Now()

	recent := pendingAggregate(clock.StartOfHour(now.Add(-2*time.Hour)), 8)
	if err := h.handle(t, recent); err != nil {
		t.Fatalf("handle recent: %v", err)
	}
	old := pendingAggregate(clock.StartOfHour(now.Add(-10*time.Hour)), 8)
	if err := h.handle(t, old); err != nil {
		t.Fatalf("handle old: %v", err)
	}

	statuses := h.statuses(t, 2)
	byID := map[string]StatusMessage{}
	for _, s := range statuses {
		byID[s.AggregateID] = s
	}
	if s := byID[recent.ID]; s.ErrorCode != ErrorSubscriptionNotFound {
		t.Fatalf("recent status: %+v", s)
	}
	if s := byID[old.ID]; s.ErrorCode != ErrorInactive {
		t.Fatalf("old status: %+v", s)
	}
}

func TestTransientLookupFailuresAreRetried(t *testing.T) {
	h := newTestSubmitter(t, nil)
	h.lookup.transientLeft = 2

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if h.lookup.calls != 3 {
		t.Fatalf("lookup calls: got %d, want 3", h.lookup.calls)
	}
	statuses := h.statuses(t, 1)
	if statuses[0].Status != StatusSucceeded {
		t.Fatalf("status: %+v", statuses[0])
	}
}

func TestExhaustedLookupFailsTerminally(t *testing.T) {
	h := newTestSubmitter(t, nil)
	h.lookup.transientLeft = 100

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// One initial attempt plus the configured retries.
	if h.lookup.calls != 4 {
		t.Fatalf("lookup calls: got %d, want 4", h.lookup.calls)
	}
	statuses := h.statuses(t, 1)
	if statuses[0].ErrorCode != ErrorUsageContextLookup {
		t.Fatalf("status: %+v", statuses[0])
	}
}

func TestThrottleIsRetryable(t *testing.T) {
	h := newTestSubmitter(t, nil)
	h.meterer.ThrottleNext()

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	err := h.handle(t, aggregate)
	if err == nil || !taskqueue.IsRetryable(err) {
		t.Fatalf("want retryable error, got %v", err)
	}

	// The retry succeeds and settles the aggregate.
	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("retry: %v", err)
	}
	statuses := h.statuses(t, 1)
	if statuses[0].Status != StatusSucceeded {
		t.Fatalf("status: %+v", statuses[0])
	}
}

func TestUnprocessedRecordsAreRetryable(t *testing.T) {
	h := newTestSubmitter(t, nil)
	h.meterer.RejectNext()

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	if err := h.handle(t, aggregate); err == nil || !taskqueue.IsRetryable(err) {
		t.Fatalf("want retryable error, got %v", err)
	}
}

func TestCustomerNotSubscribedIsWarnedNotFailed(t *testing.T) {
	h := newTestSubmitter(t, nil)
	h.meterer.MarkNotSubscribed("cust-1")

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("handle: %v", err)
	}
	statuses := h.statuses(t, 1)
	if statuses[0].Status != StatusSucceeded {
		t.Fatalf("status: %+v", statuses[0])
	}
}

func TestReplayAfterSuccessDoesNotBillTwice(t *testing.T) {
	h := newTestSubmitter(t, nil)
	ctx := context.Background()

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	stored := aggregate
	if err := h.store.Save(ctx, &stored); err != nil {
		t.Fatalf("save: %v", err)
	}
	billedOn := h.clock.Now()
	if err := h.store.UpdateStatus(ctx, aggregate.ID, StatusSucceeded, "", &billedOn); err != nil {
		t.Fatalf("update status: %v", err)
	}

	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("handle replay: %v", err)
	}
	if len(h.meterer.Batches()) != 0 {
		t.Fatal("settled aggregate must not be metered again")
	}
}

func TestTimestampClampedToSubscriptionStart(t *testing.T) {
	h := newTestSubmitter(t, nil)
	subscribed := time.Date(2025, 3, 12, 13, 30, 0, 0, time.UTC)
	h.lookup.usageContext.SubscriptionStart = subscribed

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("handle: %v", err)
	}

	batches := h.meterer.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches: %d", len(batches))
	}
	if !batches[0].Records[0].Timestamp.Equal(subscribed) {
		t.Fatalf("timestamp not clamped: %v", batches[0].Records[0].Timestamp)
	}
}

func TestDryRunSkipsMarketplace(t *testing.T) {
	h := newTestSubmitter(t, func(cfg *config.Config) { cfg.DryRun = true })

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(h.meterer.Batches()) != 0 {
		t.Fatal("dry run must not call the marketplace")
	}
	statuses := h.statuses(t, 1)
	if statuses[0].Status != StatusSucceeded {
		t.Fatalf("status: %+v", statuses[0])
	}
}

func TestNonAWSProvidersAreIgnored(t *testing.T) {
	h := newTestSubmitter(t, nil)

	aggregate := pendingAggregate(time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), 8)
	aggregate.Key.BillingProvider = ProviderDirect
	if err := h.handle(t, aggregate); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(h.meterer.Batches()) != 0 {
		t.Fatal("direct-billed usage must not be metered")
	}
}

func TestMalformedAggregateIsDropped(t *testing.T) {
	h := newTestSubmitter(t, nil)

	err := h.submitter.handle(context.Background(), taskqueue.Message{Value: []byte("{broken")})
	if !errors.Is(err, taskqueue.ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}
