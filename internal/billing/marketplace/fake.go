package marketplace

import (
	"context"
	"fmt"
	"sync"
)

// SubmittedBatch records one BatchMeterUsage call made against the fake.
type SubmittedBatch struct {
	ProductCode string
	Records     []UsageRecord
}

// FakeMeterer is an in-memory Meterer for tests and local development. Every
// record is accepted unless the caller arms one of the failure modes.
type FakeMeterer struct {
	mu      sync.Mutex
	batches []SubmittedBatch

	notSubscribed map[string]bool
	throttleNext  bool
	rejectNext    bool
	err           error
}

func NewFakeMeterer() *FakeMeterer {
	return &FakeMeterer{notSubscribed: make(map[string]bool)}
}

// MarkNotSubscribed makes every record for the customer come back
// CustomerNotSubscribed.
func (f *FakeMeterer) MarkNotSubscribed(customerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notSubscribed[customerID] = true
}

// ThrottleNext makes the next call fail with ErrThrottled.
func (f *FakeMeterer) ThrottleNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttleNext = true
}

// RejectNext leaves every record of the next call unprocessed.
func (f *FakeMeterer) RejectNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectNext = true
}

// FailWith makes every call fail with err until reset with nil.
func (f *FakeMeterer) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Batches returns a copy of every recorded call.
func (f *FakeMeterer) Batches() []SubmittedBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SubmittedBatch, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *FakeMeterer) BatchMeterUsage(ctx context.Context, productCode string, records []UsageRecord) (BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.throttleNext {
		f.throttleNext = false
		return BatchResult{}, fmt.Errorf("%w: simulated", ErrThrottled)
	}
	if f.err != nil {
		return BatchResult{}, f.err
	}

	if f.rejectNext {
		f.rejectNext = false
		return BatchResult{Unprocessed: append([]UsageRecord(nil), records...)}, nil
	}

	f.batches = append(f.batches, SubmittedBatch{
		ProductCode: productCode,
		Records:     append([]UsageRecord(nil), records...),
	})

	var result BatchResult
	for _, r := range records {
		if f.notSubscribed[r.CustomerID] {
			result.CustomerNotSubscribed = append(result.CustomerNotSubscribed, r)
			continue
		}
		result.Accepted = append(result.Accepted, r)
	}
	return result, nil
}
