// Package marketplace resolves usage contexts for billable aggregates and
// submits metered usage to the marketplace metering APIs.
package marketplace

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrContextNotFound means no subscription matches the aggregate key, so
	// the usage context cannot be determined.
	ErrContextNotFound = errors.New("usage_context_not_found")
	// ErrSubscriptionTerminated means the matching subscription ended before
	// the usage window.
	ErrSubscriptionTerminated = errors.New("subscription_terminated")
	// ErrThrottled means the marketplace rejected the call for rate limiting;
	// retry later without counting the attempt as a failure.
	ErrThrottled = errors.New("marketplace_throttled")
)

// UsageContext is the marketplace identity a batch of usage is metered
// against.
type UsageContext struct {
	CustomerID        string
	ProductCode       string
	SubscriptionStart time.Time
	SubscriptionEnd   *time.Time
}

// LookupKey identifies the subscription a stream of usage bills against.
type LookupKey struct {
	OrgID            string
	ProductTag       string
	BillingProvider  string
	BillingAccountID string
}

// ContextLookup resolves a lookup key to its marketplace usage context.
type ContextLookup interface {
	UsageContext(ctx context.Context, key LookupKey) (UsageContext, error)
}

// UsageRecord is one metered quantity for one customer and dimension.
// Quantities are whole units; callers apply billing factors and round before
// building records.
type UsageRecord struct {
	CustomerID string
	Dimension  string
	Quantity   int64
	Timestamp  time.Time
}

// BatchResult classifies each record of a batch submission.
type BatchResult struct {
	Accepted              []UsageRecord
	CustomerNotSubscribed []UsageRecord
	Unprocessed           []UsageRecord
}

// Meterer submits batches of usage records to a marketplace.
type Meterer interface {
	BatchMeterUsage(ctx context.Context, productCode string, records []UsageRecord) (BatchResult, error)
}
