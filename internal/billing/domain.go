// Package billing carries aggregated usage to marketplace billing providers
// and records the terminal outcome of every submission.
package billing

import (
	"fmt"
	"time"
)

// Billing providers.
const (
	ProviderAWS    = "aws"
	ProviderAzure  = "azure"
	ProviderDirect = "red hat"
)

// Submission statuses.
const (
	StatusPending   = "PENDING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Terminal error codes for failed submissions.
const (
	ErrorUnsupportedMetric      = "UNSUPPORTED_METRIC"
	ErrorSubscriptionNotFound   = "SUBSCRIPTION_NOT_FOUND"
	ErrorSubscriptionTerminated = "SUBSCRIPTION_TERMINATED"
	ErrorInactive               = "INACTIVE"
	ErrorUsageContextLookup     = "USAGE_CONTEXT_LOOKUP"
	ErrorRedundant              = "REDUNDANT"
	ErrorUnknown                = "UNKNOWN"
)

// AggregateKey identifies one stream of billable usage. The string form is
// the task-queue partition key, so no two workers ever submit for the same
// org/product/window concurrently.
type AggregateKey struct {
	OrgID            string `json:"org_id" gorm:"size:64"`
	ProductTag       string `json:"product_tag" gorm:"size:64"`
	MetricID         string `json:"metric_id" gorm:"size:64"`
	BillingProvider  string `json:"billing_provider" gorm:"size:32"`
	BillingAccountID string `json:"billing_account_id" gorm:"size:64"`
	Sla              string `json:"sla" gorm:"size:32"`
	Usage            string `json:"usage" gorm:"size:32"`
}

func (k AggregateKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s",
		k.OrgID, k.ProductTag, k.MetricID, k.BillingProvider, k.BillingAccountID, k.Sla, k.Usage)
}

// Aggregate is one billing window's total usage for a key, created by the
// tally engine and mutated only by the submitter (status, error code,
// billed-on).
type Aggregate struct {
	ID           string       `json:"id" gorm:"primaryKey;size:36"`
	Key          AggregateKey `json:"key" gorm:"embedded"`
	WindowStart  time.Time    `json:"window_start" gorm:"index"`
	TotalValue   float64      `json:"total_value"`
	SnapshotDate time.Time    `json:"snapshot_date"`
	Status       string       `json:"status" gorm:"size:16"`
	ErrorCode    string       `json:"error_code,omitempty" gorm:"size:32"`
	BilledOn     *time.Time   `json:"billed_on,omitempty"`
	CreatedAt    time.Time    `json:"-"`
	UpdatedAt    time.Time    `json:"-"`
}

func (Aggregate) TableName() string { return "billable_usage_aggregates" }

// StatusMessage is published for every terminal submission outcome.
type StatusMessage struct {
	AggregateID string       `json:"aggregate_id"`
	Key         AggregateKey `json:"key"`
	WindowStart time.Time    `json:"window_start"`
	Status      string       `json:"status"`
	ErrorCode   string       `json:"error_code,omitempty"`
	BilledOn    *time.Time   `json:"billed_on,omitempty"`
}
