package marketplace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFakeMetererAcceptsByDefault(t *testing.T) {
	fake := NewFakeMeterer()

	result, err := fake.BatchMeterUsage(context.Background(), "prodcode", []UsageRecord{
		{CustomerID: "cust-1", Dimension: "four_vcpu_hour", Quantity: 2},
		{CustomerID: "cust-2", Dimension: "four_vcpu_hour", Quantity: 1},
	})
	assert.NoError(t, err)
	assert.Len(t, result.Accepted, 2)
	assert.Empty(t, result.CustomerNotSubscribed)
	assert.Empty(t, result.Unprocessed)

	batches := fake.Batches()
	assert.Len(t, batches, 1)
	assert.Equal(t, "prodcode", batches[0].ProductCode)
}

func TestFakeMetererFailureModes(t *testing.T) {
	fake := NewFakeMeterer()
	record := []UsageRecord{{CustomerID: "cust-1", Dimension: "four_vcpu_hour", Quantity: 1}}

	fake.ThrottleNext()
	_, err := fake.BatchMeterUsage(context.Background(), "prodcode", record)
	assert.ErrorIs(t, err, ErrThrottled)

	// Throttling is one-shot.
	_, err = fake.BatchMeterUsage(context.Background(), "prodcode", record)
	assert.NoError(t, err)

	fake.RejectNext()
	result, err := fake.BatchMeterUsage(context.Background(), "prodcode", record)
	assert.NoError(t, err)
	assert.Len(t, result.Unprocessed, 1)

	fake.MarkNotSubscribed("cust-1")
	result, err = fake.BatchMeterUsage(context.Background(), "prodcode", record)
	assert.NoError(t, err)
	assert.Len(t, result.CustomerNotSubscribed, 1)
	assert.Empty(t, result.Accepted)
}
