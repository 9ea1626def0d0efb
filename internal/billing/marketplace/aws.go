package marketplace

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/marketplacemetering"
	"go.uber.org/zap"
)

// AWS caps BatchMeterUsage at 25 records per call.
const awsBatchLimit = 25

type meteringAPI interface {
	BatchMeterUsageWithContext(ctx aws.Context, input *marketplacemetering.BatchMeterUsageInput, opts ...request.Option) (*marketplacemetering.BatchMeterUsageOutput, error)
}

// AWSMeterer submits usage through the AWS Marketplace Metering service.
type AWSMeterer struct {
	api meteringAPI
	log *zap.Logger
}

func NewAWSMeterer(region string, log *zap.Logger) (*AWSMeterer, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &AWSMeterer{
		api: marketplacemetering.New(sess),
		log: log.Named("marketplace.aws"),
	}, nil
}

func (m *AWSMeterer) BatchMeterUsage(ctx context.Context, productCode string, records []UsageRecord) (BatchResult, error) {
	var result BatchResult
	for start := 0; start < len(records); start += awsBatchLimit {
		end := start + awsBatchLimit
		if end > len(records) {
			end = len(records)
		}
		batch, err := m.submitBatch(ctx, productCode, records[start:end])
		if err != nil {
			return result, err
		}
		result.Accepted = append(result.Accepted, batch.Accepted...)
		result.CustomerNotSubscribed = append(result.CustomerNotSubscribed, batch.CustomerNotSubscribed...)
		result.Unprocessed = append(result.Unprocessed, batch.Unprocessed...)
	}
	return result, nil
}

func (m *AWSMeterer) submitBatch(ctx context.Context, productCode string, records []UsageRecord) (BatchResult, error) {
	input := &marketplacemetering.BatchMeterUsageInput{
		ProductCode:  aws.String(productCode),
		UsageRecords: make([]*marketplacemetering.UsageRecord, 0, len(records)),
	}
	for _, r := range records {
		input.UsageRecords = append(input.UsageRecords, &marketplacemetering.UsageRecord{
			CustomerIdentifier: aws.String(r.CustomerID),
			Dimension:          aws.String(r.Dimension),
			Quantity:           aws.Int64(r.Quantity),
			Timestamp:          aws.Time(r.Timestamp),
		})
	}

	output, err := m.api.BatchMeterUsageWithContext(ctx, input)
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == marketplacemetering.ErrCodeThrottlingException {
			return BatchResult{}, fmt.Errorf("%w: %v", ErrThrottled, err)
		}
		return BatchResult{}, fmt.Errorf("batch meter usage: %w", err)
	}

	var result BatchResult
	for _, r := range output.Results {
		record := fromAWSRecord(r.UsageRecord)
		switch aws.StringValue(r.Status) {
		case marketplacemetering.UsageRecordResultStatusSuccess:
			result.Accepted = append(result.Accepted, record)
		case marketplacemetering.UsageRecordResultStatusDuplicateRecord:
			// Already metered; the marketplace deduplicated the replay.
			m.log.Info("duplicate usage record absorbed",
				zap.String("customer_id", record.CustomerID),
				zap.String("dimension", record.Dimension),
			)
			result.Accepted = append(result.Accepted, record)
		case marketplacemetering.UsageRecordResultStatusCustomerNotSubscribed:
			result.CustomerNotSubscribed = append(result.CustomerNotSubscribed, record)
		default:
			result.Unprocessed = append(result.Unprocessed, record)
		}
	}
	for _, r := range output.UnprocessedRecords {
		result.Unprocessed = append(result.Unprocessed, fromAWSRecord(r))
	}
	return result, nil
}

func fromAWSRecord(r *marketplacemetering.UsageRecord) UsageRecord {
	if r == nil {
		return UsageRecord{}
	}
	return UsageRecord{
		CustomerID: aws.StringValue(r.CustomerIdentifier),
		Dimension:  aws.StringValue(r.Dimension),
		Quantity:   aws.Int64Value(r.Quantity),
		Timestamp:  aws.TimeValue(r.Timestamp),
	}
}
