package tally

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/meterwatch/meterwatch/internal/billing"
)

// UsageSample is one instance's usage for one key and window. Samples are
// upserted by (key, window, instance), so replaying an event replaces the
// value instead of double-counting it.
type UsageSample struct {
	ID          int64                `gorm:"primaryKey"`
	Key         billing.AggregateKey `gorm:"embedded"`
	WindowStart time.Time            `gorm:"not null;uniqueIndex:idx_sample_identity,priority:1"`
	KeyHash     string               `gorm:"size:512;not null;uniqueIndex:idx_sample_identity,priority:2"`
	InstanceID  string               `gorm:"size:64;not null;uniqueIndex:idx_sample_identity,priority:3"`
	Value       float64              `gorm:"not null"`
	Published   bool                 `gorm:"not null;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (UsageSample) TableName() string { return "tally_usage_samples" }

// SampleStore persists per-instance usage samples until the publisher folds
// them into aggregates.
type SampleStore interface {
	// Upsert records an instance's usage for a window, replacing any
	// previous value and marking the sample unpublished.
	Upsert(ctx context.Context, key billing.AggregateKey, windowStart time.Time, instanceID string, value float64) error
	// UnpublishedBefore lists unpublished samples for windows that started
	// before the cutoff.
	UnpublishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]UsageSample, error)
	MarkPublished(ctx context.Context, ids []int64) error
}

type GormSampleStore struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewSampleStore(db *gorm.DB, genID *snowflake.Node) *GormSampleStore {
	return &GormSampleStore{db: db, genID: genID}
}

func (s *GormSampleStore) Upsert(
	ctx context.Context,
	key billing.AggregateKey,
	windowStart time.Time,
	instanceID string,
	value float64,
) error {
	keyHash := key.String()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing UsageSample
		err := tx.Where("key_hash = ? AND window_start = ? AND instance_id = ?", keyHash, windowStart, instanceID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sample := UsageSample{
				ID:          s.genID.Generate().Int64(),
				Key:         key,
				WindowStart: windowStart,
				KeyHash:     keyHash,
				InstanceID:  instanceID,
				Value:       value,
			}
			if err := tx.Create(&sample).Error; err != nil {
				return fmt.Errorf("create usage sample: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("find usage sample: %w", err)
		}

		updates := map[string]any{
			"value":     value,
			"published": false,
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("update usage sample: %w", err)
		}
		return nil
	})
}

func (s *GormSampleStore) UnpublishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]UsageSample, error) {
	var samples []UsageSample
	err := s.db.WithContext(ctx).
		Where("published = ? AND window_start < ?", false, cutoff).
		Order("window_start").
		Limit(limit).
		Find(&samples).Error
	return samples, err
}

func (s *GormSampleStore) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&UsageSample{}).
		Where("id IN ?", ids).
		Update("published", true).Error
}
