package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrAggregateNotFound = errors.New("aggregate_not_found")

// AggregateStore persists produced aggregates so the status consumer can
// record terminal outcomes against them.
type AggregateStore interface {
	Save(ctx context.Context, aggregate *Aggregate) error
	Find(ctx context.Context, id string) (*Aggregate, error)
	// UpdateStatus records a terminal outcome for an aggregate.
	UpdateStatus(ctx context.Context, id, status, errorCode string, billedOn *time.Time) error
	// PendingBefore lists aggregates still pending whose window started
	// before the cutoff, oldest first.
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Aggregate, error)
}

type GormAggregateStore struct {
	db *gorm.DB
}

func NewAggregateStore(db *gorm.DB) *GormAggregateStore {
	return &GormAggregateStore{db: db}
}

func (s *GormAggregateStore) Save(ctx context.Context, aggregate *Aggregate) error {
	if err := s.db.WithContext(ctx).Save(aggregate).Error; err != nil {
		return fmt.Errorf("save aggregate: %w", err)
	}
	return nil
}

func (s *GormAggregateStore) Find(ctx context.Context, id string) (*Aggregate, error) {
	var aggregate Aggregate
	err := s.db.WithContext(ctx).First(&aggregate, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAggregateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &aggregate, nil
}

func (s *GormAggregateStore) UpdateStatus(ctx context.Context, id, status, errorCode string, billedOn *time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Aggregate{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"error_code": errorCode,
			"billed_on":  billedOn,
		})
	if result.Error != nil {
		return fmt.Errorf("update aggregate status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAggregateNotFound
	}
	return nil
}

func (s *GormAggregateStore) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Aggregate, error) {
	var aggregates []Aggregate
	err := s.db.WithContext(ctx).
		Where("status = ? AND window_start < ?", StatusPending, cutoff).
		Order("window_start").
		Limit(limit).
		Find(&aggregates).Error
	return aggregates, err
}
