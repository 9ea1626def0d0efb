package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Subscription maps an org's billable product to its marketplace customer and
// product code. Rows are synced from the entitlement system.
type Subscription struct {
	ID               int64      `gorm:"primaryKey"`
	OrgID            string     `gorm:"size:64;not null;index:idx_subscription_lookup,priority:1"`
	ProductTag       string     `gorm:"size:64;not null;index:idx_subscription_lookup,priority:2"`
	BillingProvider  string     `gorm:"size:32;not null;index:idx_subscription_lookup,priority:3"`
	BillingAccountID string     `gorm:"size:64"`
	CustomerID       string     `gorm:"size:64;not null"`
	ProductCode      string     `gorm:"size:64;not null"`
	StartDate        time.Time  `gorm:"not null"`
	EndDate          *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Subscription) TableName() string { return "marketplace_subscriptions" }

// SubscriptionStore resolves usage contexts from stored subscriptions.
type SubscriptionStore struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewSubscriptionStore(db *gorm.DB, genID *snowflake.Node) *SubscriptionStore {
	return &SubscriptionStore{db: db, genID: genID}
}

// Save creates or replaces the subscription for its lookup key.
func (s *SubscriptionStore) Save(ctx context.Context, sub *Subscription) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Subscription
		err := tx.Where(
			"org_id = ? AND product_tag = ? AND billing_provider = ? AND billing_account_id = ?",
			sub.OrgID, sub.ProductTag, sub.BillingProvider, sub.BillingAccountID,
		).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if sub.ID == 0 {
				sub.ID = s.genID.Generate().Int64()
			}
			return tx.Create(sub).Error
		case err != nil:
			return err
		}
		sub.ID = existing.ID
		return tx.Model(&existing).Updates(map[string]any{
			"customer_id":  sub.CustomerID,
			"product_code": sub.ProductCode,
			"start_date":   sub.StartDate,
			"end_date":     sub.EndDate,
		}).Error
	})
}

// UsageContext resolves the key to a subscription. A missing subscription is
// ErrContextNotFound; an ended subscription returns its context together with
// ErrSubscriptionTerminated.
func (s *SubscriptionStore) UsageContext(ctx context.Context, key LookupKey) (UsageContext, error) {
	query := s.db.WithContext(ctx).Where(
		"org_id = ? AND product_tag = ? AND billing_provider = ?",
		key.OrgID, key.ProductTag, key.BillingProvider,
	)
	if key.BillingAccountID != "" {
		query = query.Where("billing_account_id = ?", key.BillingAccountID)
	}

	var sub Subscription
	err := query.First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UsageContext{}, fmt.Errorf("%w: %s/%s/%s", ErrContextNotFound, key.OrgID, key.ProductTag, key.BillingProvider)
	}
	if err != nil {
		return UsageContext{}, fmt.Errorf("lookup subscription: %w", err)
	}

	usageContext := UsageContext{
		CustomerID:        sub.CustomerID,
		ProductCode:       sub.ProductCode,
		SubscriptionStart: sub.StartDate,
		SubscriptionEnd:   sub.EndDate,
	}
	if sub.EndDate != nil {
		return usageContext, fmt.Errorf("%w: ended %s", ErrSubscriptionTerminated, sub.EndDate.Format(time.RFC3339))
	}
	return usageContext, nil
}
