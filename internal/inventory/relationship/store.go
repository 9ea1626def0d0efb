package relationship

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/meterwatch/meterwatch/internal/clock"
)

// Store is the persistence interface for host relationships. Callers are
// serialized per (org, inventory) by the task-queue partitioning; the store
// itself performs no locking.
type Store interface {
	// Upsert creates the relationship on first sighting and overwrites the
	// snapshot, hypervisor reference and subscription-manager id afterwards.
	Upsert(ctx context.Context, orgID, inventoryID, subscriptionManagerID, hypervisorUUID string, isUnmappedGuest bool, snapshot []byte) error
	Find(ctx context.Context, orgID, inventoryID string) (*HostRelationship, error)
	// Delete removes the relationship and returns the removed row, or
	// ErrNotFound if the host was never seen.
	Delete(ctx context.Context, orgID, inventoryID string) (*HostRelationship, error)
	// UnmappedGuests lists the guests currently marked unmapped under the
	// given hypervisor subscription-manager id.
	UnmappedGuests(ctx context.Context, orgID, hypervisorSubMgrID string) ([]HostRelationship, error)
	// MappedGuests lists the guests currently mapped to the given hypervisor
	// subscription-manager id.
	MappedGuests(ctx context.Context, orgID, hypervisorSubMgrID string) ([]HostRelationship, error)
	// GuestCount counts hosts referencing the given subscription-manager id
	// as their hypervisor.
	GuestCount(ctx context.Context, orgID, subscriptionManagerID string) (int64, error)
	// FindHypervisor resolves the host whose subscription-manager id matches
	// the given hypervisor uuid.
	FindHypervisor(ctx context.Context, orgID, hypervisorUUID string) (*HostRelationship, error)
}

type GormStore struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewStore(db *gorm.DB, genID *snowflake.Node, clk clock.Clock) *GormStore {
	return &GormStore{db: db, genID: genID, clock: clk}
}

func (s *GormStore) Upsert(
	ctx context.Context,
	orgID, inventoryID, subscriptionManagerID, hypervisorUUID string,
	isUnmappedGuest bool,
	snapshot []byte,
) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing HostRelationship
		err := tx.Where("org_id = ? AND inventory_id = ?", orgID, inventoryID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rel := HostRelationship{
				ID:                    s.genID.Generate().Int64(),
				OrgID:                 orgID,
				InventoryID:           inventoryID,
				SubscriptionManagerID: subscriptionManagerID,
				HypervisorUUID:        hypervisorUUID,
				IsUnmappedGuest:       isUnmappedGuest,
				LatestHostData:        snapshot,
				CreatedAt:             now,
				UpdatedAt:             now,
			}
			if err := tx.Create(&rel).Error; err != nil {
				return fmt.Errorf("create relationship: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("find relationship: %w", err)
		}

		updates := map[string]any{
			"subscription_manager_id": subscriptionManagerID,
			"hypervisor_uuid":         hypervisorUUID,
			"is_unmapped_guest":       isUnmappedGuest,
			"latest_host_data":        snapshot,
			"updated_at":              now,
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("update relationship: %w", err)
		}
		return nil
	})
}

func (s *GormStore) Find(ctx context.Context, orgID, inventoryID string) (*HostRelationship, error) {
	var rel HostRelationship
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND inventory_id = ?", orgID, inventoryID).
		First(&rel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

func (s *GormStore) Delete(ctx context.Context, orgID, inventoryID string) (*HostRelationship, error) {
	var deleted *HostRelationship
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rel HostRelationship
		err := tx.Where("org_id = ? AND inventory_id = ?", orgID, inventoryID).
			First(&rel).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&HostRelationship{}, "id = ?", rel.ID).Error; err != nil {
			return fmt.Errorf("delete relationship: %w", err)
		}
		deleted = &rel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *GormStore) UnmappedGuests(ctx context.Context, orgID, hypervisorSubMgrID string) ([]HostRelationship, error) {
	var guests []HostRelationship
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND hypervisor_uuid = ? AND is_unmapped_guest = ?", orgID, hypervisorSubMgrID, true).
		Order("inventory_id").
		Find(&guests).Error
	return guests, err
}

func (s *GormStore) MappedGuests(ctx context.Context, orgID, hypervisorSubMgrID string) ([]HostRelationship, error) {
	var guests []HostRelationship
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND hypervisor_uuid = ? AND is_unmapped_guest = ?", orgID, hypervisorSubMgrID, false).
		Order("inventory_id").
		Find(&guests).Error
	return guests, err
}

func (s *GormStore) GuestCount(ctx context.Context, orgID, subscriptionManagerID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&HostRelationship{}).
		Where("org_id = ? AND hypervisor_uuid = ?", orgID, subscriptionManagerID).
		Count(&count).Error
	return count, err
}

func (s *GormStore) FindHypervisor(ctx context.Context, orgID, hypervisorUUID string) (*HostRelationship, error) {
	var rel HostRelationship
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND subscription_manager_id = ?", orgID, hypervisorUUID).
		First(&rel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// IsHypervisor satisfies facts.RelationshipLookup: a host is a hypervisor if
// any guest references its subscription-manager id.
func (s *GormStore) IsHypervisor(ctx context.Context, orgID, subscriptionManagerID string) (bool, error) {
	count, err := s.GuestCount(ctx, orgID, subscriptionManagerID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HypervisorKnown satisfies facts.RelationshipLookup.
func (s *GormStore) HypervisorKnown(ctx context.Context, orgID, hypervisorUUID string) (bool, error) {
	_, err := s.FindHypervisor(ctx, orgID, hypervisorUUID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
