// Package relationship persists the latest known state of each inventory
// host and its hypervisor/guest linkage.
package relationship

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

var ErrNotFound = errors.New("relationship_not_found")

// HostRelationship is the durable record for one (org, inventory) host. A
// guest references its hypervisor through HypervisorUUID, which matches the
// hypervisor's subscription-manager id. The raw host snapshot is kept so
// cascades can renormalize the host without a fresh inventory event.
type HostRelationship struct {
	ID                    int64          `gorm:"primaryKey"`
	OrgID                 string         `gorm:"size:64;not null;uniqueIndex:idx_relationship_org_inventory,priority:1;index:idx_relationship_org_hypervisor,priority:1;index:idx_relationship_org_submgr,priority:1"`
	InventoryID           string         `gorm:"size:64;not null;uniqueIndex:idx_relationship_org_inventory,priority:2"`
	SubscriptionManagerID string         `gorm:"size:64;index:idx_relationship_org_submgr,priority:2"`
	HypervisorUUID        string         `gorm:"size:64;index:idx_relationship_org_hypervisor,priority:2"`
	IsUnmappedGuest       bool           `gorm:"not null"`
	LatestHostData        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (HostRelationship) TableName() string { return "host_relationships" }
