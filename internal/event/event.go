// Package event defines the canonical usage event emitted by the inventory
// dispatch layer and consumed by the tally engine.
package event

import "time"

const (
	ServiceTypeHost = "HBI_HOST"
	SourceInventory = "hbi-inventory"
)

// Event types.
const (
	TypeInstanceCreated = "INSTANCE_CREATED"
	TypeInstanceUpdated = "INSTANCE_UPDATED"
	TypeInstanceDeleted = "INSTANCE_DELETED"
)

// Measurement is one metered value on an event.
type Measurement struct {
	MetricID string  `json:"metric_id"`
	Value    float64 `json:"value"`
}

// Event is the canonical record of one host's state for one billing window.
// The timestamp is truncated to the top of the hour and the event expires one
// hour later; an event is immutable once emitted.
type Event struct {
	ServiceType string    `json:"service_type"`
	EventSource string    `json:"event_source"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Expiration  time.Time `json:"expiration"`

	OrgID                 string `json:"org_id"`
	InstanceID            string `json:"instance_id"`
	InventoryID           string `json:"inventory_id,omitempty"`
	InsightsID            string `json:"insights_id,omitempty"`
	SubscriptionManagerID string `json:"subscription_manager_id,omitempty"`
	DisplayName           string `json:"display_name,omitempty"`

	Sla   string `json:"sla,omitempty"`
	Usage string `json:"usage,omitempty"`

	BillingProvider  string `json:"billing_provider,omitempty"`
	BillingAccountID string `json:"billing_account_id,omitempty"`

	CloudProvider  string `json:"cloud_provider,omitempty"`
	HardwareType   string `json:"hardware_type,omitempty"`
	HypervisorUUID string `json:"hypervisor_uuid,omitempty"`

	IsVirtual       bool `json:"is_virtual"`
	IsHypervisor    bool `json:"is_hypervisor"`
	IsUnmappedGuest bool `json:"is_unmapped_guest"`
	Conversion      bool `json:"conversion"`

	ProductTags  []string      `json:"product_tag,omitempty"`
	ProductIDs   []string      `json:"product_ids,omitempty"`
	Measurements []Measurement `json:"measurements,omitempty"`

	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Measurement returns the value of the named metric.
func (e Event) Measurement(metricID string) (float64, bool) {
	for _, m := range e.Measurements {
		if m.MetricID == metricID {
			return m.Value, true
		}
	}
	return 0, false
}
